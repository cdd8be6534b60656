package platform

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"

	"github.com/itchyny/gojq"
	"github.com/shopspring/decimal"

	"github.com/brojonat/affsync/service/reconcile"
)

// FieldAliases lists, per canonical field, the jq expressions tried in order
// against a raw platform record. The first non-null result wins; for amount
// fields zero values are skipped as well.
type FieldAliases struct {
	TransactionID    []string `yaml:"transaction_id"`
	TransactionTime  []string `yaml:"transaction_time"`
	Status           []string `yaml:"status"`
	OrderAmount      []string `yaml:"order_amount"`
	CommissionAmount []string `yaml:"commission_amount"`
	Currency         []string `yaml:"currency"`
	Merchant         []string `yaml:"merchant"`
	MerchantID       []string `yaml:"merchant_id"`
	RejectReason     []string `yaml:"reject_reason"`
	RejectTime       []string `yaml:"reject_time"`
}

type compiledField struct {
	name   string
	amount bool
	codes  []*gojq.Code
	set    func(*reconcile.RawTransactionInput, string)
}

// Mapper turns raw platform JSON records into RawTransactionInput.
type Mapper struct {
	fields []compiledField
}

// NewMapper compiles the alias expressions. A transaction id alias is required.
func NewMapper(a FieldAliases) (*Mapper, error) {
	if len(a.TransactionID) == 0 {
		return nil, fmt.Errorf("transaction_id needs at least one alias")
	}

	specs := []struct {
		name    string
		amount  bool
		aliases []string
		set     func(*reconcile.RawTransactionInput, string)
	}{
		{"transaction_id", false, a.TransactionID, func(r *reconcile.RawTransactionInput, v string) { r.TransactionID = v }},
		{"transaction_time", false, a.TransactionTime, func(r *reconcile.RawTransactionInput, v string) { r.TransactionTime = v }},
		{"status", false, a.Status, func(r *reconcile.RawTransactionInput, v string) { r.Status = v }},
		{"order_amount", true, a.OrderAmount, func(r *reconcile.RawTransactionInput, v string) { r.OrderAmount = v }},
		{"commission_amount", true, a.CommissionAmount, func(r *reconcile.RawTransactionInput, v string) { r.CommissionAmount = v }},
		{"currency", false, a.Currency, func(r *reconcile.RawTransactionInput, v string) { r.Currency = v }},
		{"merchant", false, a.Merchant, func(r *reconcile.RawTransactionInput, v string) { r.Merchant = v }},
		{"merchant_id", false, a.MerchantID, func(r *reconcile.RawTransactionInput, v string) { r.MerchantID = v }},
		{"reject_reason", false, a.RejectReason, func(r *reconcile.RawTransactionInput, v string) { r.RejectReason = v }},
		{"reject_time", false, a.RejectTime, func(r *reconcile.RawTransactionInput, v string) { r.RejectTime = v }},
	}

	m := &Mapper{}
	for _, s := range specs {
		f := compiledField{name: s.name, amount: s.amount, set: s.set}
		for _, expr := range s.aliases {
			code, err := compileJQ(expr)
			if err != nil {
				return nil, fmt.Errorf("field %s: %w", s.name, err)
			}
			f.codes = append(f.codes, code)
		}
		m.fields = append(m.fields, f)
	}
	return m, nil
}

// Map extracts one record. The raw record is kept as the payload.
func (m *Mapper) Map(record any) (reconcile.RawTransactionInput, error) {
	payload, err := json.Marshal(record)
	if err != nil {
		return reconcile.RawTransactionInput{}, fmt.Errorf("failed to marshal raw record: %w", err)
	}

	out := reconcile.RawTransactionInput{RawPayload: payload}
	for _, f := range m.fields {
		v, err := f.resolve(record)
		if err != nil {
			return reconcile.RawTransactionInput{}, err
		}
		f.set(&out, v)
	}
	return out, nil
}

func (f compiledField) resolve(record any) (string, error) {
	fallback := ""
	for _, code := range f.codes {
		v, ok, err := first(code, record)
		if err != nil {
			return "", fmt.Errorf("field %s: %w", f.name, err)
		}
		if !ok || v == nil {
			continue
		}
		s := stringify(v)
		if s == "" {
			continue
		}
		if f.amount && isZeroAmount(s) {
			if fallback == "" {
				fallback = s
			}
			continue
		}
		return s, nil
	}
	return fallback, nil
}

func isZeroAmount(s string) bool {
	d, err := decimal.NewFromString(s)
	return err == nil && d.IsZero()
}

func compileJQ(expr string) (*gojq.Code, error) {
	query, err := gojq.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse jq expression %q: %w", expr, err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("failed to compile jq expression %q: %w", expr, err)
	}
	return code, nil
}

// first returns the first value code yields for input.
func first(code *gojq.Code, input any) (any, bool, error) {
	iter := code.Run(input)
	v, ok := iter.Next()
	if !ok {
		return nil, false, nil
	}
	if err, isErr := v.(error); isErr {
		return nil, false, err
	}
	return v, true, nil
}

// all collects every value code yields for input.
func all(code *gojq.Code, input any) ([]any, error) {
	var out []any
	iter := code.Run(input)
	for {
		v, ok := iter.Next()
		if !ok {
			return out, nil
		}
		if err, isErr := v.(error); isErr {
			return nil, err
		}
		out = append(out, v)
	}
}

// decodeDocument decodes a response body keeping numbers as json.Number, so
// integer ids beyond float64 precision reach jq intact.
func decodeDocument(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case *big.Int:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	case json.Number:
		return t.String()
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}

func isTruthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	default:
		return true
	}
}
