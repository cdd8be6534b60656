package reconcile

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// RawTransactionInput is a platform record after field aliasing and before
// normalization. Every field is carried as the platform sent it.
type RawTransactionInput struct {
	TransactionID    string          `json:"transaction_id"`
	TransactionTime  string          `json:"transaction_time"`
	Status           string          `json:"status"`
	OrderAmount      string          `json:"order_amount"`
	CommissionAmount string          `json:"commission_amount"`
	Currency         string          `json:"currency"`
	Merchant         string          `json:"merchant"`
	MerchantID       string          `json:"merchant_id"`
	RejectReason     string          `json:"reject_reason"`
	RejectTime       string          `json:"reject_time"`
	RawPayload       json.RawMessage `json:"raw_payload,omitempty"`
}

// TimeLayout names the format a timestamp was parsed with.
type TimeLayout string

const (
	LayoutRFC3339     TimeLayout = "rfc3339"
	LayoutISONoZone   TimeLayout = "iso8601_no_zone"
	LayoutDateTime    TimeLayout = "datetime"
	LayoutDate        TimeLayout = "date"
	LayoutUnixSeconds TimeLayout = "unix_seconds"
	LayoutUnixMillis  TimeLayout = "unix_millis"
)

type timeFormat struct {
	name   TimeLayout
	layout string
	zoned  bool
}

// Tried in order; the first match wins.
var timeFormats = []timeFormat{
	{LayoutRFC3339, time.RFC3339Nano, true},
	{LayoutRFC3339, "2006-01-02 15:04:05.999999999Z07:00", true},
	{LayoutRFC3339, "2006-01-02T15:04:05.999999999Z0700", true},
	{LayoutRFC3339, "2006-01-02 15:04:05.999999999 -0700", true},
	{LayoutISONoZone, "2006-01-02T15:04:05.999999999", false},
	{LayoutDateTime, "2006-01-02 15:04:05.999999999", false},
	{LayoutDateTime, "2006/01/02 15:04:05", false},
	{LayoutDate, time.DateOnly, false},
	{LayoutDate, "2006/01/02", false},
}

// ParseTime parses a platform timestamp and reports which layout matched.
// Values without a zone are read in loc. The result is always UTC.
func ParseTime(s string, loc *time.Location) (time.Time, TimeLayout, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, "", fmt.Errorf("empty timestamp")
	}
	if loc == nil {
		loc = time.UTC
	}

	if isDigits(s) {
		n, err := strconv.ParseInt(s, 10, 64)
		if err == nil {
			switch len(s) {
			case 10:
				return time.Unix(n, 0).UTC(), LayoutUnixSeconds, nil
			case 13:
				return time.UnixMilli(n).UTC(), LayoutUnixMillis, nil
			}
		}
	}

	for _, f := range timeFormats {
		var (
			t   time.Time
			err error
		)
		if f.zoned {
			t, err = time.Parse(f.layout, s)
		} else {
			t, err = time.ParseInLocation(f.layout, s, loc)
		}
		if err == nil {
			return t.UTC(), f.name, nil
		}
	}
	return time.Time{}, "", fmt.Errorf("unrecognized timestamp %q", s)
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

// ParseAmount parses a non-negative money amount. Empty means zero.
// Thousands separators are accepted when a decimal point is also present.
func ParseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, nil
	}
	if strings.Contains(s, ",") && strings.Contains(s, ".") {
		s = strings.ReplaceAll(s, ",", "")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q", s)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("negative amount %q", s)
	}
	return d, nil
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
