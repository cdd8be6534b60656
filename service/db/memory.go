package db

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/brojonat/affsync/service/status"
)

type ledgerKey struct {
	platform      string
	transactionID string
}

// MemoryStore is an in-process ledger with the same batch and savepoint
// semantics as Store. Writes become visible to other batches on Commit.
type MemoryStore struct {
	mu   sync.Mutex
	txs  map[ledgerKey]*Transaction
	rejs map[ledgerKey]*Rejection
	now  func() time.Time

	// BeforeInsert, when set, runs before every transaction insert. Tests use
	// it to commit a competing row and exercise the duplicate-key path.
	BeforeInsert func(platform, transactionID string)

	// Fail, when set, is consulted before every write; a non-nil error is
	// returned from that write.
	Fail func(op, platform, transactionID string) error
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		txs:  make(map[ledgerKey]*Transaction),
		rejs: make(map[ledgerKey]*Rejection),
		now:  time.Now,
	}
}

// PutTransaction commits a row directly, bypassing the batch path.
func (m *MemoryStore) PutTransaction(t Transaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = now
	}
	m.txs[ledgerKey{t.Platform, t.TransactionID}] = &t
}

func (m *MemoryStore) GetTransaction(ctx context.Context, platform, transactionID string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txs[ledgerKey{platform, transactionID}]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) GetRejection(ctx context.Context, platform, transactionID string) (*Rejection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rejs[ledgerKey{platform, transactionID}]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) LatestTransactionTime(ctx context.Context, platform string) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *time.Time
	for k, t := range m.txs {
		if k.platform != platform {
			continue
		}
		if latest == nil || t.TransactionTime.After(*latest) {
			v := t.TransactionTime
			latest = &v
		}
	}
	return latest, nil
}

func (m *MemoryStore) ListTransactions(ctx context.Context, params ListTransactionsParams) ([]*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Transaction
	for _, t := range m.txs {
		if params.Platform != "" && t.Platform != params.Platform {
			continue
		}
		if params.Status != "" && t.Status != params.Status {
			continue
		}
		if params.Start != nil && t.TransactionTime.Before(*params.Start) {
			continue
		}
		if params.End != nil && !t.TransactionTime.Before(*params.End) {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TransactionTime.Equal(out[j].TransactionTime) {
			return out[i].TransactionID < out[j].TransactionID
		}
		return out[i].TransactionTime.After(out[j].TransactionTime)
	})
	return page(out, params.Limit, params.Offset), nil
}

func (m *MemoryStore) ListRejections(ctx context.Context, params ListRejectionsParams) ([]*Rejection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Rejection
	for _, r := range m.rejs {
		if params.Platform != "" && r.Platform != params.Platform {
			continue
		}
		if r.Stale && !params.IncludeStale {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RejectTime.Equal(out[j].RejectTime) {
			return out[i].TransactionID < out[j].TransactionID
		}
		return out[i].RejectTime.After(out[j].RejectTime)
	})
	return page(out, params.Limit, params.Offset), nil
}

func page[T any](items []T, limit, offset int32) []T {
	if limit <= 0 {
		limit = 100
	}
	if int(offset) >= len(items) {
		return nil
	}
	items = items[offset:]
	if int(limit) < len(items) {
		items = items[:limit]
	}
	return items
}

// BeginBatch starts a batch whose writes are staged until Commit.
func (m *MemoryStore) BeginBatch(ctx context.Context) (Batch, error) {
	return &memBatch{
		store: m,
		staged: memState{
			txs:  make(map[ledgerKey]*Transaction),
			rejs: make(map[ledgerKey]*Rejection),
			dels: make(map[ledgerKey]bool),
		},
	}, nil
}

type memState struct {
	txs  map[ledgerKey]*Transaction
	rejs map[ledgerKey]*Rejection
	dels map[ledgerKey]bool
}

func (s memState) clone() memState {
	c := memState{
		txs:  make(map[ledgerKey]*Transaction, len(s.txs)),
		rejs: make(map[ledgerKey]*Rejection, len(s.rejs)),
		dels: make(map[ledgerKey]bool, len(s.dels)),
	}
	for k, v := range s.txs {
		cp := *v
		c.txs[k] = &cp
	}
	for k, v := range s.rejs {
		cp := *v
		c.rejs[k] = &cp
	}
	for k, v := range s.dels {
		c.dels[k] = v
	}
	return c
}

type memBatch struct {
	store  *MemoryStore
	staged memState
	closed bool
}

func (b *memBatch) fail(op, platform, transactionID string) error {
	if b.store.Fail == nil {
		return nil
	}
	return b.store.Fail(op, platform, transactionID)
}

func (b *memBatch) lookupTx(k ledgerKey) (*Transaction, bool) {
	if t, ok := b.staged.txs[k]; ok {
		return t, true
	}
	b.store.mu.Lock()
	defer b.store.mu.Unlock()
	t, ok := b.store.txs[k]
	return t, ok
}

func (b *memBatch) lookupRej(k ledgerKey) (*Rejection, bool) {
	if b.staged.dels[k] {
		return nil, false
	}
	if r, ok := b.staged.rejs[k]; ok {
		return r, true
	}
	b.store.mu.Lock()
	defer b.store.mu.Unlock()
	r, ok := b.store.rejs[k]
	return r, ok
}

func (b *memBatch) GetTransaction(ctx context.Context, platform, transactionID string) (*Transaction, error) {
	t, ok := b.lookupTx(ledgerKey{platform, transactionID})
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (b *memBatch) InsertTransaction(ctx context.Context, p TransactionParams) (*Transaction, error) {
	if b.store.BeforeInsert != nil {
		b.store.BeforeInsert(p.Platform, p.TransactionID)
	}
	if err := b.fail("insert_transaction", p.Platform, p.TransactionID); err != nil {
		return nil, err
	}
	k := ledgerKey{p.Platform, p.TransactionID}
	if _, ok := b.lookupTx(k); ok {
		return nil, ErrDuplicate
	}
	now := b.store.now().UTC()
	t := transactionFromParams(p)
	t.CreatedAt = now
	t.UpdatedAt = now
	b.staged.txs[k] = t
	cp := *t
	return &cp, nil
}

func (b *memBatch) UpdateTransaction(ctx context.Context, p TransactionParams) (*Transaction, error) {
	if err := b.fail("update_transaction", p.Platform, p.TransactionID); err != nil {
		return nil, err
	}
	k := ledgerKey{p.Platform, p.TransactionID}
	existing, ok := b.lookupTx(k)
	if !ok {
		return nil, ErrNotFound
	}
	t := transactionFromParams(p)
	t.CommissionAmount = MergeCommission(existing.CommissionAmount, p.CommissionAmount)
	t.CreatedAt = existing.CreatedAt
	t.UpdatedAt = b.store.now().UTC()
	b.staged.txs[k] = t
	cp := *t
	return &cp, nil
}

func (b *memBatch) GetRejection(ctx context.Context, platform, transactionID string) (*Rejection, error) {
	r, ok := b.lookupRej(ledgerKey{platform, transactionID})
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (b *memBatch) InsertRejection(ctx context.Context, p RejectionParams) (*Rejection, error) {
	if err := b.fail("insert_rejection", p.Platform, p.TransactionID); err != nil {
		return nil, err
	}
	k := ledgerKey{p.Platform, p.TransactionID}
	if _, ok := b.lookupRej(k); ok {
		return nil, ErrDuplicate
	}
	now := b.store.now().UTC()
	r := rejectionFromParams(p)
	r.CreatedAt = now
	r.UpdatedAt = now
	delete(b.staged.dels, k)
	b.staged.rejs[k] = r
	cp := *r
	return &cp, nil
}

func (b *memBatch) UpdateRejection(ctx context.Context, p RejectionParams) (*Rejection, error) {
	if err := b.fail("update_rejection", p.Platform, p.TransactionID); err != nil {
		return nil, err
	}
	k := ledgerKey{p.Platform, p.TransactionID}
	existing, ok := b.lookupRej(k)
	if !ok {
		return nil, ErrNotFound
	}
	r := rejectionFromParams(p)
	r.CreatedAt = existing.CreatedAt
	r.UpdatedAt = b.store.now().UTC()
	b.staged.rejs[k] = r
	cp := *r
	return &cp, nil
}

func (b *memBatch) DeleteRejection(ctx context.Context, platform, transactionID string) error {
	if err := b.fail("delete_rejection", platform, transactionID); err != nil {
		return err
	}
	k := ledgerKey{platform, transactionID}
	delete(b.staged.rejs, k)
	b.staged.dels[k] = true
	return nil
}

func (b *memBatch) MarkRejectionStale(ctx context.Context, platform, transactionID string) error {
	if err := b.fail("mark_rejection_stale", platform, transactionID); err != nil {
		return err
	}
	k := ledgerKey{platform, transactionID}
	existing, ok := b.lookupRej(k)
	if !ok || existing.Stale {
		return nil
	}
	r := *existing
	r.Stale = true
	r.UpdatedAt = b.store.now().UTC()
	b.staged.rejs[k] = &r
	return nil
}

func (b *memBatch) Savepoint(ctx context.Context, fn func(Ledger) error) error {
	snapshot := b.staged.clone()
	if err := fn(b); err != nil {
		b.staged = snapshot
		return err
	}
	return nil
}

func (b *memBatch) Commit(ctx context.Context) error {
	if b.closed {
		return nil
	}
	b.closed = true

	b.store.mu.Lock()
	defer b.store.mu.Unlock()
	for k, t := range b.staged.txs {
		if cur, ok := b.store.txs[k]; ok {
			t.CommissionAmount = MergeCommission(cur.CommissionAmount, t.CommissionAmount)
			t.CreatedAt = cur.CreatedAt
		}
		b.store.txs[k] = t
	}
	for k := range b.staged.dels {
		delete(b.store.rejs, k)
	}
	for k, r := range b.staged.rejs {
		b.store.rejs[k] = r
	}
	return nil
}

func (b *memBatch) Rollback(ctx context.Context) error {
	b.closed = true
	return nil
}

func transactionFromParams(p TransactionParams) *Transaction {
	st := p.Status
	if st == "" {
		st = status.Pending
	}
	return &Transaction{
		Platform:         p.Platform,
		TransactionID:    p.TransactionID,
		Merchant:         p.Merchant,
		MerchantID:       p.MerchantID,
		TransactionTime:  p.TransactionTime.UTC(),
		OrderAmount:      p.OrderAmount,
		CommissionAmount: p.CommissionAmount,
		Currency:         p.Currency,
		Status:           st,
		RawStatus:        p.RawStatus,
		AccountRef:       p.AccountRef,
		UserRef:          p.UserRef,
	}
}

func rejectionFromParams(p RejectionParams) *Rejection {
	return &Rejection{
		Platform:         p.Platform,
		TransactionID:    p.TransactionID,
		CommissionAmount: p.CommissionAmount,
		RejectReason:     p.RejectReason,
		RejectTime:       p.RejectTime.UTC(),
		RawPayload:       p.RawPayload,
	}
}
