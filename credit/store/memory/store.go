// Package memory implements credit.Store in process memory, grounded on the
// locking style of the teacher's store/memory package but with one mutex per
// (user_id, key) pair instead of a single global lock, since the spec
// requires operations on different keys to proceed in parallel while
// operations on the same key serialize.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	ledger "github.com/nimbuscredit/ledger"
	"github.com/nimbuscredit/ledger/credit"
	"github.com/nimbuscredit/ledger/id"
)

type rowKey struct {
	userID string
	key    string
}

type row struct {
	mu       sync.Mutex
	balance  int64
	currency *string
	seq      int64
}

// Store is an in-memory credit.Store, suitable for tests and single-process
// deployments without a relational data pool.
type Store struct {
	mu            sync.RWMutex // guards rows map membership and idempotency/entries
	rows          map[rowKey]*row
	entries       map[string][]credit.Entry // keyed by userID
	idempotency   map[string]bool
}

var _ credit.Store = (*Store)(nil)

// New creates an empty in-memory credit store.
func New() *Store {
	return &Store{
		rows:        make(map[rowKey]*row),
		entries:     make(map[string][]credit.Entry),
		idempotency: make(map[string]bool),
	}
}

func (s *Store) rowFor(userID, key string) *row {
	s.mu.Lock()
	defer s.mu.Unlock()
	rk := rowKey{userID, key}
	r, ok := s.rows[rk]
	if !ok {
		r = &row{}
		s.rows[rk] = r
	}
	return r
}

// reserveIdempotencyKey returns false if key is already in use.
func (s *Store) reserveIdempotencyKey(key string) bool {
	if key == "" {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idempotency[key] {
		return false
	}
	s.idempotency[key] = true
	return true
}

func (s *Store) releaseIdempotencyKey(key string) {
	if key == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.idempotency, key)
}

func (s *Store) appendEntry(userID string, e credit.Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[userID] = append(s.entries[userID], e)
}

func (s *Store) ApplyDelta(ctx context.Context, userID, key string, delta int64, txType credit.TxType, meta credit.Meta) (credit.DeltaResult, error) {
	return s.applyLocked(ctx, userID, key, meta, func(current int64) (int64, credit.TxType) {
		return delta, txType
	})
}

func (s *Store) ApplyCappedDelta(ctx context.Context, userID, key string, meta credit.Meta, compute func(current int64) (int64, credit.TxType)) (credit.DeltaResult, error) {
	return s.applyLocked(ctx, userID, key, meta, compute)
}

// applyLocked is the shared engine behind ApplyDelta/ApplyCappedDelta: it
// acquires the per-(user,key) lock, enforces currency and idempotency-key
// rules, appends a ledger entry, and updates the balance row — the
// in-memory analogue of the spec's single serializable transaction.
func (s *Store) applyLocked(_ context.Context, userID, key string, meta credit.Meta, compute func(current int64) (int64, credit.TxType)) (credit.DeltaResult, error) {
	r := s.rowFor(userID, key)
	r.mu.Lock()
	defer r.mu.Unlock()

	previous := r.balance
	delta, txType := compute(previous)

	if delta == 0 {
		return credit.DeltaResult{PreviousBalance: previous, NewBalance: previous}, nil
	}

	if meta.Currency != "" {
		if r.currency != nil && *r.currency != meta.Currency {
			return credit.DeltaResult{}, fmt.Errorf("credit: %s vs %s: %w", meta.Currency, *r.currency, ledger.ErrCurrencyMismatch)
		}
	}

	if !s.reserveIdempotencyKey(meta.IdempotencyKey) {
		return credit.DeltaResult{}, fmt.Errorf("credit: idempotency key %q: %w", meta.IdempotencyKey, ledger.ErrIdempotencyConflict)
	}

	newBalance := previous + delta
	r.balance = newBalance
	if meta.Currency != "" && r.currency == nil {
		cur := meta.Currency
		r.currency = &cur
	}
	r.seq++

	entryID := id.NewCreditEntryID()
	entry := credit.Entry{
		ID:             entryID,
		UserID:         userID,
		Key:            key,
		Amount:         delta,
		BalanceAfter:   newBalance,
		Type:           txType,
		Source:         meta.Source,
		SourceID:       meta.SourceID,
		Description:    meta.Description,
		Currency:       meta.Currency,
		IdempotencyKey: meta.IdempotencyKey,
		CreatedAt:      now(),
		Seq:            r.seq,
	}
	s.appendEntry(userID, entry)

	return credit.DeltaResult{PreviousBalance: previous, NewBalance: newBalance, EntryID: entryID}, nil
}

func (s *Store) AtomicBalanceReset(_ context.Context, userID, key string, newAllocation int64, meta credit.ResetMeta) (credit.ResetResult, error) {
	r := s.rowFor(userID, key)
	r.mu.Lock()
	defer r.mu.Unlock()

	if !s.reserveIdempotencyKey(meta.IdempotencyKey) {
		return credit.ResetResult{}, fmt.Errorf("credit: idempotency key %q: %w", meta.IdempotencyKey, ledger.ErrIdempotencyConflict)
	}

	prev := r.balance
	var expired, forgiven int64
	balance := prev

	if prev > 0 {
		expired = prev
		balance = 0
		s.writeResetEntry(r, userID, key, -prev, balance, credit.TxRevoke, meta.Source, meta.SourceID, meta.ExpireDescription)
	} else if prev < 0 {
		forgiven = -prev
		balance = 0
		s.writeResetEntry(r, userID, key, -prev, balance, credit.TxAdjust, meta.Source, meta.SourceID, meta.ForgivenDescription)
	}

	if newAllocation > 0 {
		balance += newAllocation
		s.writeResetEntry(r, userID, key, newAllocation, balance, credit.TxGrant, meta.Source, meta.SourceID, meta.GrantDescription)
	}

	r.balance = balance

	return credit.ResetResult{PreviousBalance: prev, Expired: expired, Forgiven: forgiven, NewBalance: balance}, nil
}

func (s *Store) writeResetEntry(r *row, userID, key string, amount, balanceAfter int64, txType credit.TxType, source, sourceID, description string) {
	r.seq++
	entry := credit.Entry{
		ID:           id.NewCreditEntryID(),
		UserID:       userID,
		Key:          key,
		Amount:       amount,
		BalanceAfter: balanceAfter,
		Type:         txType,
		Source:       source,
		SourceID:     sourceID,
		Description:  description,
		CreatedAt:    now(),
		Seq:          r.seq,
	}
	s.appendEntry(userID, entry)
}

func (s *Store) GetBalance(_ context.Context, userID, key string) (int64, error) {
	r := s.rowFor(userID, key)
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.balance, nil
}

func (s *Store) GetBalanceRow(_ context.Context, userID, key string) (*credit.Balance, error) {
	s.mu.RLock()
	r, ok := s.rows[rowKey{userID, key}]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return &credit.Balance{UserID: userID, Key: key, Balance: r.balance, Currency: r.currency}, nil
}

// GetAllBalances snapshots matching row pointers under s.mu, then releases
// it before taking any row lock. applyLocked and AtomicBalanceReset acquire
// r.mu before s.mu (to reserve an idempotency key); holding both here in the
// opposite order would deadlock against them.
func (s *Store) GetAllBalances(_ context.Context, userID string) (map[string]int64, error) {
	s.mu.RLock()
	rows := make(map[string]*row, len(s.rows))
	for rk, r := range s.rows {
		if rk.userID != userID {
			continue
		}
		rows[rk.key] = r
	}
	s.mu.RUnlock()

	result := make(map[string]int64, len(rows))
	for key, r := range rows {
		r.mu.Lock()
		result[key] = r.balance
		r.mu.Unlock()
	}
	return result, nil
}

func (s *Store) GetHistory(_ context.Context, userID string, opts credit.HistoryOpts) ([]credit.Entry, error) {
	s.mu.RLock()
	all := append([]credit.Entry(nil), s.entries[userID]...)
	s.mu.RUnlock()

	filtered := all[:0:0]
	for _, e := range all {
		if opts.Key != "" && e.Key != opts.Key {
			continue
		}
		filtered = append(filtered, e)
	}

	sort.SliceStable(filtered, func(i, j int) bool {
		if !filtered[i].CreatedAt.Equal(filtered[j].CreatedAt) {
			return filtered[i].CreatedAt.After(filtered[j].CreatedAt)
		}
		return filtered[i].Seq > filtered[j].Seq
	})

	start := opts.Offset
	if start > len(filtered) {
		start = len(filtered)
	}
	end := len(filtered)
	if opts.Limit > 0 && start+opts.Limit < end {
		end = start + opts.Limit
	}
	return filtered[start:end], nil
}

func (s *Store) CountBySourceInRange(_ context.Context, userID, key, source string, from, to time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, e := range s.entries[userID] {
		if e.Key != key || e.Source != source {
			continue
		}
		if e.CreatedAt.Before(from) || !e.CreatedAt.Before(to) {
			continue
		}
		count++
	}
	return count, nil
}

func now() time.Time { return time.Now() }
