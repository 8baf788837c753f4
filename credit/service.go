package credit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	ledger "github.com/nimbuscredit/ledger"
	"github.com/nimbuscredit/ledger/plugin"
)

// Service is the Credits API (component B): thin, validating wrappers over
// the Ledger Store's ApplyDelta/ApplyCappedDelta/AtomicBalanceReset
// primitives.
type Service struct {
	store   Store
	logger  *slog.Logger
	plugins *plugin.Registry
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger used for non-fatal callback/diagnostic output.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithPlugins wires a plugin registry so Grant/Revoke/RevokeAll
// emit OnCreditGranted/OnCreditRevoked to registered plugins (audit trails,
// observability exporters). Nil by default: hook emission is opt-in.
func WithPlugins(reg *plugin.Registry) Option {
	return func(s *Service) { s.plugins = reg }
}

// New creates a Credits API service backed by store.
func New(store Store, opts ...Option) *Service {
	s := &Service{store: store, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GrantResult is returned by Grant.
type GrantResult struct {
	PreviousBalance int64
	Balance         int64
	EntryID         string
}

// Grant adds amount credits to (userID, key). amount must be positive.
func (s *Service) Grant(ctx context.Context, userID, key string, amount int64, meta Meta) (GrantResult, error) {
	if amount <= 0 {
		return GrantResult{}, fmt.Errorf("credit: grant %d: %w", amount, ledger.ErrInvalidAmount)
	}
	res, err := s.store.ApplyDelta(ctx, userID, key, amount, TxGrant, meta)
	if err != nil {
		return GrantResult{}, err
	}
	if s.plugins != nil {
		s.plugins.EmitCreditGranted(ctx, userID, key, amount, meta.Source)
	}
	return GrantResult{PreviousBalance: res.PreviousBalance, Balance: res.NewBalance, EntryID: res.EntryID.String()}, nil
}

// ConsumeResult is returned by Consume.
type ConsumeResult struct {
	Success bool
	Balance int64
}

// Consume subtracts amount credits from (userID, key). Always succeeds; the
// balance may go negative. The Success flag is always true and preserved
// only for callers that expect a result-shaped response.
func (s *Service) Consume(ctx context.Context, userID, key string, amount int64, meta Meta) (ConsumeResult, error) {
	if amount <= 0 {
		return ConsumeResult{}, fmt.Errorf("credit: consume %d: %w", amount, ledger.ErrInvalidAmount)
	}
	res, err := s.store.ApplyDelta(ctx, userID, key, -amount, TxConsume, meta)
	if err != nil {
		return ConsumeResult{}, err
	}
	return ConsumeResult{Success: true, Balance: res.NewBalance}, nil
}

// RevokeResult is returned by Revoke.
type RevokeResult struct {
	AmountRevoked int64
	Balance       int64
}

// Revoke removes up to amount credits, capped at max(0, currentBalance), so
// a revoke never drives the balance further negative than it already was.
func (s *Service) Revoke(ctx context.Context, userID, key string, amount int64, meta Meta) (RevokeResult, error) {
	if amount <= 0 {
		return RevokeResult{}, fmt.Errorf("credit: revoke %d: %w", amount, ledger.ErrInvalidAmount)
	}

	var revoked int64
	res, err := s.store.ApplyCappedDelta(ctx, userID, key, meta, func(current int64) (int64, TxType) {
		revocable := current
		if revocable < 0 {
			revocable = 0
		}
		revoked = amount
		if revoked > revocable {
			revoked = revocable
		}
		return -revoked, TxRevoke
	})
	if err != nil {
		return RevokeResult{}, err
	}
	if s.plugins != nil && revoked > 0 {
		s.plugins.EmitCreditRevoked(ctx, userID, key, revoked, meta.Source)
	}
	return RevokeResult{AmountRevoked: revoked, Balance: res.NewBalance}, nil
}

// RevokeAll revokes the entire positive balance of (userID, key). It is a
// no-op when the balance is already at or below zero.
func (s *Service) RevokeAll(ctx context.Context, userID, key string, meta Meta) (RevokeResult, error) {
	var revoked int64
	res, err := s.store.ApplyCappedDelta(ctx, userID, key, meta, func(current int64) (int64, TxType) {
		if current <= 0 {
			revoked = 0
			return 0, TxRevoke
		}
		revoked = current
		return -current, TxRevoke
	})
	if err != nil {
		return RevokeResult{}, err
	}
	if s.plugins != nil && revoked > 0 {
		s.plugins.EmitCreditRevoked(ctx, userID, key, revoked, meta.Source)
	}
	return RevokeResult{AmountRevoked: revoked, Balance: res.NewBalance}, nil
}

// SetBalanceResult is returned by SetBalance.
type SetBalanceResult struct {
	PreviousBalance int64
	Balance         int64
}

// SetBalance adjusts (userID, key) so its balance becomes exactly target,
// including negative targets.
func (s *Service) SetBalance(ctx context.Context, userID, key string, target int64, meta Meta) (SetBalanceResult, error) {
	res, err := s.store.ApplyCappedDelta(ctx, userID, key, meta, func(current int64) (int64, TxType) {
		return target - current, TxAdjust
	})
	if err != nil {
		return SetBalanceResult{}, err
	}
	return SetBalanceResult{PreviousBalance: res.PreviousBalance, Balance: res.NewBalance}, nil
}

// HasCredits reports whether (userID, key)'s current balance is at least
// amount. Pure read, no write.
func (s *Service) HasCredits(ctx context.Context, userID, key string, amount int64) (bool, error) {
	current, err := s.store.GetBalance(ctx, userID, key)
	if err != nil {
		return false, err
	}
	return current >= amount, nil
}

// GetBalance returns the current balance for (userID, key); 0 for an unseen pair.
func (s *Service) GetBalance(ctx context.Context, userID, key string) (int64, error) {
	return s.store.GetBalance(ctx, userID, key)
}

// GetAllBalances returns every key's balance for userID, excluding the
// reserved Wallet key.
func (s *Service) GetAllBalances(ctx context.Context, userID string) (map[string]int64, error) {
	all, err := s.store.GetAllBalances(ctx, userID)
	if err != nil {
		return nil, err
	}
	delete(all, WalletKey)
	return all, nil
}

// GetHistory returns userID's ledger entries, filterable and paginated.
func (s *Service) GetHistory(ctx context.Context, userID string, opts HistoryOpts) ([]Entry, error) {
	return s.store.GetHistory(ctx, userID, opts)
}

// CountBySourceInRange counts (userID, key)'s ledger entries tagged with
// source whose CreatedAt falls in [from, to). Used by the Top-Up Engine to
// enforce per-calendar-month automatic top-up caps.
func (s *Service) CountBySourceInRange(ctx context.Context, userID, key, source string, from, to time.Time) (int, error) {
	return s.store.CountBySourceInRange(ctx, userID, key, source, from, to)
}

// AtomicBalanceReset performs the double-entry renewal primitive: expire (or
// forgive) the existing balance, then grant newAllocation, all in one
// transaction bound to a single idempotency key.
func (s *Service) AtomicBalanceReset(ctx context.Context, userID, key string, newAllocation int64, meta ResetMeta) (ResetResult, error) {
	return s.store.AtomicBalanceReset(ctx, userID, key, newAllocation, meta)
}
