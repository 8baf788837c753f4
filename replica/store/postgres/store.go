// Package postgres implements replica.Store on PostgreSQL via Grove ORM.
// It reads customers/subscriptions/prices as they stand in the replica
// (no writes — those tables belong to the external Stripe replication
// engine) and owns reads/writes of user_map, the one table the ledger
// core itself maintains in this schema.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/pgdriver"
	"github.com/xraph/grove/migrate"

	"github.com/nimbuscredit/ledger/replica"
	"github.com/nimbuscredit/ledger/types"
)

var _ replica.Store = (*Store)(nil)

// Store implements replica.Store using PostgreSQL via Grove ORM.
type Store struct {
	db *grove.DB
	pg *pgdriver.PgDB
}

// New creates a new PostgreSQL-backed replica store.
func New(db *grove.DB) *Store {
	return &Store{db: db, pg: pgdriver.Unwrap(db)}
}

// Migrate creates the user_map table. customers/subscriptions/prices are
// migrated by the external replication engine, not here.
func (s *Store) Migrate(ctx context.Context) error {
	executor, err := migrate.NewExecutorFor(s.pg)
	if err != nil {
		return fmt.Errorf("replica/postgres: create migration executor: %w", err)
	}
	orch := migrate.NewOrchestrator(executor, Migrations)
	if _, err := orch.Migrate(ctx); err != nil {
		return fmt.Errorf("replica/postgres: migration failed: %w", err)
	}
	return nil
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

func (s *Store) GetCustomer(ctx context.Context, customerID string) (*replica.Customer, error) {
	cm := new(customerModel)
	err := s.pg.NewSelect(cm).Where("id = $1", customerID).Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, nil //nolint:nilnil // absent replicated row is a valid result
		}
		return nil, fmt.Errorf("replica/postgres: get customer: %w", err)
	}
	return fromCustomerModel(cm), nil
}

func (s *Store) GetSubscription(ctx context.Context, subscriptionID string) (*replica.Subscription, error) {
	sm := new(subscriptionModel)
	err := s.pg.NewSelect(sm).Where("id = $1", subscriptionID).Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, nil //nolint:nilnil
		}
		return nil, fmt.Errorf("replica/postgres: get subscription: %w", err)
	}
	return fromSubscriptionModel(sm), nil
}

func (s *Store) GetActiveSubscriptionByCustomer(ctx context.Context, customerID string) (*replica.Subscription, error) {
	var models []subscriptionModel
	err := s.pg.NewSelect(&models).
		Where("customer = $1", customerID).
		Where("status IN ($2, $3)", replica.StatusActive, replica.StatusTrialing).
		OrderExpr("current_period_end DESC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("replica/postgres: get active subscription: %w", err)
	}
	if len(models) == 0 {
		return nil, nil //nolint:nilnil // no active/trialing subscription is a valid result
	}
	return fromSubscriptionModel(&models[0]), nil
}

func (s *Store) ListSubscriptionsByCustomer(ctx context.Context, customerID string) ([]*replica.Subscription, error) {
	var models []subscriptionModel
	err := s.pg.NewSelect(&models).
		Where("customer = $1", customerID).
		OrderExpr("current_period_end DESC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("replica/postgres: list subscriptions: %w", err)
	}
	out := make([]*replica.Subscription, len(models))
	for i := range models {
		out[i] = fromSubscriptionModel(&models[i])
	}
	return out, nil
}

func (s *Store) GetPrice(ctx context.Context, priceID string) (*replica.Price, error) {
	pm := new(priceModel)
	err := s.pg.NewSelect(pm).Where("id = $1", priceID).Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, nil //nolint:nilnil
		}
		return nil, fmt.Errorf("replica/postgres: get price: %w", err)
	}
	return fromPriceModel(pm), nil
}

func (s *Store) ResolveUserID(ctx context.Context, customerID string) (string, bool, error) {
	um := new(userMapModel)
	err := s.pg.NewSelect(um).Where("customer_id = $1", customerID).Scan(ctx)
	if err == nil {
		return um.UserID, true, nil
	}
	if !isNoRows(err) {
		return "", false, fmt.Errorf("replica/postgres: resolve user from user_map: %w", err)
	}

	customer, err := s.GetCustomer(ctx, customerID)
	if err != nil {
		return "", false, err
	}
	if customer == nil {
		return "", false, nil
	}
	userID, ok := customer.Metadata["user_id"]
	if !ok || userID == "" {
		return "", false, nil
	}
	return userID, true, nil
}

func (s *Store) ResolveCustomerID(ctx context.Context, userID string) (string, bool, error) {
	um := new(userMapModel)
	err := s.pg.NewSelect(um).Where("user_id = $1", userID).Scan(ctx)
	if err == nil {
		return um.CustomerID, true, nil
	}
	if !isNoRows(err) {
		return "", false, fmt.Errorf("replica/postgres: resolve customer from user_map: %w", err)
	}

	var models []customerModel
	err = s.pg.NewSelect(&models).Where("metadata ->> 'user_id' = $1", userID).Limit(1).Scan(ctx)
	if err != nil {
		return "", false, fmt.Errorf("replica/postgres: resolve customer from customer metadata: %w", err)
	}
	if len(models) == 0 {
		return "", false, nil
	}
	return models[0].ID, true, nil
}

func (s *Store) SetUserMapping(ctx context.Context, userID, customerID string) error {
	um := &userMapModel{UserID: userID, CustomerID: customerID, Entity: types.NewEntity()}
	_, err := s.pg.NewInsert(um).
		OnConflict("(user_id) DO UPDATE SET customer_id = EXCLUDED.customer_id, updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("replica/postgres: set user mapping: %w", err)
	}
	return nil
}
