package postgres

import (
	"encoding/json"
	"time"

	"github.com/xraph/grove"

	"github.com/nimbuscredit/ledger/replica"
	"github.com/nimbuscredit/ledger/types"
)

// ==================== Customer ====================

type customerModel struct {
	grove.BaseModel `grove:"table:customers"`

	ID              string          `grove:"id,pk"`
	Metadata        json.RawMessage `grove:"metadata,type:jsonb"`
	Deleted         bool            `grove:"deleted"`
	InvoiceSettings json.RawMessage `grove:"invoice_settings,type:jsonb"`
}

type invoiceSettingsJSON struct {
	DefaultPaymentMethod string `json:"default_payment_method"`
}

func fromCustomerModel(m *customerModel) *replica.Customer {
	var meta map[string]string
	if len(m.Metadata) > 0 {
		_ = json.Unmarshal(m.Metadata, &meta) //nolint:errcheck // best-effort
	}
	var inv invoiceSettingsJSON
	if len(m.InvoiceSettings) > 0 {
		_ = json.Unmarshal(m.InvoiceSettings, &inv) //nolint:errcheck // best-effort
	}
	return &replica.Customer{
		ID:       m.ID,
		Metadata: meta,
		Deleted:  m.Deleted,
		InvoiceSettings: replica.InvoiceSettings{
			DefaultPaymentMethod: inv.DefaultPaymentMethod,
		},
	}
}

// ==================== Subscription ====================

type subscriptionModel struct {
	grove.BaseModel `grove:"table:subscriptions"`

	ID                 string          `grove:"id,pk"`
	CustomerID         string          `grove:"customer"`
	Status             string          `grove:"status"`
	Items              json.RawMessage `grove:"items,type:jsonb"`
	CurrentPeriodStart time.Time       `grove:"current_period_start"`
	CurrentPeriodEnd   time.Time       `grove:"current_period_end"`
	Metadata           json.RawMessage `grove:"metadata,type:jsonb"`
}

func fromSubscriptionModel(m *subscriptionModel) *replica.Subscription {
	var items []replica.SubscriptionItem
	if len(m.Items) > 0 {
		_ = json.Unmarshal(m.Items, &items) //nolint:errcheck // best-effort
	}
	var meta map[string]string
	if len(m.Metadata) > 0 {
		_ = json.Unmarshal(m.Metadata, &meta) //nolint:errcheck // best-effort
	}
	return &replica.Subscription{
		ID:                 m.ID,
		CustomerID:         m.CustomerID,
		Status:             m.Status,
		Items:              items,
		CurrentPeriodStart: m.CurrentPeriodStart,
		CurrentPeriodEnd:   m.CurrentPeriodEnd,
		Metadata:           meta,
	}
}

// ==================== Price ====================

type priceModel struct {
	grove.BaseModel `grove:"table:prices"`

	ID         string          `grove:"id,pk"`
	Product    string          `grove:"product"`
	UnitAmount int64           `grove:"unit_amount"`
	Currency   string          `grove:"currency"`
	Recurring  json.RawMessage `grove:"recurring,type:jsonb"`
}

func fromPriceModel(m *priceModel) *replica.Price {
	var rec *replica.Recurring
	if len(m.Recurring) > 0 && string(m.Recurring) != "null" {
		rec = new(replica.Recurring)
		_ = json.Unmarshal(m.Recurring, rec) //nolint:errcheck // best-effort
	}
	return &replica.Price{
		ID:         m.ID,
		Product:    m.Product,
		UnitAmount: m.UnitAmount,
		Currency:   m.Currency,
		Recurring:  rec,
	}
}

// ==================== user_map ====================

type userMapModel struct {
	grove.BaseModel `grove:"table:user_map"`
	types.Entity

	UserID     string `grove:"user_id,pk"`
	CustomerID string `grove:"customer_id"`
}
