// Package topup implements the Top-Up Engine (component F): on-demand
// credit purchases charged through the payment processor, the webhook
// hooks that confirm deferred charges, and the automatic-top-up trigger
// invoked when a balance crosses a configured threshold.
package topup

// Metadata keys the Top-Up Engine stamps onto payment-processor objects so
// its own webhook handlers can recover which (user, key, amount) a charge
// was for.
const (
	MetaTopUpCreditType = "top_up_credit_type"
	MetaTopUpAmount     = "top_up_amount"
	MetaUserID          = "user_id"
	MetaTopUpAuto       = "top_up_auto"
)

// ErrorCode is a caller-facing Top-Up Engine failure classification.
type ErrorCode string

const (
	ErrorUserNotFound       ErrorCode = "USER_NOT_FOUND"
	ErrorNoSubscription     ErrorCode = "NO_SUBSCRIPTION"
	ErrorTopUpNotConfigured ErrorCode = "TOPUP_NOT_CONFIGURED"
	ErrorInvalidAmount      ErrorCode = "INVALID_AMOUNT"
	ErrorNoPaymentMethod    ErrorCode = "NO_PAYMENT_METHOD"
	ErrorPaymentFailed      ErrorCode = "PAYMENT_FAILED"
)

// TopUpError is the structured failure shape every Top-Up Engine entry
// point returns instead of a bare Go error, since spec-level failures
// (wrong amount, no subscription, ...) are expected outcomes the caller
// renders to the end user, not exceptional conditions.
type TopUpError struct {
	Code        ErrorCode
	Message     string
	RecoveryURL string
}

// TopUpParams is the on-demand top-up request.
type TopUpParams struct {
	UserID         string
	Key            string
	Amount         int64
	IdempotencyKey string
}

// Charge describes the amount actually charged to the payment method.
type Charge struct {
	AmountCents int64
	Currency    string
}

// TopUpResult is the outcome of TopUp or TriggerAutoTopUpIfNeeded's
// execution path.
type TopUpResult struct {
	Success  bool
	Status   string // "succeeded" | "pending", meaningful only when Success
	Message  string
	Balance  int64
	Charged  *Charge
	SourceID string
	Error    *TopUpError
}

// AutoTopUpParams is the pre-flight input to TriggerAutoTopUpIfNeeded.
type AutoTopUpParams struct {
	UserID         string
	Key            string
	CurrentBalance int64
}

// AutoTopUpReason classifies why an automatic top-up did not trigger.
type AutoTopUpReason string

const (
	ReasonUserNotFound         AutoTopUpReason = "user_not_found"
	ReasonNoSubscription       AutoTopUpReason = "no_subscription"
	ReasonNotConfigured        AutoTopUpReason = "not_configured"
	ReasonBalanceAboveThreshold AutoTopUpReason = "balance_above_threshold"
	ReasonMaxPerMonthReached   AutoTopUpReason = "max_per_month_reached"
	ReasonNoPaymentMethod      AutoTopUpReason = "no_payment_method"
	ReasonPaymentFailed        AutoTopUpReason = "payment_failed"
	ReasonPaymentRequiresAction AutoTopUpReason = "payment_requires_action"
)

// AutoTopUpResult is the outcome of TriggerAutoTopUpIfNeeded.
type AutoTopUpResult struct {
	Triggered bool
	Reason    AutoTopUpReason
	Status    string
	SourceID  string
}

// CreditEvent is passed to OnCreditsGranted.
type CreditEvent struct {
	UserID   string
	Key      string
	Amount   int64
	Source   string
	SourceID string
}

// CompletedEvent is passed to OnTopUpCompleted, fired once per distinct
// top-up (manual or automatic) on its first successful grant.
type CompletedEvent struct {
	UserID   string
	Key      string
	Amount   int64
	Source   string
	SourceID string
}

// AutoFailedEvent is passed to OnAutoTopUpFailed.
type AutoFailedEvent struct {
	UserID string
	Key    string
	Reason AutoTopUpReason
}

// Callbacks are optional hooks fired on top-up outcomes. Like the
// Lifecycle Applier's Callbacks, a callback's own error is logged, never
// propagated.
type Callbacks struct {
	OnCreditsGranted  func(CreditEvent) error
	OnTopUpCompleted  func(CompletedEvent) error
	OnAutoTopUpFailed func(AutoFailedEvent) error
}
