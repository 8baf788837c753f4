package topup

import (
	"context"
	"fmt"
	"time"
)

// startOfMonth truncates t to midnight UTC on the first of its month.
func startOfMonth(t time.Time) time.Time {
	y, m, _ := t.Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
}

// TriggerAutoTopUpIfNeeded runs the automatic-top-up pre-flight policy and,
// if every precondition passes, charges the configured autoTopUp.amount at
// source="auto_topup". now is the evaluation instant (the current calendar
// month is derived from it); callers pass time.Now().
func (e *Engine) TriggerAutoTopUpIfNeeded(ctx context.Context, params AutoTopUpParams, now time.Time) (*AutoTopUpResult, error) {
	res, topUpErr := e.resolve(ctx, params.UserID, params.Key)
	if topUpErr != nil {
		switch topUpErr.Code {
		case ErrorUserNotFound:
			e.fireAutoFailed(AutoFailedEvent{UserID: params.UserID, Key: params.Key, Reason: ReasonUserNotFound})
			return &AutoTopUpResult{Reason: ReasonUserNotFound}, nil
		case ErrorNoSubscription:
			e.fireAutoFailed(AutoFailedEvent{UserID: params.UserID, Key: params.Key, Reason: ReasonNoSubscription})
			return &AutoTopUpResult{Reason: ReasonNoSubscription}, nil
		default:
			return &AutoTopUpResult{Reason: ReasonNotConfigured}, nil
		}
	}

	if res.feature.AutoTopUp == nil {
		return &AutoTopUpResult{Reason: ReasonNotConfigured}, nil
	}
	rule := res.feature.AutoTopUp

	if params.CurrentBalance >= rule.Threshold {
		return &AutoTopUpResult{Reason: ReasonBalanceAboveThreshold}, nil
	}

	monthStart := startOfMonth(now)
	monthEnd := monthStart.AddDate(0, 1, 0)
	count, err := e.credits.CountBySourceInRange(ctx, params.UserID, params.Key, "auto_topup", monthStart, monthEnd)
	if err != nil {
		return nil, fmt.Errorf("topup: count auto top-ups this month: %w", err)
	}
	if rule.MaxPerMonth > 0 && count >= rule.MaxPerMonth {
		e.fireAutoFailed(AutoFailedEvent{UserID: params.UserID, Key: params.Key, Reason: ReasonMaxPerMonthReached})
		return &AutoTopUpResult{Reason: ReasonMaxPerMonthReached}, nil
	}

	if !res.customer.HasPaymentMethod() {
		e.fireAutoFailed(AutoFailedEvent{UserID: params.UserID, Key: params.Key, Reason: ReasonNoPaymentMethod})
		return &AutoTopUpResult{Reason: ReasonNoPaymentMethod}, nil
	}

	b2b, err := e.isB2B(ctx, res.customerID)
	if err != nil {
		return nil, fmt.Errorf("topup: determine B2B/B2C path: %w", err)
	}

	totalCents := rule.Amount * res.feature.PricePerCredit
	// count is this month's auto-top-up occurrence number, seeded into the
	// idempotency key: retries of the SAME occurrence (same count) reuse
	// the same key and do not re-charge, while each new occurrence within
	// the month gets a fresh key.
	idemKey := fmt.Sprintf("auto_topup:%s:%s:%s:%d", params.UserID, params.Key, monthStart.Format("2006-01"), count)
	metadata := map[string]string{
		MetaTopUpCreditType: params.Key,
		MetaTopUpAmount:     fmt.Sprintf("%d", rule.Amount),
		MetaUserID:          params.UserID,
		MetaTopUpAuto:       "true",
	}

	innerParams := TopUpParams{UserID: params.UserID, Key: params.Key, Amount: rule.Amount, IdempotencyKey: idemKey}

	var result *TopUpResult
	if b2b {
		result, err = e.chargeB2B(ctx, res, innerParams, totalCents, metadata, "auto_topup")
	} else {
		result, err = e.chargeB2C(ctx, res, innerParams, totalCents, metadata, "auto_topup", idemKey)
	}
	if err != nil {
		return nil, err
	}

	if result.Error != nil {
		switch result.Error.Code {
		case ErrorPaymentFailed:
			reason := ReasonPaymentFailed
			if result.Error.RecoveryURL != "" && !b2b {
				// requires_action surfaces with a recovery URL in the B2C path.
				reason = ReasonPaymentRequiresAction
			}
			e.fireAutoFailed(AutoFailedEvent{UserID: params.UserID, Key: params.Key, Reason: reason})
			return &AutoTopUpResult{Reason: reason}, nil
		default:
			e.fireAutoFailed(AutoFailedEvent{UserID: params.UserID, Key: params.Key, Reason: ReasonPaymentFailed})
			return &AutoTopUpResult{Reason: ReasonPaymentFailed}, nil
		}
	}

	return &AutoTopUpResult{Triggered: true, Status: result.Status, SourceID: result.SourceID}, nil
}
