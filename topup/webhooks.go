package topup

import (
	"context"
	"fmt"
	"strconv"

	"github.com/nimbuscredit/ledger/provider"
)

func parseAmount(raw string) (int64, bool) {
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// HandlePaymentIntentSucceeded grants the deferred credits for a payment
// intent that settled asynchronously after TopUp returned a "pending"
// status. Missing top-up metadata is ignored (not every payment intent on
// the account is a top-up); a duplicate delivery is a silent no-op.
func (e *Engine) HandlePaymentIntentSucceeded(ctx context.Context, pi *provider.PaymentIntent) error {
	key, ok := pi.Metadata[MetaTopUpCreditType]
	if !ok || pi.Status != provider.PaymentIntentSucceeded {
		return nil
	}
	amount, ok := parseAmount(pi.Metadata[MetaTopUpAmount])
	if !ok {
		return nil
	}
	userID := pi.Metadata[MetaUserID]

	idemKey := fmt.Sprintf("pi_succeeded:%s:%s", pi.ID, key)
	if _, err := e.grant(ctx, userID, key, amount, "topup", pi.ID, idemKey); err != nil {
		return err
	}
	return nil
}

// HandleTopUpCheckoutCompleted grants credits once a recovery checkout
// session (created because no payment method was on file) completes.
func (e *Engine) HandleTopUpCheckoutCompleted(ctx context.Context, session *provider.CheckoutSession) error {
	if session.PaymentStatus != "paid" {
		return nil
	}
	key, ok := session.Metadata[MetaTopUpCreditType]
	if !ok {
		return nil
	}
	amount, ok := parseAmount(session.Metadata[MetaTopUpAmount])
	if !ok {
		return nil
	}
	userID := session.Metadata[MetaUserID]

	idemKey := fmt.Sprintf("cs_completed:%s:%s", session.ID, key)
	if _, err := e.grant(ctx, userID, key, amount, "topup", session.ID, idemKey); err != nil {
		return err
	}
	return nil
}

// HandleInvoicePaid grants credits for a paid top-up invoice, whether from
// the on-demand B2B path or a recovery hosted-invoice. The source tag
// distinguishes manual top-ups from automatic ones for history rendering
// and the auto-top-up monthly counter.
func (e *Engine) HandleInvoicePaid(ctx context.Context, invoice *provider.Invoice) error {
	key, ok := invoice.Metadata[MetaTopUpCreditType]
	if !ok {
		return nil
	}
	amount, ok := parseAmount(invoice.Metadata[MetaTopUpAmount])
	if !ok {
		return nil
	}
	userID := invoice.Metadata[MetaUserID]

	source := "topup"
	if invoice.Metadata[MetaTopUpAuto] == "true" {
		source = "auto_topup"
	}

	idemKey := fmt.Sprintf("in_paid:%s:%s", invoice.ID, key)
	if _, err := e.grant(ctx, userID, key, amount, source, invoice.ID, idemKey); err != nil {
		return err
	}
	return nil
}
