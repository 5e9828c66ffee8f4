package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
)

// StripeLogger defines the logging contract for Stripe provider operations.
type StripeLogger func(ctx context.Context, event string, fields map[string]any)

type stripePaymentIntentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

type stripeTransferAPI interface {
	New(params *stripe.TransferParams) (*stripe.Transfer, error)
}

type stripeRefundAPI interface {
	New(params *stripe.RefundParams) (*stripe.Refund, error)
}

type stripeClients struct {
	intents   stripePaymentIntentAPI
	transfers stripeTransferAPI
	refunds   stripeRefundAPI
}

// StripeProviderConfig configures the StripeProvider.
type StripeProviderConfig struct {
	APIKey   string
	Currency string
	Backends *stripe.Backends
	Logger   StripeLogger
	Clock    func() time.Time
	Clients  *stripeClients
}

// StripeProvider implements the Provider interface using Stripe APIs.
type StripeProvider struct {
	api      stripeClients
	currency string
	clock    func() time.Time
	logger   StripeLogger
}

// NewStripeProvider constructs a Stripe Provider using the given configuration.
func NewStripeProvider(cfg StripeProviderConfig) (*StripeProvider, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.Clients == nil {
		return nil, errors.New("stripe: api key is required")
	}

	var clients stripeClients
	if cfg.Clients != nil {
		clients = *cfg.Clients
	} else {
		sc := client.New(apiKey, cfg.Backends)
		clients = stripeClients{
			intents:   sc.PaymentIntents,
			transfers: sc.Transfers,
			refunds:   sc.Refunds,
		}
	}

	if clients.intents == nil || clients.transfers == nil || clients.refunds == nil {
		return nil, errors.New("stripe: incomplete client configuration")
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	currency := strings.ToLower(strings.TrimSpace(cfg.Currency))
	if currency == "" {
		currency = "usd"
	}

	return &StripeProvider{
		api:      clients,
		currency: currency,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// CreateEscrowPayment creates and captures a Stripe Payment Intent holding escrow for an order.
func (p *StripeProvider) CreateEscrowPayment(ctx context.Context, req EscrowPaymentRequest) (EscrowPayment, error) {
	if p == nil {
		return EscrowPayment{}, errors.New("stripe: provider is nil")
	}

	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.Amount),
		Currency: stripe.String(p.resolveCurrency(req.Currency)),
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}
	if req.CustomerID != "" {
		params.Customer = stripe.String(req.CustomerID)
	}

	params.Metadata = map[string]string{
		"order_id":    req.OrderID,
		"provider_id": req.ProviderID,
		"purpose":     "escrow_hold",
	}
	for k, v := range req.Metadata {
		params.Metadata[k] = v
	}

	intent, err := p.api.intents.New(params)
	if err != nil {
		return EscrowPayment{}, fmt.Errorf("stripe: create escrow payment: %w", err)
	}

	p.logger(ctx, "payments.stripe.escrow.created", map[string]any{
		"paymentIntent": intent.ID,
		"orderId":       req.OrderID,
		"amount":        req.Amount,
	})

	details := stripePaymentDetails(intent)
	return EscrowPayment{
		IntentID:     intent.ID,
		ClientSecret: intent.ClientSecret,
		Provider:     "stripe",
		Status:       details.Status,
		Raw:          details.Raw,
	}, nil
}

// CaptureDifference charges an approved price increase as a fresh off-session Payment Intent.
func (p *StripeProvider) CaptureDifference(ctx context.Context, req DifferenceCaptureRequest) (PaymentDetails, error) {
	if p == nil {
		return PaymentDetails{}, errors.New("stripe: provider is nil")
	}

	params := &stripe.PaymentIntentParams{
		Amount:     stripe.Int64(req.Amount),
		Currency:   stripe.String(p.resolveCurrency(req.Currency)),
		Confirm:    stripe.Bool(true),
		OffSession: stripe.Bool(true),
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}
	if req.CustomerID != "" {
		params.Customer = stripe.String(req.CustomerID)
	}

	params.Metadata = map[string]string{
		"order_id": req.OrderID,
		"purpose":  "price_adjustment_difference",
	}
	for k, v := range req.Metadata {
		params.Metadata[k] = v
	}

	intent, err := p.api.intents.New(params)
	if err != nil {
		return PaymentDetails{}, fmt.Errorf("stripe: capture price difference: %w", err)
	}

	p.logger(ctx, "payments.stripe.difference.captured", map[string]any{
		"paymentIntent": intent.ID,
		"orderId":       req.OrderID,
		"amount":        req.Amount,
	})

	return stripePaymentDetails(intent), nil
}

// ReleaseEscrow transfers the provider payout to the connected account.
func (p *StripeProvider) ReleaseEscrow(ctx context.Context, req ReleaseRequest) (PaymentDetails, error) {
	if p == nil {
		return PaymentDetails{}, errors.New("stripe: provider is nil")
	}
	if strings.TrimSpace(req.ProviderAccountID) == "" {
		return PaymentDetails{}, errors.New("stripe: provider account id is required for release")
	}

	params := &stripe.TransferParams{
		Amount:        stripe.Int64(req.Amount),
		Currency:      stripe.String(p.resolveCurrency(req.Currency)),
		Destination:   stripe.String(req.ProviderAccountID),
		TransferGroup: stripe.String(req.OrderID),
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}

	params.Metadata = map[string]string{
		"order_id":    req.OrderID,
		"provider_id": req.ProviderID,
		"purpose":     "escrow_release",
	}
	for k, v := range req.Metadata {
		params.Metadata[k] = v
	}

	transfer, err := p.api.transfers.New(params)
	if err != nil {
		return PaymentDetails{}, fmt.Errorf("stripe: release escrow: %w", err)
	}

	p.logger(ctx, "payments.stripe.escrow.released", map[string]any{
		"transfer": transfer.ID,
		"orderId":  req.OrderID,
		"amount":   req.Amount,
	})

	now := p.clock()
	return PaymentDetails{
		Provider:   "stripe",
		IntentID:   transfer.ID,
		Status:     StatusSucceeded,
		Amount:     transfer.Amount,
		Currency:   strings.ToUpper(string(transfer.Currency)),
		Captured:   true,
		CapturedAt: &now,
	}, nil
}

// Refund creates a refund for the provided Payment Intent.
func (p *StripeProvider) Refund(ctx context.Context, req RefundRequest) (PaymentDetails, error) {
	if p == nil {
		return PaymentDetails{}, errors.New("stripe: provider is nil")
	}
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(req.IntentID),
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if req.Amount != nil {
		params.Amount = stripe.Int64(*req.Amount)
	}
	if reason := mapStripeRefundReason(req.Reason); reason != "" {
		params.Reason = stripe.String(reason)
	}

	params.Metadata = map[string]string{
		"order_id": req.OrderID,
	}
	for k, v := range req.Metadata {
		params.Metadata[k] = v
	}

	if _, err := p.api.refunds.New(params); err != nil {
		return PaymentDetails{}, fmt.Errorf("stripe: refund payment intent: %w", err)
	}
	p.logger(ctx, "payments.stripe.intent.refunded", map[string]any{
		"paymentIntent": req.IntentID,
		"orderId":       req.OrderID,
	})
	return p.LookupPayment(ctx, LookupRequest{IntentID: req.IntentID})
}

// LookupPayment retrieves a Stripe Payment Intent.
func (p *StripeProvider) LookupPayment(ctx context.Context, req LookupRequest) (PaymentDetails, error) {
	if p == nil {
		return PaymentDetails{}, errors.New("stripe: provider is nil")
	}
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	intent, err := p.api.intents.Get(req.IntentID, params)
	if err != nil {
		return PaymentDetails{}, fmt.Errorf("stripe: lookup payment intent: %w", err)
	}
	return stripePaymentDetails(intent), nil
}

func (p *StripeProvider) resolveCurrency(currency string) string {
	if c := strings.ToLower(strings.TrimSpace(currency)); c != "" {
		return c
	}
	return p.currency
}

func stripePaymentDetails(intent *stripe.PaymentIntent) PaymentDetails {
	if intent == nil {
		return PaymentDetails{}
	}

	status := StatusPending
	switch intent.Status {
	case stripe.PaymentIntentStatusSucceeded:
		status = StatusSucceeded
	case stripe.PaymentIntentStatusCanceled:
		status = StatusFailed
	case stripe.PaymentIntentStatusRequiresPaymentMethod, stripe.PaymentIntentStatusProcessing, stripe.PaymentIntentStatusRequiresAction, stripe.PaymentIntentStatusRequiresConfirmation, stripe.PaymentIntentStatusRequiresCapture:
		status = StatusPending
	}

	var capturedAt *time.Time
	var refundedAt *time.Time
	captured := intent.Status == stripe.PaymentIntentStatusSucceeded

	if charge := intent.LatestCharge; charge != nil {
		if charge.Paid || charge.Captured {
			t := time.Unix(charge.Created, 0).UTC()
			capturedAt = &t
			captured = true
		}
		if charge.Refunded || charge.AmountRefunded > 0 {
			t := time.Unix(charge.Created, 0).UTC()
			refundedAt = &t
			if charge.AmountRefunded >= charge.Amount && charge.Amount > 0 {
				status = StatusRefunded
			}
		}
	}

	if intent.Status == stripe.PaymentIntentStatusSucceeded && status != StatusRefunded {
		status = StatusSucceeded
	}

	currency := strings.ToUpper(string(intent.Currency))
	if currency == "" && intent.LatestCharge != nil {
		currency = strings.ToUpper(string(intent.LatestCharge.Currency))
	}

	raw := map[string]any{}
	if data, err := json.Marshal(intent); err == nil {
		_ = json.Unmarshal(data, &raw)
	} else {
		raw["payment_intent"] = intent
	}

	return PaymentDetails{
		Provider:   "stripe",
		IntentID:   intent.ID,
		Status:     status,
		Amount:     intent.Amount,
		Currency:   currency,
		Captured:   captured,
		CapturedAt: capturedAt,
		RefundedAt: refundedAt,
		Raw:        raw,
	}
}

func mapStripeRefundReason(reason string) string {
	switch strings.ToLower(strings.TrimSpace(reason)) {
	case string(stripe.RefundReasonDuplicate):
		return string(stripe.RefundReasonDuplicate)
	case string(stripe.RefundReasonFraudulent):
		return string(stripe.RefundReasonFraudulent)
	case string(stripe.RefundReasonRequestedByCustomer):
		return string(stripe.RefundReasonRequestedByCustomer)
	default:
		return ""
	}
}
