package services

import (
	domain "github.com/forgemarket/api/internal/domain"
)

// PolicyDecision is the uniform answer of a precondition check.
type PolicyDecision struct {
	Allowed bool
	Reason  string
}

func allow() PolicyDecision {
	return PolicyDecision{Allowed: true}
}

func deny(reason string) PolicyDecision {
	return PolicyDecision{Allowed: false, Reason: reason}
}

// CanRequestPriceAdjustment decides whether the provider may propose a price
// change for the order. pending is the currently open adjustment, nil when none.
func CanRequestPriceAdjustment(order domain.ProductionOrder, pending *domain.PriceAdjustment) PolicyDecision {
	switch {
	case order.Status == domain.OrderStatusCancelled:
		return deny("the order has been cancelled")
	case order.EscrowReleasedAt != nil:
		return deny("escrow has already been released")
	case !order.PriceAdjustmentAllowed:
		return deny("price adjustments are locked once the order is marked received")
	case order.PriceAdjustmentUsed:
		return deny("a price adjustment has already been applied to this order")
	case pending != nil:
		return deny("a price adjustment is already awaiting the customer's response")
	case order.EscrowCapturedAt == nil:
		return deny("escrow has not been captured for this order")
	}
	return allow()
}

// CanMarkOrderReceived decides whether the provider may confirm the order.
func CanMarkOrderReceived(order domain.ProductionOrder) PolicyDecision {
	switch {
	case order.Status == domain.OrderStatusCancelled:
		return deny("the order has been cancelled")
	case order.Status == domain.OrderStatusOrderReceived:
		return deny("the order has already been marked received")
	case order.Status == domain.OrderStatusPendingConsultation:
		return deny("the consultation must be completed or waived first")
	case order.Status != domain.OrderStatusPendingOrderReceived:
		return deny("the order is not awaiting confirmation")
	case order.EscrowCapturedAt == nil:
		return deny("escrow has not been captured for this order")
	}
	return allow()
}

// CanReleaseEscrow decides whether funds may be paid out to the provider.
func CanReleaseEscrow(order domain.ProductionOrder) PolicyDecision {
	switch {
	case order.EscrowReleasedAt != nil:
		return deny("escrow has already been released")
	case order.Status == domain.OrderStatusCancelled:
		return deny("the order has been cancelled")
	case order.EscrowCapturedAt == nil:
		return deny("escrow has not been captured for this order")
	case order.PaymentIntentID == nil:
		return deny("no payment is linked to this order")
	}
	return allow()
}

// CanRefundEscrow decides whether held funds may be returned to the customer.
// An order without a linked payment can still be cancelled; nothing was
// charged, so the refund path simply moves no money.
func CanRefundEscrow(order domain.ProductionOrder) PolicyDecision {
	switch {
	case order.EscrowReleasedAt != nil:
		return deny("escrow has already been released and can no longer be refunded")
	case order.Status == domain.OrderStatusCancelled:
		return deny("the order has already been cancelled")
	}
	return allow()
}

// CustomerCanDecide reports whether the latest consultation leaves the decision
// with the customer: it timed out and was flagged decidable.
func CustomerCanDecide(consultation *domain.Consultation) bool {
	return consultation != nil &&
		consultation.Status == domain.ConsultationStatusTimedOut &&
		consultation.CustomerCanDecide
}
