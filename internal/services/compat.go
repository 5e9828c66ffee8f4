package services

import (
	"context"

	domain "github.com/forgemarket/api/internal/domain"
)

// LegacyWorkflow preserves the operation names older clients still call. Each
// method forwards to the canonical operation; no behaviour lives here.
//
// Deprecated: new callers should use EscrowService, AdjustmentService and
// OrderWorkflowService directly.
type LegacyWorkflow struct {
	Escrow      EscrowService
	Adjustments AdjustmentService
	Workflow    OrderWorkflowService
}

// CapturePayment is the legacy name for CreateEscrowPayment.
func (l *LegacyWorkflow) CapturePayment(ctx context.Context, cmd CreateEscrowPaymentCommand) (EscrowPaymentResult, error) {
	return l.Escrow.CreateEscrowPayment(ctx, cmd)
}

// ProposePrice is the legacy name for RequestPriceAdjustment.
func (l *LegacyWorkflow) ProposePrice(ctx context.Context, cmd RequestPriceAdjustmentCommand) (domain.PriceAdjustment, error) {
	return l.Adjustments.RequestPriceAdjustment(ctx, cmd)
}

// ApprovePrice is the legacy name for ApprovePriceAdjustment.
func (l *LegacyWorkflow) ApprovePrice(ctx context.Context, adjustmentID string, actorID string) (domain.PriceAdjustment, error) {
	return l.Adjustments.ApprovePriceAdjustment(ctx, adjustmentID, actorID)
}

// CancelAuthorization is the legacy name for RefundEscrow.
func (l *LegacyWorkflow) CancelAuthorization(ctx context.Context, orderID string, reason string) (RefundResult, error) {
	return l.Escrow.RefundEscrow(ctx, RefundEscrowCommand{OrderID: orderID, Reason: reason})
}

// CheckAuthorizationStatus is the legacy name for GetOrderStatus.
func (l *LegacyWorkflow) CheckAuthorizationStatus(ctx context.Context, orderID string) (OrderStatusView, error) {
	return l.Workflow.GetOrderStatus(ctx, orderID)
}
