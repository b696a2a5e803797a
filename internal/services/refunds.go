package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/getsentry/sentry-go"
	"github.com/getsentry/sentry-go/attribute"
	"github.com/shopspring/decimal"

	"github.com/gitshopapp/billing/internal/db"
	"github.com/gitshopapp/billing/internal/events"
	"github.com/gitshopapp/billing/internal/logging"
	"github.com/gitshopapp/billing/internal/models"
	"github.com/gitshopapp/billing/internal/money"
	"github.com/gitshopapp/billing/internal/observability"
	"github.com/gitshopapp/billing/internal/payments"
	"github.com/gitshopapp/billing/internal/tax"
	"github.com/gitshopapp/billing/internal/workflow"
)

type RefundService struct {
	deps   Deps
	logger *slog.Logger
}

func NewRefundService(deps Deps) *RefundService {
	deps = deps.withDefaults()
	return &RefundService{
		deps:   deps,
		logger: deps.Logger.With("component", "refund_service"),
	}
}

func (s *RefundService) loggerFromContext(ctx context.Context) *slog.Logger {
	return logging.FromContext(ctx, s.logger)
}

// RefundLine selects part of an order line to reverse. Total is the pre-tax amount
// returned for the line; when zero it is the quantity's share of the line total.
type RefundLine struct {
	ItemID   int64
	Quantity int
	Total    decimal.Decimal
}

type RefundRequest struct {
	Amount decimal.Decimal
	Reason string
	Lines  []RefundLine
	// RefundPayment returns the money through the order's payment gateway.
	RefundPayment bool
	RefundedBy    int64
}

// RemainingRefundableAmount is the order total less everything already refunded.
func RemainingRefundableAmount(order *models.Order, refunds []*models.Refund) decimal.Decimal {
	remaining := order.Total
	for _, refund := range refunds {
		remaining = remaining.Sub(refund.Total.Abs())
	}
	return remaining
}

// RemainingRefundableAmount loads the order's refunds and returns what can still be
// refunded.
func (s *RefundService) RemainingRefundableAmount(ctx context.Context, orderID int64) (decimal.Decimal, error) {
	order, err := s.deps.Store.GetOrder(ctx, orderID)
	if err != nil {
		return decimal.Zero, err
	}
	refunds, err := s.deps.Store.RefundsByOrder(ctx, orderID)
	if err != nil {
		return decimal.Zero, err
	}
	return RemainingRefundableAmount(order, refunds), nil
}

// CreateRefund records a refund against orderID and optionally reverses the payment.
// Invalid amounts and lines are rejected before anything is written. The refund and the
// order's refunded status are written in one transaction. When the gateway reversal
// fails both are undone and ErrGatewayReversal is returned.
func (s *RefundService) CreateRefund(ctx context.Context, orderID int64, req RefundRequest) (*models.Refund, error) {
	span := startSpan(ctx, "service.refund", "service.refund.create", "CreateRefund")
	defer span.Finish()
	ctx = span.Context()

	logger := s.loggerFromContext(ctx)
	meter := observability.MeterFromContext(ctx)
	recordFailure := func(reason string) {
		meter.Count("refund.failed", 1, sentry.WithAttributes(
			attribute.String("reason", reason),
		))
	}

	unlock := s.deps.Locker.Lock(orderID)
	defer unlock()

	var (
		refund       *models.Refund
		order        *models.Order
		full         bool
		transition   workflow.Transition
		transitioned bool
	)
	err := s.deps.Store.InTx(ctx, func(ctx context.Context, tx db.Store) error {
		var err error
		order, err = tx.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if order.Type == models.TypeRefund {
			return fmt.Errorf("%w: refunds cannot be refunded", ErrInvalidRefundAmount)
		}
		prior, err := tx.RefundsByOrder(ctx, orderID)
		if err != nil {
			return err
		}

		remaining := RemainingRefundableAmount(order, prior)
		if req.Amount.IsNegative() || req.Amount.GreaterThan(remaining) {
			return fmt.Errorf("%w: %s exceeds remaining %s", ErrInvalidRefundAmount, req.Amount, remaining)
		}
		if req.RefundPayment {
			gateway, err := s.deps.Gateways.Get(order.PaymentMethod)
			if err != nil || !gateway.Supports(payments.FeatureRefunds) {
				return fmt.Errorf("%w: %q cannot refund payments", ErrGatewayUnsupported, order.PaymentMethod)
			}
		}

		refunded := refundedQuantities(prior)
		refund = models.NewRefund(order, req.Amount, req.Reason)
		refund.RefundedBy = req.RefundedBy
		refund.Total = req.Amount.Neg()
		for _, line := range req.Lines {
			mirror, err := s.mirrorLine(order, line, refunded)
			if err != nil {
				return err
			}
			refund.AddItem(mirror)
		}
		if err := tx.SaveRefund(ctx, refund); err != nil {
			return err
		}

		full = fullyRefunded(order, remaining.Sub(req.Amount), refunded)
		if !full || !s.deps.Machine.Can(workflow.EventRefundOrder, order) {
			return nil
		}
		transition, err = applyTransition(ctx, tx, s.deps.Machine, workflow.EventRefundOrder, order)
		transitioned = err == nil
		return err
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidRefundAmount):
			recordFailure("invalid_amount")
		case errors.Is(err, ErrInvalidRefundItem):
			recordFailure("invalid_item")
		case errors.Is(err, ErrGatewayUnsupported):
			recordFailure("gateway_unsupported")
		default:
			recordFailure("persistence")
		}
		return nil, fmt.Errorf("failed to create refund for order %d: %w", orderID, err)
	}

	if req.RefundPayment {
		if err := s.reversePayment(ctx, order, refund); err != nil {
			recordFailure("gateway")
			logger.Error("payment reversal failed, removing refund", "order_id", orderID, "refund_id", refund.ID, "error", err)
			if undoErr := s.undoRefund(ctx, order, refund, transition, transitioned); undoErr != nil {
				return nil, errors.Join(fmt.Errorf("%w: %w", ErrGatewayReversal, err), undoErr)
			}
			return nil, fmt.Errorf("%w: %w", ErrGatewayReversal, err)
		}
		// The money has moved and the refund is stored, so a failure here only loses
		// the gateway reference.
		if err := s.deps.Store.SaveRefund(ctx, refund); err != nil {
			recordFailure("gateway_reference")
			logger.Warn("failed to store gateway refund reference", "order_id", orderID, "refund_id", refund.ID, "reference", refund.Meta.Get(models.MetaGatewayRefundID), "error", err)
		}
	}

	meter.Count("refund.created", 1, sentry.WithAttributes(
		attribute.String("full", strconv.FormatBool(full)),
		attribute.String("gateway", strconv.FormatBool(refund.RefundedPayment)),
	))
	logger.Info("refund created", "order_id", orderID, "refund_id", refund.ID, "amount", req.Amount.String(), "full", full)

	s.deps.Notifier.Emit(ctx, events.Event{
		Name:      events.RefundCreated,
		OrderID:   refund.ID,
		OrderType: models.TypeRefund,
		RelatedID: orderID,
		Amount:    req.Amount,
	})
	if transitioned {
		s.deps.Machine.Notify(ctx, transition)
	}
	name := events.OrderPartiallyRefunded
	if full {
		name = events.OrderRefunded
	}
	s.deps.Notifier.Emit(ctx, events.Event{
		Name:      name,
		OrderID:   orderID,
		OrderType: order.Type,
		To:        order.Status,
		RelatedID: refund.ID,
		Amount:    req.Amount,
	})
	return refund, nil
}

// undoRefund deletes a refund whose payment reversal failed and puts the order back in
// the status it had before the refund.
func (s *RefundService) undoRefund(ctx context.Context, order *models.Order, refund *models.Refund, transition workflow.Transition, transitioned bool) error {
	err := s.deps.Store.InTx(ctx, func(ctx context.Context, tx db.Store) error {
		if err := tx.DeleteOrder(ctx, refund.ID); err != nil {
			return err
		}
		if !transitioned {
			return nil
		}
		return tx.UpdateStatus(ctx, order.ID, transition.To, transition.From)
	})
	if err != nil {
		return fmt.Errorf("failed to remove refund %d: %w", refund.ID, err)
	}
	if transitioned {
		order.SetStatus(transition.From)
	}
	return nil
}

func (s *RefundService) reversePayment(ctx context.Context, order *models.Order, refund *models.Refund) error {
	gateway, err := s.deps.Gateways.Get(order.PaymentMethod)
	if err != nil {
		return err
	}
	reference, err := gateway.Refund(ctx, payments.RefundRequest{
		OrderID:       order.ID,
		RefundID:      refund.ID,
		TransactionID: order.TransactionID(),
		Amount:        refund.Amount,
		Currency:      order.Currency,
		Reason:        refund.Reason,
	})
	if err != nil {
		return err
	}
	refund.RefundedPayment = true
	refund.Meta.Set(models.MetaGatewayRefundID, reference)
	return nil
}

// mirrorLine builds the negative copy of an order line and records the quantity it
// takes in refunded.
func (s *RefundService) mirrorLine(order *models.Order, line RefundLine, refunded map[int64]int) (models.Item, error) {
	original, ok := order.Item(line.ItemID)
	if !ok {
		return nil, fmt.Errorf("%w: order %d has no line %d", ErrInvalidRefundItem, order.ID, line.ItemID)
	}
	if line.Quantity < 0 || line.Total.IsNegative() {
		return nil, fmt.Errorf("%w: line %d quantity and total must not be negative", ErrInvalidRefundItem, line.ItemID)
	}

	taxable, ok := original.(models.Taxable)
	if !ok {
		return nil, fmt.Errorf("%w: %s lines cannot be refunded", ErrInvalidRefundItem, original.Type())
	}

	quantity := 0
	if product, ok := original.(*models.ProductItem); ok {
		quantity = line.Quantity
		if left := product.Quantity - refunded[product.ID]; quantity > left {
			return nil, fmt.Errorf("%w: line %d has %d left to refund, %d requested", ErrInvalidRefundItem, product.ID, left, quantity)
		}
	}

	total := line.Total
	if total.IsZero() {
		total = refundShare(original, taxable.Total(), quantity)
	}
	if total.GreaterThan(taxable.Total().Abs()) {
		return nil, fmt.Errorf("%w: line %d refund %s exceeds line total %s", ErrInvalidRefundItem, line.ItemID, total, taxable.Total())
	}
	if total.IsZero() && quantity == 0 {
		return nil, fmt.Errorf("%w: line %d refunds nothing", ErrInvalidRefundItem, line.ItemID)
	}

	taxes := scaleTaxes(taxable.Taxes().Total, total, taxable.Total(), order.Currency).Negate()
	var mirror models.Item
	switch v := original.(type) {
	case *models.ProductItem:
		p := models.NewProductItem(v.Name, 1, total.Neg(), total.Neg())
		p.Quantity = -quantity
		p.ProductID = v.ProductID
		p.TaxClass = v.TaxClass
		p.TaxStatus = v.TaxStatus
		p.SetTaxes(models.LineTaxes{Total: taxes})
		refunded[v.ID] += quantity
		mirror = p
	case *models.FeeItem:
		f := models.NewFeeItem(v.Name, total.Neg())
		f.TaxClass = v.TaxClass
		f.TaxStatus = v.TaxStatus
		f.SetTaxes(models.LineTaxes{Total: taxes})
		mirror = f
	case *models.ShippingItem:
		sh := models.NewShippingItem(v.Name, v.MethodID, total.Neg())
		sh.SetTaxes(models.LineTaxes{Total: taxes})
		mirror = sh
	default:
		return nil, fmt.Errorf("%w: %s lines cannot be refunded", ErrInvalidRefundItem, original.Type())
	}
	mirror.Base().Meta.SetInt64(models.MetaRefundedItemID, original.Base().ID)
	return mirror, nil
}

// refundShare is the part of lineTotal covered by quantity units of a product line.
// Other lines are refunded in full.
func refundShare(item models.Item, lineTotal decimal.Decimal, quantity int) decimal.Decimal {
	product, ok := item.(*models.ProductItem)
	if !ok {
		return lineTotal
	}
	if product.Quantity <= 0 || quantity == 0 {
		return decimal.Zero
	}
	return lineTotal.Mul(decimal.NewFromInt(int64(quantity))).Div(decimal.NewFromInt(int64(product.Quantity)))
}

func scaleTaxes(taxes tax.Taxes, part, whole decimal.Decimal, currency string) tax.Taxes {
	out := make(tax.Taxes, len(taxes))
	if whole.IsZero() {
		return out
	}
	ratio := part.Div(whole.Abs())
	for id, amount := range taxes {
		out[id] = money.RoundFor(amount.Mul(ratio), currency)
	}
	return out
}

// refundedQuantities sums the quantities already refunded per original line.
func refundedQuantities(refunds []*models.Refund) map[int64]int {
	out := make(map[int64]int)
	for _, refund := range refunds {
		for _, product := range refund.Products() {
			if id := product.Meta.Int64(models.MetaRefundedItemID); id > 0 {
				out[id] += -product.Quantity
			}
		}
	}
	return out
}

// fullyRefunded reports whether nothing is left to refund. Free orders are fully
// refunded once every product quantity has been returned.
func fullyRefunded(order *models.Order, remaining decimal.Decimal, refunded map[int64]int) bool {
	if order.Total.IsPositive() {
		return !remaining.IsPositive()
	}
	products := order.Products()
	if len(products) == 0 {
		return false
	}
	for _, product := range products {
		if refunded[product.ID] < product.Quantity {
			return false
		}
	}
	return true
}
