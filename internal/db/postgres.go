package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gitshopapp/billing/internal/billing"
	"github.com/gitshopapp/billing/internal/models"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// PostgresStore is the Store backed by Postgres. Ids come from a snowflake node so
// rows can be written before they are read back.
type PostgresStore struct {
	pool *pgxpool.Pool
	q    querier
	node *snowflake.Node
	inTx bool
	undo *undoLog
	now  func() time.Time
}

func NewPostgresStore(pool *pgxpool.Pool, nodeID int64) (*PostgresStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("database pool is required")
	}
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to create id generator: %w", err)
	}
	return &PostgresStore{
		pool: pool,
		q:    pool,
		node: node,
		now:  func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *PostgresStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	return s.atomic(ctx, func(tx *PostgresStore) error {
		return fn(ctx, tx)
	})
}

// atomic runs a multi-statement write in the current transaction or a new one. Ids and
// timestamps assigned during a transaction that does not commit are reverted.
func (s *PostgresStore) atomic(ctx context.Context, fn func(tx *PostgresStore) error) error {
	if s.inTx {
		return fn(s)
	}
	undo := &undoLog{}
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&PostgresStore{pool: s.pool, q: tx, node: s.node, inTx: true, undo: undo, now: s.now})
	})
	if err != nil {
		undo.run()
	}
	return err
}

const orderColumns = `o.id, o.type, o.status, o.currency, o.prices_include_tax, o.customer_id,
	o.payment_method, o.payment_method_title, o.shipping_total, o.shipping_tax, o.discount_total,
	o.discount_tax, o.cart_tax, o.total, o.billing, o.shipping, o.parent_order_id, o.order_key,
	o.meta, o.created_at, o.updated_at, o.paid_at, o.completed_at`

const subscriptionColumns = `s.billing_interval, s.billing_period, s.length, s.trial_days,
	s.start_date, s.trial_end_date, s.next_payment_date, s.end_date, s.cancelled_date,
	s.last_payment_date, s.requires_manual_renewal, s.related_order_ids`

const refundColumns = `r.amount, r.reason, r.refunded_by, r.refunded_payment`

type orderRow struct {
	order models.Order

	shippingTotal pgtype.Numeric
	shippingTax   pgtype.Numeric
	discountTotal pgtype.Numeric
	discountTax   pgtype.Numeric
	cartTax       pgtype.Numeric
	total         pgtype.Numeric

	billing  []byte
	shipping []byte
	meta     []byte

	createdAt   pgtype.Timestamptz
	updatedAt   pgtype.Timestamptz
	paidAt      pgtype.Timestamptz
	completedAt pgtype.Timestamptz
}

func (r *orderRow) dest() []any {
	o := &r.order
	return []any{
		&o.ID, &o.Type, &o.Status, &o.Currency, &o.PricesIncludeTax, &o.CustomerID,
		&o.PaymentMethod, &o.PaymentMethodTitle, &r.shippingTotal, &r.shippingTax, &r.discountTotal,
		&r.discountTax, &r.cartTax, &r.total, &r.billing, &r.shipping, &o.ParentOrderID, &o.OrderKey,
		&r.meta, &r.createdAt, &r.updatedAt, &r.paidAt, &r.completedAt,
	}
}

func (r *orderRow) finish() (models.Order, error) {
	o := r.order
	o.ShippingTotal = fromNumeric(r.shippingTotal)
	o.ShippingTax = fromNumeric(r.shippingTax)
	o.DiscountTotal = fromNumeric(r.discountTotal)
	o.DiscountTax = fromNumeric(r.discountTax)
	o.CartTax = fromNumeric(r.cartTax)
	o.Total = fromNumeric(r.total)
	o.CreatedAt = fromTimestamptz(r.createdAt)
	o.UpdatedAt = fromTimestamptz(r.updatedAt)
	o.PaidAt = fromTimestamptz(r.paidAt)
	o.CompletedAt = fromTimestamptz(r.completedAt)
	if err := unmarshalJSON(r.billing, &o.Billing, "billing address"); err != nil {
		return o, err
	}
	if err := unmarshalJSON(r.shipping, &o.Shipping, "shipping address"); err != nil {
		return o, err
	}
	if err := unmarshalJSON(r.meta, &o.Meta, "order meta"); err != nil {
		return o, err
	}
	if o.Meta == nil {
		o.Meta = models.Meta{}
	}
	return o, nil
}

type subscriptionRow struct {
	orderRow
	sub models.Subscription

	start       pgtype.Timestamptz
	trialEnd    pgtype.Timestamptz
	nextPayment pgtype.Timestamptz
	end         pgtype.Timestamptz
	cancelled   pgtype.Timestamptz
	lastPaid    pgtype.Timestamptz
}

func (r *subscriptionRow) dest() []any {
	s := &r.sub
	return append(r.orderRow.dest(),
		&s.BillingInterval, &s.BillingPeriod, &s.Length, &s.TrialDays,
		&r.start, &r.trialEnd, &r.nextPayment, &r.end, &r.cancelled,
		&r.lastPaid, &s.RequiresManualRenewal, &s.RelatedOrderIDs,
	)
}

func (r *subscriptionRow) finish() (*models.Subscription, error) {
	order, err := r.orderRow.finish()
	if err != nil {
		return nil, err
	}
	sub := r.sub
	sub.Order = order
	sub.StartDate = fromTimestamptz(r.start)
	sub.TrialEndDate = fromTimestamptz(r.trialEnd)
	sub.NextPaymentDate = fromTimestamptz(r.nextPayment)
	sub.EndDate = fromTimestamptz(r.end)
	sub.CancelledDate = fromTimestamptz(r.cancelled)
	sub.LastPaymentDate = fromTimestamptz(r.lastPaid)
	return &sub, nil
}

type refundRow struct {
	orderRow
	refund models.Refund
	amount pgtype.Numeric
}

func (r *refundRow) dest() []any {
	f := &r.refund
	return append(r.orderRow.dest(), &r.amount, &f.Reason, &f.RefundedBy, &f.RefundedPayment)
}

func (r *refundRow) finish() (*models.Refund, error) {
	order, err := r.orderRow.finish()
	if err != nil {
		return nil, err
	}
	refund := r.refund
	refund.Order = order
	refund.Amount = fromNumeric(r.amount)
	return &refund, nil
}

func notFound(err error, what string, id int64) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s %d: %w", what, id, ErrNotFound)
	}
	return fmt.Errorf("failed to load %s %d: %w", what, id, err)
}

func (s *PostgresStore) GetOrder(ctx context.Context, id int64) (*models.Order, error) {
	var row orderRow
	err := s.q.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders o WHERE o.id = $1`, id).Scan(row.dest()...)
	if err != nil {
		return nil, notFound(err, "order", id)
	}
	order, err := row.finish()
	if err != nil {
		return nil, err
	}
	if err := s.loadItems(ctx, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

func (s *PostgresStore) GetSubscription(ctx context.Context, id int64) (*models.Subscription, error) {
	subs, err := s.querySubscriptions(ctx, `WHERE o.id = $1`, id)
	if err != nil {
		return nil, err
	}
	if len(subs) == 0 {
		return nil, fmt.Errorf("subscription %d: %w", id, ErrNotFound)
	}
	return subs[0], nil
}

func (s *PostgresStore) GetRefund(ctx context.Context, id int64) (*models.Refund, error) {
	refunds, err := s.queryRefunds(ctx, `WHERE o.id = $1`, id)
	if err != nil {
		return nil, err
	}
	if len(refunds) == 0 {
		return nil, fmt.Errorf("refund %d: %w", id, ErrNotFound)
	}
	return refunds[0], nil
}

func (s *PostgresStore) SubscriptionsByParent(ctx context.Context, orderID int64) ([]*models.Subscription, error) {
	return s.querySubscriptions(ctx, `WHERE o.parent_order_id = $1 ORDER BY o.id`, orderID)
}

func (s *PostgresStore) RefundsByOrder(ctx context.Context, orderID int64) ([]*models.Refund, error) {
	return s.queryRefunds(ctx, `WHERE o.parent_order_id = $1 ORDER BY o.id`, orderID)
}

func (s *PostgresStore) SubscriptionsDue(ctx context.Context, t time.Time, limit int) ([]*models.Subscription, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.querySubscriptions(ctx, `WHERE o.status = $1 AND s.next_payment_date IS NOT NULL
		AND s.next_payment_date <= $2 ORDER BY s.next_payment_date, o.id LIMIT $3`,
		models.StatusActive, t, limit)
}

func (s *PostgresStore) querySubscriptions(ctx context.Context, where string, args ...any) ([]*models.Subscription, error) {
	rows, err := s.q.Query(ctx, `SELECT `+orderColumns+`, `+subscriptionColumns+`
		FROM orders o JOIN subscriptions s ON s.order_id = o.id `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query subscriptions: %w", err)
	}
	subs, err := collect(rows, func(sc scanner) (*models.Subscription, error) {
		var row subscriptionRow
		if err := sc.Scan(row.dest()...); err != nil {
			return nil, err
		}
		return row.finish()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read subscriptions: %w", err)
	}
	for _, sub := range subs {
		if err := s.loadItems(ctx, &sub.Order); err != nil {
			return nil, err
		}
	}
	return subs, nil
}

func (s *PostgresStore) queryRefunds(ctx context.Context, where string, args ...any) ([]*models.Refund, error) {
	rows, err := s.q.Query(ctx, `SELECT `+orderColumns+`, `+refundColumns+`
		FROM orders o JOIN refunds r ON r.order_id = o.id `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query refunds: %w", err)
	}
	refunds, err := collect(rows, func(sc scanner) (*models.Refund, error) {
		var row refundRow
		if err := sc.Scan(row.dest()...); err != nil {
			return nil, err
		}
		return row.finish()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read refunds: %w", err)
	}
	for _, refund := range refunds {
		if err := s.loadItems(ctx, &refund.Order); err != nil {
			return nil, err
		}
	}
	return refunds, nil
}

// collect drains rows before any follow-up query runs on the same connection.
func collect[T any](rows pgx.Rows, scan func(scanner) (T, error)) ([]T, error) {
	defer rows.Close()
	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

const itemColumns = `id, order_id, item_type, name, product_id, quantity, tax_class, tax_status,
	reference, rate_id, compound, rate_percent, subtotal, subtotal_tax, total, total_tax, taxes, meta`

func (s *PostgresStore) loadItems(ctx context.Context, order *models.Order) error {
	rows, err := s.q.Query(ctx, `SELECT `+itemColumns+` FROM order_items WHERE order_id = $1 ORDER BY position, id`, order.ID)
	if err != nil {
		return fmt.Errorf("failed to query items of order %d: %w", order.ID, err)
	}
	items, err := collect(rows, scanItem)
	if err != nil {
		return fmt.Errorf("failed to read items of order %d: %w", order.ID, err)
	}
	order.SetItems(items)
	return nil
}

func scanItem(sc scanner) (models.Item, error) {
	var rec models.ItemRecord
	var ratePercent, subtotal, subtotalTax, total, totalTax pgtype.Numeric
	var taxes, meta []byte
	err := sc.Scan(&rec.ID, &rec.OrderID, &rec.Type, &rec.Name, &rec.ProductID, &rec.Quantity,
		&rec.TaxClass, &rec.TaxStatus, &rec.Reference, &rec.RateID, &rec.Compound, &ratePercent,
		&subtotal, &subtotalTax, &total, &totalTax, &taxes, &meta)
	if err != nil {
		return nil, err
	}
	rec.RatePercent = fromNumeric(ratePercent)
	rec.Subtotal = fromNumeric(subtotal)
	rec.SubtotalTax = fromNumeric(subtotalTax)
	rec.Total = fromNumeric(total)
	rec.TotalTax = fromNumeric(totalTax)
	if err := unmarshalJSON(taxes, &rec.Taxes, "item taxes"); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(meta, &rec.Meta, "item meta"); err != nil {
		return nil, err
	}
	return models.FromRecord(rec)
}

func (s *PostgresStore) SaveOrder(ctx context.Context, order *models.Order) error {
	return s.atomic(ctx, func(tx *PostgresStore) error {
		return tx.saveOrder(ctx, order)
	})
}

func (s *PostgresStore) SaveSubscription(ctx context.Context, sub *models.Subscription) error {
	if sub.BillingPeriod != "" && !sub.BillingPeriod.Valid() {
		return fmt.Errorf("invalid billing period %q", sub.BillingPeriod)
	}
	return s.atomic(ctx, func(tx *PostgresStore) error {
		if err := tx.saveOrder(ctx, &sub.Order); err != nil {
			return err
		}
		related := sub.RelatedOrderIDs
		if related == nil {
			related = []int64{}
		}
		_, err := tx.q.Exec(ctx, `INSERT INTO subscriptions (order_id, billing_interval, billing_period,
			length, trial_days, start_date, trial_end_date, next_payment_date, end_date, cancelled_date,
			last_payment_date, requires_manual_renewal, related_order_ids)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			ON CONFLICT (order_id) DO UPDATE SET
				billing_interval = EXCLUDED.billing_interval,
				billing_period = EXCLUDED.billing_period,
				length = EXCLUDED.length,
				trial_days = EXCLUDED.trial_days,
				start_date = EXCLUDED.start_date,
				trial_end_date = EXCLUDED.trial_end_date,
				next_payment_date = EXCLUDED.next_payment_date,
				end_date = EXCLUDED.end_date,
				cancelled_date = EXCLUDED.cancelled_date,
				last_payment_date = EXCLUDED.last_payment_date,
				requires_manual_renewal = EXCLUDED.requires_manual_renewal,
				related_order_ids = EXCLUDED.related_order_ids`,
			sub.ID, sub.BillingInterval, periodOrDefault(sub.BillingPeriod), sub.Length, sub.TrialDays,
			timestamptz(sub.StartDate), timestamptz(sub.TrialEndDate), timestamptz(sub.NextPaymentDate),
			timestamptz(sub.EndDate), timestamptz(sub.CancelledDate), timestamptz(sub.LastPaymentDate),
			sub.RequiresManualRenewal, related,
		)
		if err != nil {
			return fmt.Errorf("failed to save subscription %d: %w", sub.ID, err)
		}
		return nil
	})
}

func periodOrDefault(p billing.Period) billing.Period {
	if p == "" {
		return billing.PeriodMonth
	}
	return p
}

func (s *PostgresStore) SaveRefund(ctx context.Context, refund *models.Refund) error {
	return s.atomic(ctx, func(tx *PostgresStore) error {
		if err := tx.saveOrder(ctx, &refund.Order); err != nil {
			return err
		}
		_, err := tx.q.Exec(ctx, `INSERT INTO refunds (order_id, amount, reason, refunded_by, refunded_payment)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (order_id) DO UPDATE SET
				amount = EXCLUDED.amount,
				reason = EXCLUDED.reason,
				refunded_by = EXCLUDED.refunded_by,
				refunded_payment = EXCLUDED.refunded_payment`,
			refund.ID, numeric(refund.Amount), refund.Reason, refund.RefundedBy, refund.RefundedPayment,
		)
		if err != nil {
			return fmt.Errorf("failed to save refund %d: %w", refund.ID, err)
		}
		return nil
	})
}

func (s *PostgresStore) saveOrder(ctx context.Context, order *models.Order) error {
	s.undo.record(order)
	now := s.now()
	if order.ID == 0 {
		order.ID = s.node.Generate().Int64()
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now
	if order.OrderKey == "" {
		order.OrderKey = models.NewOrderKey()
	}

	billingJSON, err := marshalJSON(order.Billing, "billing address")
	if err != nil {
		return err
	}
	shippingJSON, err := marshalJSON(order.Shipping, "shipping address")
	if err != nil {
		return err
	}
	meta := order.Meta
	if meta == nil {
		meta = models.Meta{}
	}
	metaJSON, err := marshalJSON(meta, "order meta")
	if err != nil {
		return err
	}

	_, err = s.q.Exec(ctx, `INSERT INTO orders (id, type, status, currency, prices_include_tax,
		customer_id, payment_method, payment_method_title, shipping_total, shipping_tax, discount_total,
		discount_tax, cart_tax, total, billing, shipping, parent_order_id, order_key, meta, created_at,
		updated_at, paid_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			currency = EXCLUDED.currency,
			prices_include_tax = EXCLUDED.prices_include_tax,
			customer_id = EXCLUDED.customer_id,
			payment_method = EXCLUDED.payment_method,
			payment_method_title = EXCLUDED.payment_method_title,
			shipping_total = EXCLUDED.shipping_total,
			shipping_tax = EXCLUDED.shipping_tax,
			discount_total = EXCLUDED.discount_total,
			discount_tax = EXCLUDED.discount_tax,
			cart_tax = EXCLUDED.cart_tax,
			total = EXCLUDED.total,
			billing = EXCLUDED.billing,
			shipping = EXCLUDED.shipping,
			parent_order_id = EXCLUDED.parent_order_id,
			meta = EXCLUDED.meta,
			updated_at = EXCLUDED.updated_at,
			paid_at = EXCLUDED.paid_at,
			completed_at = EXCLUDED.completed_at`,
		order.ID, order.Type, order.Status, order.Currency, order.PricesIncludeTax,
		order.CustomerID, order.PaymentMethod, order.PaymentMethodTitle,
		numeric(order.ShippingTotal), numeric(order.ShippingTax), numeric(order.DiscountTotal),
		numeric(order.DiscountTax), numeric(order.CartTax), numeric(order.Total),
		billingJSON, shippingJSON, order.ParentOrderID, order.OrderKey, metaJSON,
		order.CreatedAt, order.UpdatedAt, timestamptz(order.PaidAt), timestamptz(order.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save order %d: %w", order.ID, err)
	}

	if removed := order.RemovedItemIDs(); len(removed) > 0 {
		if _, err := s.q.Exec(ctx, `DELETE FROM order_items WHERE order_id = $1 AND id = ANY($2)`, order.ID, removed); err != nil {
			return fmt.Errorf("failed to delete items of order %d: %w", order.ID, err)
		}
	}
	for position, item := range order.Items() {
		if err := s.saveItem(ctx, order.ID, position, item); err != nil {
			return err
		}
	}
	order.ClearRemoved()
	return nil
}

func (s *PostgresStore) saveItem(ctx context.Context, orderID int64, position int, item models.Item) error {
	base := item.Base()
	if base.ID == 0 {
		base.ID = s.node.Generate().Int64()
	}
	base.OrderID = orderID

	rec := models.ToRecord(item)
	taxesJSON, err := marshalJSON(rec.Taxes, "item taxes")
	if err != nil {
		return err
	}
	meta := rec.Meta
	if meta == nil {
		meta = models.Meta{}
	}
	metaJSON, err := marshalJSON(meta, "item meta")
	if err != nil {
		return err
	}

	_, err = s.q.Exec(ctx, `INSERT INTO order_items (id, order_id, position, item_type, name, product_id,
		quantity, tax_class, tax_status, reference, rate_id, compound, rate_percent, subtotal, subtotal_tax,
		total, total_tax, taxes, meta)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		ON CONFLICT (id) DO UPDATE SET
			position = EXCLUDED.position,
			name = EXCLUDED.name,
			product_id = EXCLUDED.product_id,
			quantity = EXCLUDED.quantity,
			tax_class = EXCLUDED.tax_class,
			tax_status = EXCLUDED.tax_status,
			reference = EXCLUDED.reference,
			rate_id = EXCLUDED.rate_id,
			compound = EXCLUDED.compound,
			rate_percent = EXCLUDED.rate_percent,
			subtotal = EXCLUDED.subtotal,
			subtotal_tax = EXCLUDED.subtotal_tax,
			total = EXCLUDED.total,
			total_tax = EXCLUDED.total_tax,
			taxes = EXCLUDED.taxes,
			meta = EXCLUDED.meta`,
		rec.ID, orderID, position, rec.Type, rec.Name, rec.ProductID,
		rec.Quantity, rec.TaxClass, rec.TaxStatus, rec.Reference, rec.RateID, rec.Compound,
		numeric(rec.RatePercent), numeric(rec.Subtotal), numeric(rec.SubtotalTax),
		numeric(rec.Total), numeric(rec.TotalTax), taxesJSON, metaJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to save item %d of order %d: %w", rec.ID, orderID, err)
	}
	return nil
}

func (s *PostgresStore) DeleteOrder(ctx context.Context, id int64) error {
	tag, err := s.q.Exec(ctx, `DELETE FROM orders WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete order %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("order %d: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, id int64, from, to models.OrderStatus) error {
	tag, err := s.q.Exec(ctx, `UPDATE orders SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`,
		to, s.now(), id, from)
	if err != nil {
		return fmt.Errorf("failed to update status of order %d: %w", id, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := s.q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check order %d: %w", id, err)
	}
	if !exists {
		return fmt.Errorf("order %d: %w", id, ErrNotFound)
	}
	return fmt.Errorf("order %d is not %s: %w", id, from, models.ErrInvalidStatusTransition)
}
