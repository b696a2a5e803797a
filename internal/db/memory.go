package db

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"

	"github.com/gitshopapp/billing/internal/models"
)

type memoryState struct {
	orders        map[int64]*models.Order
	subscriptions map[int64]*models.Subscription
	refunds       map[int64]*models.Refund
}

func newMemoryState() *memoryState {
	return &memoryState{
		orders:        make(map[int64]*models.Order),
		subscriptions: make(map[int64]*models.Subscription),
		refunds:       make(map[int64]*models.Refund),
	}
}

func (st *memoryState) clone() *memoryState {
	c := newMemoryState()
	for id, o := range st.orders {
		c.orders[id] = o.Clone()
	}
	for id, sub := range st.subscriptions {
		c.subscriptions[id] = sub.Clone()
	}
	for id, r := range st.refunds {
		c.refunds[id] = r.Clone()
	}
	return c
}

// order returns the stored order part of any record type.
func (st *memoryState) order(id int64) *models.Order {
	if o, ok := st.orders[id]; ok {
		return o
	}
	if sub, ok := st.subscriptions[id]; ok {
		return &sub.Order
	}
	if r, ok := st.refunds[id]; ok {
		return &r.Order
	}
	return nil
}

// MemoryStore keeps everything in process. Transactions work on a copy of the state
// that replaces the original on commit.
type MemoryStore struct {
	mu    *sync.Mutex
	state **memoryState
	node  *snowflake.Node
	inTx  bool
	undo  *undoLog
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(fmt.Sprintf("snowflake node: %v", err))
	}
	state := newMemoryState()
	return &MemoryStore{
		mu:    &sync.Mutex{},
		state: &state,
		node:  node,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) with(fn func(st *memoryState) error) error {
	if s.inTx {
		return fn(*s.state)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(*s.state)
}

// InTx holds the store lock for the whole of fn. fn must use tx, not s.
func (s *MemoryStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	if s.inTx {
		return fn(ctx, s)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	working := (*s.state).clone()
	tx := &MemoryStore{mu: s.mu, state: &working, node: s.node, inTx: true, undo: &undoLog{}, now: s.now}
	if err := fn(ctx, tx); err != nil {
		tx.undo.run()
		return err
	}
	*s.state = working
	return nil
}

func (s *MemoryStore) GetOrder(_ context.Context, id int64) (*models.Order, error) {
	var out *models.Order
	err := s.with(func(st *memoryState) error {
		o := st.order(id)
		if o == nil {
			return fmt.Errorf("order %d: %w", id, ErrNotFound)
		}
		out = o.Clone()
		return nil
	})
	return out, err
}

func (s *MemoryStore) GetSubscription(_ context.Context, id int64) (*models.Subscription, error) {
	var out *models.Subscription
	err := s.with(func(st *memoryState) error {
		sub, ok := st.subscriptions[id]
		if !ok {
			return fmt.Errorf("subscription %d: %w", id, ErrNotFound)
		}
		out = sub.Clone()
		return nil
	})
	return out, err
}

func (s *MemoryStore) GetRefund(_ context.Context, id int64) (*models.Refund, error) {
	var out *models.Refund
	err := s.with(func(st *memoryState) error {
		r, ok := st.refunds[id]
		if !ok {
			return fmt.Errorf("refund %d: %w", id, ErrNotFound)
		}
		out = r.Clone()
		return nil
	})
	return out, err
}

func (s *MemoryStore) prepare(order *models.Order) {
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
	if order.Meta == nil {
		order.Meta = models.Meta{}
	}
	for _, item := range order.Items() {
		base := item.Base()
		if base.ID == 0 {
			base.ID = s.node.Generate().Int64()
		}
		base.OrderID = order.ID
	}
	order.ClearRemoved()
}

func (s *MemoryStore) SaveOrder(_ context.Context, order *models.Order) error {
	return s.with(func(st *memoryState) error {
		if _, ok := st.subscriptions[order.ID]; ok && order.ID != 0 {
			return fmt.Errorf("order %d is a subscription", order.ID)
		}
		if _, ok := st.refunds[order.ID]; ok && order.ID != 0 {
			return fmt.Errorf("order %d is a refund", order.ID)
		}
		s.prepare(order)
		st.orders[order.ID] = order.Clone()
		return nil
	})
}

func (s *MemoryStore) SaveSubscription(_ context.Context, sub *models.Subscription) error {
	if sub.BillingPeriod != "" && !sub.BillingPeriod.Valid() {
		return fmt.Errorf("invalid billing period %q", sub.BillingPeriod)
	}
	return s.with(func(st *memoryState) error {
		s.prepare(&sub.Order)
		st.subscriptions[sub.ID] = sub.Clone()
		return nil
	})
}

func (s *MemoryStore) SaveRefund(_ context.Context, refund *models.Refund) error {
	return s.with(func(st *memoryState) error {
		s.prepare(&refund.Order)
		st.refunds[refund.ID] = refund.Clone()
		return nil
	})
}

func (s *MemoryStore) DeleteOrder(_ context.Context, id int64) error {
	return s.with(func(st *memoryState) error {
		if st.order(id) == nil {
			return fmt.Errorf("order %d: %w", id, ErrNotFound)
		}
		delete(st.orders, id)
		delete(st.subscriptions, id)
		delete(st.refunds, id)
		return nil
	})
}

func (s *MemoryStore) SubscriptionsByParent(_ context.Context, orderID int64) ([]*models.Subscription, error) {
	var out []*models.Subscription
	err := s.with(func(st *memoryState) error {
		for _, sub := range st.subscriptions {
			if sub.ParentOrderID == orderID {
				out = append(out, sub.Clone())
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, err
}

func (s *MemoryStore) RefundsByOrder(_ context.Context, orderID int64) ([]*models.Refund, error) {
	var out []*models.Refund
	err := s.with(func(st *memoryState) error {
		for _, r := range st.refunds {
			if r.ParentOrderID == orderID {
				out = append(out, r.Clone())
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, err
}

func (s *MemoryStore) SubscriptionsDue(_ context.Context, t time.Time, limit int) ([]*models.Subscription, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []*models.Subscription
	err := s.with(func(st *memoryState) error {
		for _, sub := range st.subscriptions {
			if sub.Status != models.StatusActive || sub.NextPaymentDate.IsZero() || sub.NextPaymentDate.After(t) {
				continue
			}
			out = append(out, sub.Clone())
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].NextPaymentDate.Equal(out[j].NextPaymentDate) {
			return out[i].NextPaymentDate.Before(out[j].NextPaymentDate)
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, err
}

func (s *MemoryStore) UpdateStatus(_ context.Context, id int64, from, to models.OrderStatus) error {
	return s.with(func(st *memoryState) error {
		o := st.order(id)
		if o == nil {
			return fmt.Errorf("order %d: %w", id, ErrNotFound)
		}
		if o.Status != from {
			return fmt.Errorf("order %d is %s, not %s: %w", id, o.Status, from, models.ErrInvalidStatusTransition)
		}
		o.Status = to
		o.UpdatedAt = s.now()
		return nil
	})
}
