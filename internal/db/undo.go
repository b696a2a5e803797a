package db

import "github.com/gitshopapp/billing/internal/models"

// undoLog restores the caller's aggregates when a transaction that saved them does
// not commit.
type undoLog struct {
	fns []func()
}

func (u *undoLog) record(order *models.Order) {
	if u == nil {
		return
	}
	u.fns = append(u.fns, order.RestorePoint())
}

func (u *undoLog) run() {
	for i := len(u.fns) - 1; i >= 0; i-- {
		u.fns[i]()
	}
	u.fns = nil
}
