package models

import (
	"strconv"
	"strings"
)

// MetaKey names a well-known metadata entry.
type MetaKey string

const (
	MetaTransactionID       MetaKey = "_transaction_id"
	MetaPaymentIntentID     MetaKey = "_payment_intent_id"
	MetaRefundedItemID      MetaKey = "_refunded_item_id"
	MetaGatewayRefundID     MetaKey = "_gateway_refund_id"
	MetaSubscriptionRenewal MetaKey = "_subscription_renewal"
	MetaCreatedVia          MetaKey = "_created_via"
)

// Meta is the open key/value bag attached to orders and items. Known keys go through
// the typed accessors; integrations may store anything else.
type Meta map[string]string

func (m Meta) Get(key MetaKey) string {
	return m[string(key)]
}

func (m *Meta) Set(key MetaKey, value string) {
	if *m == nil {
		*m = Meta{}
	}
	if value == "" {
		delete(*m, string(key))
		return
	}
	(*m)[string(key)] = value
}

func (m Meta) Int64(key MetaKey) int64 {
	value, err := strconv.ParseInt(strings.TrimSpace(m.Get(key)), 10, 64)
	if err != nil {
		return 0
	}
	return value
}

func (m *Meta) SetInt64(key MetaKey, value int64) {
	if value == 0 {
		m.Set(key, "")
		return
	}
	m.Set(key, strconv.FormatInt(value, 10))
}

func (m Meta) Clone() Meta {
	if m == nil {
		return nil
	}
	out := make(Meta, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
