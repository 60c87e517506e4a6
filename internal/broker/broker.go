// Package broker defines the adapter contract the execution pipeline places
// orders through, plus a deterministic simulated adapter for tests and dry
// runs. Real transports (CTP or others) live outside the core; they only
// need to satisfy Adapter and preserve client order IDs on every event.
package broker

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"futures-exec/pkg/types"
)

// OrderRequest is one child order handed to the adapter. A zero Price means
// market/opponent pricing.
type OrderRequest struct {
	ClientOrderID string
	Instrument    string
	Side          types.Side
	Offset        types.Offset
	Price         decimal.Decimal
	Qty           int64
}

// OrderAck is the synchronous accept of a placement. Fills, rejections and
// cancellations arrive asynchronously on Events.
type OrderAck struct {
	ExchangeOrderID string
}

// RejectError is a synchronous placement refusal. Code draws from the
// broker's error vocabulary; ErrCodeCloseToday is the one code the pipeline
// treats specially.
type RejectError struct {
	Code    string
	Message string
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("order rejected [%s]: %s", e.Code, e.Message)
}

// IsCloseTodayRejected reports whether the error is the distinguished
// CLOSETODAY refusal, which authorizes re-emitting the order with a CLOSE
// offset.
func IsCloseTodayRejected(err error) bool {
	var re *RejectError
	return errors.As(err, &re) && re.Code == types.ErrCodeCloseToday
}

// Adapter is the broker transport contract. PlaceOrder and CancelOrder are
// the outbound edge; Events is the inbound edge, carrying acks, fills,
// rejections and cancel outcomes keyed by client order ID, in emission order
// per order.
type Adapter interface {
	PlaceOrder(req OrderRequest) (OrderAck, error)
	CancelOrder(clientOrderID, reason string) error
	Events() <-chan types.OrderEvent
}
