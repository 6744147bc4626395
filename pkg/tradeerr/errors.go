// Package tradeerr defines the sentinel error kinds raised by the engine
// (spec §7). Call sites wrap these with fmt.Errorf("...: %w", ErrXxx) so
// callers can still recover the kind with errors.Is.
package tradeerr

import "errors"

var (
	// ErrIllegalStateTransition is returned when an order is asked to move
	// to a state unreachable from its current one, or mutated after closed.
	ErrIllegalStateTransition = errors.New("illegal order state transition")

	// ErrUnknownOrder is returned when a query names an unregistered uuid.
	ErrUnknownOrder = errors.New("unknown order")

	// ErrDuplicateOrder is returned by Manager.New for an already-known uuid.
	ErrDuplicateOrder = errors.New("duplicate order")

	// ErrNotClosedState is returned by CloseOrder when the order's current
	// state is not in the closed set.
	ErrNotClosedState = errors.New("order is not in a closed state")

	// ErrUnknownMarket is returned when Risk is asked to validate an order
	// for a product type whose market state was never set.
	ErrUnknownMarket = errors.New("unknown market state")

	// ErrNotRegistered is returned when a strategy places an order or
	// intent for a (productType, symbol) it never registered.
	ErrNotRegistered = errors.New("productType/symbol not registered for strategy")

	// ErrUnsupportedOrderType is returned when a non-LIMIT order is
	// submitted to the exchange.
	ErrUnsupportedOrderType = errors.New("unsupported order type")

	// ErrStuckOrder is returned when, at the end of a bar, an order is
	// found in an open state upstream of SENT.
	ErrStuckOrder = errors.New("stuck order detected at end of bar")

	// ErrStuckReplace is returned when a replace is requested on an order
	// that never received an exchange id.
	ErrStuckReplace = errors.New("replace requested on order without exchange id")

	// ErrResidualOpenOrders is returned when open orders remain after a
	// market close.
	ErrResidualOpenOrders = errors.New("residual open orders after market close")

	// ErrFillTimestampMissingTZ is the kind for a fill timestamp that lacks
	// a timezone. The paper exchange stamps fills with the bar time it is
	// given and performs no timezone check, so no call site returns it.
	ErrFillTimestampMissingTZ = errors.New("fill timestamp missing timezone")

	// ErrUnsupported is returned when a concrete policy is absent for the
	// request, e.g. commission on a non-stock product type.
	ErrUnsupported = errors.New("unsupported")
)
