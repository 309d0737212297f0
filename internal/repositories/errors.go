package repositories

import "fmt"

// InventoryErrorCode enumerates repository error causes for inventory operations.
type InventoryErrorCode string

const (
	InventoryErrorUnknown                 InventoryErrorCode = "inventory_unknown"
	InventoryErrorInvalidInput            InventoryErrorCode = "inventory_invalid_input"
	InventoryErrorInsufficientStock       InventoryErrorCode = "inventory_insufficient_stock"
	InventoryErrorStockNotFound           InventoryErrorCode = "inventory_stock_not_found"
	InventoryErrorReservationNotFound     InventoryErrorCode = "inventory_reservation_not_found"
	InventoryErrorInvalidReservationState InventoryErrorCode = "inventory_invalid_state"
)

// InventoryError wraps inventory-specific failures with machine readable codes.
type InventoryError struct {
	Op      string
	Code    InventoryErrorCode
	SKU     string
	Message string
	Err     error
}

func (e *InventoryError) Error() string {
	if e == nil {
		return ""
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return e.Message
}

func (e *InventoryError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsNotFound reports missing stock or reservation documents.
func (e *InventoryError) IsNotFound() bool {
	return e != nil && (e.Code == InventoryErrorStockNotFound || e.Code == InventoryErrorReservationNotFound)
}

// IsConflict reports stock shortfalls and reservation state violations.
func (e *InventoryError) IsConflict() bool {
	return e != nil && (e.Code == InventoryErrorInsufficientStock || e.Code == InventoryErrorInvalidReservationState)
}

// IsUnavailable is always false; transport failures surface as platform errors.
func (e *InventoryError) IsUnavailable() bool { return false }

// NewInventoryError constructs a typed inventory error.
func NewInventoryError(code InventoryErrorCode, message string, err error) *InventoryError {
	if message == "" {
		message = string(code)
	}
	return &InventoryError{Code: code, Message: message, Err: err}
}

// CounterErrorCode enumerates failure reasons for counter operations.
type CounterErrorCode string

const (
	CounterErrorUnknown      CounterErrorCode = "counter_unknown"
	CounterErrorInvalidInput CounterErrorCode = "counter_invalid_input"
	// CounterErrorExhausted indicates the configured max value was reached.
	CounterErrorExhausted CounterErrorCode = "counter_exhausted"
)

// CounterError wraps counter-specific failures with machine readable codes.
type CounterError struct {
	Op      string
	Code    CounterErrorCode
	Message string
	Err     error
}

func (e *CounterError) Error() string {
	if e == nil {
		return ""
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return e.Message
}

func (e *CounterError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewCounterError constructs a typed counter error.
func NewCounterError(code CounterErrorCode, message string, err error) *CounterError {
	if message == "" {
		message = string(code)
	}
	return &CounterError{Code: code, Message: message, Err: err}
}
