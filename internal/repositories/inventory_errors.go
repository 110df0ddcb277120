package repositories

// InventoryErrorCode names the ways a stock operation can fail. The
// checkout and reservation services map these onto API error codes.
type InventoryErrorCode string

const (
	InventoryErrorUnknown             InventoryErrorCode = "inventory_unknown"
	InventoryErrorInsufficientStock   InventoryErrorCode = "inventory_insufficient_stock"
	InventoryErrorStockNotFound       InventoryErrorCode = "inventory_stock_not_found"
	InventoryErrorReservationNotFound InventoryErrorCode = "inventory_reservation_not_found"

	// A reservation that already reached a terminal state rejects
	// further transitions with one of these.
	InventoryErrorAlreadyCommitted        InventoryErrorCode = "inventory_already_committed"
	InventoryErrorAlreadyReleased         InventoryErrorCode = "inventory_already_released"
	InventoryErrorInvalidReservationState InventoryErrorCode = "inventory_invalid_state"
)

// InventoryError carries a machine readable code so callers can tell an
// out-of-stock variant from a reservation that expired under them.
type InventoryError struct {
	Op      string
	Code    InventoryErrorCode
	Message string
	Err     error
}

func (e *InventoryError) Error() string {
	if e == nil {
		return ""
	}
	if e.Op != "" {
		return e.Op + ": " + e.Message
	}
	return e.Message
}

func (e *InventoryError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewInventoryError builds a typed inventory error, defaulting the
// message to the code when the caller leaves it blank.
func NewInventoryError(code InventoryErrorCode, message string, err error) *InventoryError {
	if message == "" {
		message = string(code)
	}
	return &InventoryError{Code: code, Message: message, Err: err}
}
