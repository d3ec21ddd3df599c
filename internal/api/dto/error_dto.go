package dto

// Error codes returned in ErrorResponse.Code
const (
	CodeValidation         = "validation_failed"
	CodeInvalidState       = "invalid_state"
	CodeDuplicateBid       = "duplicate_bid"
	CodePaymentDeclined    = "payment_declined"
	CodeGatewayUnavailable = "gateway_unavailable"
	CodeSyncConflict       = "sync_conflict"
	CodeSyncFailed         = "sync_failed"
	CodeForbidden          = "forbidden"
	CodeNotFound           = "not_found"
	CodeUnavailable        = "unavailable"
	CodeUnauthenticated    = "unauthenticated"
	CodeInternal           = "internal_error"
)

type ErrorResponse struct {
	Error   string            `json:"error"`
	Code    string            `json:"code"`
	Fields  map[string]string `json:"fields,omitempty"`
	Current string            `json:"current_status,omitempty"`
	Version int64             `json:"version,omitempty"`
}
