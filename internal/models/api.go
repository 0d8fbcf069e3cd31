package models

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
	// APIStatusAccepted indicates a message was taken for asynchronous delivery.
	APIStatusAccepted APIStatus = "accepted"
	// APIStatusDuplicate indicates a send request matched one already accepted.
	APIStatusDuplicate APIStatus = "duplicate"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  APIStatus `json:"status"`
	Message string    `json:"message,omitempty"`
	Result  any       `json:"result,omitempty"`
}

// Success creates a successful API response with optional result data.
func Success(result any) APIResponse {
	return APIResponse{Status: APIStatusOK, Result: result}
}

// Accepted creates a response for a message handed to the dispatch engine.
func Accepted(result any) APIResponse {
	return APIResponse{Status: APIStatusAccepted, Result: result}
}

// Duplicate creates a response for a send request that was a no-op.
func Duplicate(message string, result any) APIResponse {
	return APIResponse{Status: APIStatusDuplicate, Message: message, Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: APIStatusError, Message: message}
}
