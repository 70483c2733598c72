package http

import "net/http"

// APIResponse is the envelope every endpoint answers with.
type APIResponse struct {
	Status  int         `json:"status" example:"200"`
	Message string      `json:"message" example:"OK"`
	Data    interface{} `json:"data,omitempty"`
}

// Envelope wraps data with the given status.
func Envelope(status int, data interface{}) APIResponse {
	return APIResponse{Status: status, Message: http.StatusText(status), Data: data}
}

// ValidationError represents validation error detail.
type ValidationError struct {
	Code    string                 `json:"code,omitempty" example:"ERR_REQUIRED"`
	Field   string                 `json:"field,omitempty" example:"instrument"`
	Message string                 `json:"message,omitempty" example:"instrument is required"`
	Params  map[string]interface{} `json:"params,omitempty"`
}

// ListDataResponse is a list payload. Version identifies the data generation it was read at.
type ListDataResponse struct {
	Rows    interface{} `json:"rows"`
	Total   int64       `json:"total"`
	Version string      `json:"version,omitempty"`
}
