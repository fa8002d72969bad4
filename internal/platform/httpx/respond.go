package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

const maxBodyBytes = 1 << 20

// Failure is the error envelope shared by every JSON endpoint.
type Failure struct {
	Success bool              `json:"success"`
	Error   string            `json:"error"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// JSON sends a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// DecodeJSON decodes JSON request body into the target struct. Unknown fields are
// rejected and malformed bodies surface as ErrValidation.
func DecodeJSON(r *http.Request, target any) error {
	if r.Body == nil {
		return Invalid("body", "request body required")
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return Invalid("body", "request body required")
		}
		return Invalid("body", fmt.Sprintf("malformed JSON: %v", err))
	}
	return nil
}
