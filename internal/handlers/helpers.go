package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gluk-w/sshdeck/internal/sshterminal"
	"github.com/gluk-w/sshdeck/internal/tree"
)

// maxJSONBody bounds request bodies that carry JSON documents.
const maxJSONBody = 16 << 20

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeOK writes {"success": true} merged with fields.
func writeOK(w http.ResponseWriter, fields map[string]interface{}) {
	body := map[string]interface{}{"success": true}
	for k, v := range fields {
		body[k] = v
	}
	writeJSON(w, http.StatusOK, body)
}

// apiError is the failure body every endpoint returns.
type apiError struct {
	Success  bool                 `json:"success"`
	Code     string               `json:"code"`
	Error    string               `json:"error"`
	Category sshterminal.Category `json:"category,omitempty"`
}

// classifyError maps a domain error to an HTTP status and error code.
func classifyError(err error) (int, apiError) {
	body := apiError{Code: "internal", Error: err.Error()}
	var te *sshterminal.TransportError
	var exitErr *sshterminal.ExitError
	switch {
	case errors.Is(err, tree.ErrValidation), errors.Is(err, sshterminal.ErrInvalidConfig), errors.Is(err, sshterminal.ErrInvalidSize):
		body.Code = "validation"
		return http.StatusBadRequest, body
	case errors.Is(err, sshterminal.ErrNotConnected):
		body.Code = "not_connected"
		return http.StatusConflict, body
	case errors.Is(err, tree.ErrNotFound), errors.Is(err, sshterminal.ErrNotFound):
		body.Code = "not_found"
		return http.StatusNotFound, body
	case errors.Is(err, sshterminal.ErrDuplicateID):
		body.Code = "duplicate_id"
		return http.StatusConflict, body
	case errors.Is(err, tree.ErrCycle):
		body.Code = "cycle"
		return http.StatusConflict, body
	case errors.Is(err, sshterminal.ErrAborted), errors.Is(err, context.Canceled):
		body.Code = "aborted"
		return http.StatusConflict, body
	case errors.Is(err, tree.ErrFormat):
		body.Code = "format"
		return http.StatusUnprocessableEntity, body
	case errors.Is(err, sshterminal.ErrRateLimited):
		body.Code = "rate_limited"
		return http.StatusTooManyRequests, body
	case errors.Is(err, sshterminal.ErrTimeout):
		body.Code = "timeout"
		return http.StatusGatewayTimeout, body
	case errors.As(err, &exitErr):
		body.Code = "remote_command"
		return http.StatusBadGateway, body
	case errors.As(err, &te):
		body.Code = "transport"
		body.Category = te.Category
		body.Error = te.Category.Message()
		return http.StatusBadGateway, body
	}
	return http.StatusInternalServerError, body
}

func writeError(w http.ResponseWriter, err error) {
	status, body := classifyError(err)
	writeJSON(w, status, body)
}

func writeBadRequest(w http.ResponseWriter, detail string) {
	writeJSON(w, http.StatusBadRequest, apiError{Code: "validation", Error: detail})
}

// decodeBody decodes a JSON request body into v. An empty body leaves v
// untouched.
func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func jsonUnmarshal(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}
