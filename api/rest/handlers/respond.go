package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"

	"observatory-jobs/core/apperr"
	"observatory-jobs/core/models"
	"observatory-jobs/logging"
)

// Identity headers set by the upstream authorizer.
const (
	HeaderUserID    = "X-User-Id"
	HeaderUserName  = "X-User-Name"
	HeaderUserRoles = "X-User-Roles"
)

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Error     string `json:"error"`
	Field     string `json:"field,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// writeError maps an engine error onto a status code. Storage and upstream
// details are logged, never returned.
func writeError(w http.ResponseWriter, r *http.Request, logger logging.Logger, err error) {
	status := http.StatusInternalServerError
	resp := ErrorResponse{Error: "Internal error."}

	var ae *apperr.Error
	if errors.As(err, &ae) {
		resp.Error = ae.UserMessage()
		resp.Field = ae.Field
		resp.Retryable = ae.Retryable()
	}
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		status = http.StatusBadRequest
	case apperr.KindAuthorization:
		status = http.StatusForbidden
	case apperr.KindNotFound:
		status = http.StatusNotFound
	case apperr.KindStorage, apperr.KindUpstream:
		status = http.StatusServiceUnavailable
		resp.Error = "Temporary failure, please try again."
		resp.Retryable = true
	}
	if status >= 500 {
		logger.Error(r.Context(), "request failed", "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, resp)
}

func decodeBody(r *http.Request, into any) error {
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(into); err != nil {
		return apperr.Validation("", "Invalid request body")
	}
	return nil
}

// identityFrom reads the caller from the authorizer headers. Roles may be a
// comma separated list or a JSON array.
func identityFrom(r *http.Request) models.Identity {
	id := models.Identity{
		UserID:   strings.TrimSpace(r.Header.Get(HeaderUserID)),
		UserName: strings.TrimSpace(r.Header.Get(HeaderUserName)),
	}
	raw := strings.TrimSpace(r.Header.Get(HeaderUserRoles))
	if raw == "" {
		return id
	}
	if strings.HasPrefix(raw, "[") {
		var roles []string
		if json.Unmarshal([]byte(raw), &roles) == nil {
			id.UserRoles = roles
			return id
		}
	}
	for _, role := range strings.Split(raw, ",") {
		if role = strings.TrimSpace(role); role != "" {
			id.UserRoles = append(id.UserRoles, role)
		}
	}
	return id
}

// intField parses a number that clients send either as a JSON number or as a
// numeric string. Absent or null gives nil.
func intField(name string, raw json.RawMessage) (*int64, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return nil, nil
	}
	if unq, err := strconv.Unquote(s); err == nil {
		s = strings.TrimSpace(unq)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return nil, apperr.Validation(name, fmt.Sprintf("%s must be a whole number", name))
	}
	if f >= math.MaxInt64 || f < math.MinInt64 {
		return nil, apperr.Validation(name, fmt.Sprintf("%s is out of range", name))
	}
	v := int64(f)
	return &v, nil
}

// params converts decoded json.Number values back to plain numbers.
func params(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = plainNumbers(v)
	}
	return out
}

func plainNumbers(v any) any {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		f, _ := x.Float64()
		return f
	case map[string]any:
		return params(x)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = plainNumbers(e)
		}
		return out
	default:
		return v
	}
}
