package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrTransientNetwork marks failures below HTTP: DNS, connection, TLS, body read.
	ErrTransientNetwork = errors.New("gateway: transient network failure")
	// ErrSessionExpired is terminal: the refresh path failed and the session was
	// cleared, or the session was cleared or replaced while the refresh was in flight.
	ErrSessionExpired = errors.New("gateway: session expired")
	// ErrValidation matches every 4xx other than 401.
	ErrValidation = errors.New("gateway: request rejected")
	// ErrForbidden matches 403. The caller lacks the scope; the session stays valid.
	ErrForbidden = errors.New("gateway: forbidden")
	// ErrUpstream matches every 5xx.
	ErrUpstream = errors.New("gateway: upstream failure")
)

// TransportError wraps a failure to exchange a request with the server.
type TransportError struct {
	Method string
	Path   string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Method, e.Path, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Is reports ErrTransientNetwork as a match.
func (e *TransportError) Is(target error) bool { return target == ErrTransientNetwork }

// StatusError is a non-2xx response the gateway did not recover from.
type StatusError struct {
	Status  int
	Detail  string
	Payload json.RawMessage
}

func (e *StatusError) Error() string { return e.Detail }

// Is classifies the status against the sentinel errors.
func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrValidation:
		return e.Status >= 400 && e.Status < 500 && e.Status != http.StatusUnauthorized
	case ErrForbidden:
		return e.Status == http.StatusForbidden
	case ErrUpstream:
		return e.Status >= 500
	}
	return false
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status
	}
	return 0
}

func newStatusError(resp *Response) *StatusError {
	se := &StatusError{Status: resp.Status, Detail: fmt.Sprintf("request failed (%d)", resp.Status)}
	body := strings.TrimSpace(string(resp.Body))
	if body == "" {
		return se
	}
	var envelope struct {
		Detail json.RawMessage `json:"detail"`
	}
	if json.Valid(resp.Body) {
		se.Payload = append(json.RawMessage(nil), resp.Body...)
		if err := json.Unmarshal(resp.Body, &envelope); err == nil {
			if detail := detailText(envelope.Detail); detail != "" {
				se.Detail = detail
			}
		}
		return se
	}
	se.Detail = body
	return se
}

// detailText renders the API's detail field: a string, or a list of
// validation entries whose msg fields are joined with "; ".
func detailText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return ""
	}
	parts := make([]string, 0, len(items))
	for _, item := range items {
		var entry struct {
			Msg *string `json:"msg"`
		}
		if err := json.Unmarshal(item, &entry); err == nil && entry.Msg != nil {
			parts = append(parts, *entry.Msg)
			continue
		}
		parts = append(parts, string(item))
	}
	return strings.Join(parts, "; ")
}
