package cart

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrMalformedResponse indicates the cart API answered with a payload that
	// does not match the expected schema.
	ErrMalformedResponse = errors.New("cart: malformed response")
	// ErrLoginRequired is returned when checkout is attempted anonymously.
	ErrLoginRequired = errors.New("cart: login required")
	// ErrUnknownLine indicates a control referenced a line missing from the mirror.
	ErrUnknownLine = errors.New("cart: unknown line")
)

// ServerError is a logical failure reported by the API (success: false).
type ServerError struct {
	Op      string
	Status  int
	Message string
}

func (e *ServerError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "request rejected"
	}
	if e.Status != 0 {
		return fmt.Sprintf("cart: %s rejected (%d): %s", e.Op, e.Status, msg)
	}
	return fmt.Sprintf("cart: %s rejected: %s", e.Op, msg)
}

// ValidationError lists checkout form fields that failed client-side checks.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	fields := append([]string(nil), e.Fields...)
	sort.Strings(fields)
	return fmt.Sprintf("cart: invalid checkout form: %s", strings.Join(fields, ", "))
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedResponse, fmt.Sprintf(format, args...))
}
