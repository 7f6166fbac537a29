// Package toast carries transient, non-blocking notifications from the cart
// layer to whatever surface displays them.
package toast

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
)

// Kind selects the toast styling.
type Kind string

const (
	KindSuccess Kind = "success"
	KindError   Kind = "error"
	KindWarning Kind = "warning"
)

const maxMessageLength = 280

var strict = bluemonday.StrictPolicy()

// Toast is a single notification.
type Toast struct {
	Kind    Kind   `json:"type"`
	Message string `json:"message"`
}

// Notifier receives toasts.
type Notifier interface {
	Notify(Toast)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Toast)

// Notify calls f.
func (f NotifierFunc) Notify(t Toast) { f(t) }

// Discard drops every toast.
var Discard Notifier = NotifierFunc(func(Toast) {})

// New builds a toast, stripping markup from message. Server supplied error
// strings flow through here, so nothing reaching the browser can carry tags.
func New(kind Kind, message string) Toast {
	if kind == "" {
		kind = KindSuccess
	}
	clean := html.UnescapeString(strict.Sanitize(message))
	clean = strings.TrimSpace(clean)
	if r := []rune(clean); len(r) > maxMessageLength {
		clean = string(r[:maxMessageLength])
	}
	return Toast{Kind: kind, Message: clean}
}

// Success builds a success toast.
func Success(message string) Toast { return New(KindSuccess, message) }

// Error builds an error toast.
func Error(message string) Toast { return New(KindError, message) }

// Warning builds a warning toast.
func Warning(message string) Toast { return New(KindWarning, message) }

// Queue buffers toasts until a response drains them.
type Queue struct {
	mu    sync.Mutex
	items []Toast
}

// Notify appends t.
func (q *Queue) Notify(t Toast) {
	q.mu.Lock()
	q.items = append(q.items, t)
	q.mu.Unlock()
}

// Drain returns and clears the buffered toasts in arrival order.
func (q *Queue) Drain() []Toast {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

// HXTrigger encodes toasts (and optional bare events) as an HX-Trigger header
// value. Returns "" when there is nothing to trigger.
func HXTrigger(toasts []Toast, events ...string) (string, error) {
	if len(toasts) == 0 && len(events) == 0 {
		return "", nil
	}
	payload := make(map[string]any, len(events)+1)
	if len(toasts) > 0 {
		payload["toast"] = toasts
	}
	for _, ev := range events {
		if ev = strings.TrimSpace(ev); ev != "" {
			payload[ev] = true
		}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
