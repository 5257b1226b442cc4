package hook

import (
	"strings"

	"rcptprobe/internal/engine"
)

// RcptRequest is the body of POST /v1/rcpt.
type RcptRequest struct {
	Recipient string `json:"recipient"`
	// Sender is the envelope sender of the inbound transaction. Probes
	// announce it in MAIL FROM; empty falls back to the configured sender.
	Sender string `json:"sender,omitempty"`
	// Transaction is false when the host has no active mail transaction.
	Transaction *bool `json:"transaction,omitempty"`
}

func (r RcptRequest) hasTransaction() bool {
	return r.Transaction == nil || *r.Transaction
}

// sender returns the envelope sender without angle brackets.
func (r RcptRequest) sender() string {
	return strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(r.Sender), "<"), ">")
}

func (r RcptRequest) validate() string {
	if strings.TrimSpace(r.Recipient) == "" {
		return "recipient is required"
	}
	return ""
}

// RcptResponse is the decision handed back to the host.
type RcptResponse struct {
	ID       string            `json:"id"`
	Code     int               `json:"code"`
	Action   string            `json:"action"`
	Message  string            `json:"message,omitempty"`
	Source   string            `json:"source"`
	Reason   string            `json:"reason,omitempty"`
	Relaying bool              `json:"relaying"`
	Notes    map[string]string `json:"notes,omitempty"`
	Results  []engine.Result   `json:"results,omitempty"`
}

// RouteResponse is the body of a GET /v1/mx/{domain} answer.
type RouteResponse struct {
	Route string `json:"route"`
}

// HealthResponse reports readiness of the routes table and the cache.
type HealthResponse struct {
	Status string `json:"status"`
	Routes int    `json:"routes"`
	Cache  bool   `json:"cache"`
}

type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}
