// Package plugin implements the two synchronous decision points the HTTP
// Ingress invokes around every proxied request: on_request and on_response.
// The plugin registry itself (discovery, instance lifecycle) is external;
// this package only owns invocation order and the Action contract.
package plugin

import (
	"context"
	"net/http"
)

// Action is what a hook decided to do with the request or response it saw.
type Action int

const (
	// ActionContinue lets the request/response proceed unmodified.
	ActionContinue Action = iota
	// ActionShortCircuit answers the public client directly, skipping
	// the upstream round trip entirely (only meaningful from on_request).
	ActionShortCircuit
	// ActionReject answers the public client with an error status,
	// skipping the upstream round trip.
	ActionReject
)

// RequestHead is the request metadata on_request may inspect. Deliberately
// excludes the body: a hook that wants to change request handling based on
// body contents would force the ingress to buffer it, defeating the
// streamed, bounded-memory design (spec §4.10).
type RequestHead struct {
	Method     string
	Path       string
	Header     http.Header
	RemoteAddr string
}

// ResponseHead is the response metadata on_response may inspect.
type ResponseHead struct {
	StatusCode int
	Header     http.Header
}

// Decision is a hook's verdict. StatusCode/Header/Body are only meaningful
// when Action is ShortCircuit or Reject.
type Decision struct {
	Action     Action
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Continue is the default, no-op decision.
func Continue() Decision { return Decision{Action: ActionContinue} }

// ShortCircuit answers the public client with statusCode/header/body
// instead of proxying to the upstream.
func ShortCircuit(statusCode int, header http.Header, body []byte) Decision {
	return Decision{Action: ActionShortCircuit, StatusCode: statusCode, Header: header, Body: body}
}

// Reject answers the public client with a bare error status and body.
func Reject(statusCode int, body []byte) Decision {
	return Decision{Action: ActionReject, StatusCode: statusCode, Body: body}
}

// RequestHook is invoked for every proxied request before a stream is
// opened to the tunnel client.
type RequestHook interface {
	OnRequest(ctx context.Context, head *RequestHead) (Decision, error)
}

// ResponseHook is invoked for every response the ingress receives back
// from a tunnel client, before it's written to the public socket.
type ResponseHook interface {
	OnResponse(ctx context.Context, head *ResponseHead) (Decision, error)
}

// RequestHookFunc adapts a plain function to a RequestHook.
type RequestHookFunc func(ctx context.Context, head *RequestHead) (Decision, error)

func (f RequestHookFunc) OnRequest(ctx context.Context, head *RequestHead) (Decision, error) {
	return f(ctx, head)
}

// ResponseHookFunc adapts a plain function to a ResponseHook.
type ResponseHookFunc func(ctx context.Context, head *ResponseHead) (Decision, error)

func (f ResponseHookFunc) OnResponse(ctx context.Context, head *ResponseHead) (Decision, error) {
	return f(ctx, head)
}

// Hooks holds the registered request/response hooks and invokes them in a
// deterministic order: registration order, first non-Continue wins.
type Hooks struct {
	requestHooks  []RequestHook
	responseHooks []ResponseHook
}

// New creates an empty Hooks set.
func New() *Hooks {
	return &Hooks{}
}

// AddRequestHook appends a request hook, to run after every hook added
// before it.
func (h *Hooks) AddRequestHook(hook RequestHook) {
	h.requestHooks = append(h.requestHooks, hook)
}

// AddResponseHook appends a response hook, to run after every hook added
// before it.
func (h *Hooks) AddResponseHook(hook ResponseHook) {
	h.responseHooks = append(h.responseHooks, hook)
}

// RunRequest invokes every registered request hook in order, stopping at
// the first one that returns other than ActionContinue.
func (h *Hooks) RunRequest(ctx context.Context, head *RequestHead) (Decision, error) {
	for _, hook := range h.requestHooks {
		decision, err := hook.OnRequest(ctx, head)
		if err != nil {
			return Decision{}, err
		}
		if decision.Action != ActionContinue {
			return decision, nil
		}
	}
	return Continue(), nil
}

// RunResponse invokes every registered response hook in order, stopping at
// the first one that returns other than ActionContinue.
func (h *Hooks) RunResponse(ctx context.Context, head *ResponseHead) (Decision, error) {
	for _, hook := range h.responseHooks {
		decision, err := hook.OnResponse(ctx, head)
		if err != nil {
			return Decision{}, err
		}
		if decision.Action != ActionContinue {
			return decision, nil
		}
	}
	return Continue(), nil
}
