// Package queue defines the request/response transport between the
// request-client façade and the gateway worker.
package queue

import (
	"context"
	"encoding/json"
	"time"
)

// Request is one queued operation envelope. Payload shape depends on Action.
type Request struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	BrokerID  string          `json:"broker_id"`
	Action    string          `json:"action"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	ReplyTo   string          `json:"reply_to"`
	CreatedAt time.Time       `json:"created_at"`
}

// Response answers exactly one Request, matched by RequestID.
type Response struct {
	RequestID string          `json:"request_id"`
	OK        bool            `json:"ok"`
	ErrorKind string          `json:"error_kind,omitempty"`
	Error     string          `json:"error,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Transport moves requests to the worker and responses back. Responses are
// addressed by the ReplyTo channel the requester chose and expire after the
// transport's TTL if never consumed.
type Transport interface {
	// PublishRequest enqueues a request for the worker pool.
	PublishRequest(ctx context.Context, req Request) error
	// Requests returns the worker-side stream. The channel closes when ctx
	// is cancelled.
	Requests(ctx context.Context) (<-chan Request, error)
	// PublishResponse delivers a response to the requester's reply channel.
	PublishResponse(ctx context.Context, replyTo string, res Response) error
	// Responses returns the requester-side stream for one reply channel.
	Responses(ctx context.Context, replyTo string) (<-chan Response, error)

	Close() error
}
