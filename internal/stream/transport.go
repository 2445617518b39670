package stream

import (
	"context"
	"net/http"
)

// ProtocolVersion is sent with every request in the ProtocolHeader header.
const (
	ProtocolHeader  = "X-Stream-Protocol"
	ProtocolVersion = "1"
)

// Turn is one prior message sent as history.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request opens a model stream.
type Request struct {
	History        []Turn `json:"history"`
	CurrentMessage string `json:"current_message"`
}

// Stream yields the events of one turn.
type Stream interface {
	// Recv blocks until the next event. After an EndEvent it returns io.EOF;
	// a connection that ends without one returns ErrUnexpectedEOF.
	Recv() (Event, error)
	// Close tears down the connection and unblocks a pending Recv.
	Close() error
}

// Transport opens streams to the model endpoint.
type Transport interface {
	Open(ctx context.Context, req *Request) (Stream, error)
}

func setHeaders(h http.Header, apiKey string) {
	h.Set(ProtocolHeader, ProtocolVersion)
	if apiKey != "" {
		h.Set("Authorization", "Bearer "+apiKey)
	}
}
