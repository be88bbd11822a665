// Package wire provides the duplex message channel the protocol engine
// speaks over.
//
// A Channel carries whole messages in both directions; framing, TLS and the
// websocket upgrade are handled here so the connection layer above deals
// only in messages. The package reports plain transport errors — mapping
// them into the exalink error taxonomy is the caller's job.
package wire

import "context"

// Channel is a duplex, message-oriented link to the server.
//
// A Channel is exclusively owned by one connection and is not safe for
// concurrent use; the owning connection serializes access.
type Channel interface {
	// Send transmits one message. It honors the context deadline.
	Send(ctx context.Context, msg []byte) error

	// Receive blocks until the next message arrives, the context is done,
	// or the channel fails.
	Receive(ctx context.Context) ([]byte, error)

	// EnableCompression switches the channel to compressed frames for all
	// following messages. Called once, after compression is negotiated at
	// login.
	EnableCompression()

	// Close tears the channel down. Safe to call more than once.
	Close() error
}
