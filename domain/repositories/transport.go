package repositories

import (
	"context"
	"net/http"

	"github.com/satriahrh/arunika/voiceagent/domain/entities"
)

// Dialer opens a transport to the speech pipeline
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Transport, error)
}

// Transport is a bidirectional, ordered, message oriented connection
type Transport interface {
	// Send queues one text message for writing
	Send(payload []byte) error
	// Inbound yields received text messages in arrival order.
	// The channel is closed when the connection ends.
	Inbound() <-chan []byte
	// Err returns the reason the connection ended, nil on a clean close
	Err() error
	// Close closes the connection. It is safe to call more than once.
	Close() error
}

// EventSink receives session events for collaborators to render
type EventSink interface {
	Publish(event entities.Event)
}
