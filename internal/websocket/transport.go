package websocket

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/satriahrh/arunika/voiceagent/domain"
	"github.com/satriahrh/arunika/voiceagent/domain/repositories"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 4 * 1024 * 1024 // synthesized audio chunks arrive as base64 text

	// Time allowed for the opening handshake.
	handshakeTimeout = 10 * time.Second

	sendBufferSize    = 256
	inboundBufferSize = 256
)

// ErrTransportClosed is returned by Send after the connection has ended
var ErrTransportClosed = errors.New("transport closed")

// ErrSendBufferFull is returned by Send when the write pump cannot keep up
var ErrSendBufferFull = errors.New("transport send buffer full")

// Dialer opens client connections to the speech pipeline
type Dialer struct {
	dialer *websocket.Dialer
	logger *zap.Logger
}

// NewDialer creates a gorilla backed Dialer
func NewDialer(logger *zap.Logger) *Dialer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dialer{
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
		},
		logger: logger,
	}
}

// Dial implements repositories.Dialer. Failures are returned as *domain.TransportError.
func (d *Dialer) Dial(ctx context.Context, url string, header http.Header) (repositories.Transport, error) {
	conn, resp, err := d.dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			d.logger.Warn("WebSocket handshake rejected", zap.String("url", url), zap.Int("status", resp.StatusCode))
		}
		return nil, &domain.TransportError{Op: "dial", URL: url, Err: err}
	}

	c := &Conn{
		conn:    conn,
		send:    make(chan []byte, sendBufferSize),
		inbound: make(chan []byte, inboundBufferSize),
		done:    make(chan struct{}),
		logger:  d.logger.With(zap.String("url", url)),
	}

	go c.writePump()
	go c.readPump()

	d.logger.Info("WebSocket connected", zap.String("url", url))
	return c, nil
}

// Conn is a client connection with one reader and one writer goroutine
type Conn struct {
	conn    *websocket.Conn
	send    chan []byte
	inbound chan []byte
	done    chan struct{}
	logger  *zap.Logger

	closeOnce sync.Once
	mu        sync.Mutex
	err       error
}

// Send queues a text message. It never blocks.
func (c *Conn) Send(payload []byte) error {
	select {
	case <-c.done:
		return ErrTransportClosed
	default:
	}

	select {
	case c.send <- payload:
		return nil
	case <-c.done:
		return ErrTransportClosed
	default:
		return ErrSendBufferFull
	}
}

// Inbound yields received text messages in arrival order
func (c *Conn) Inbound() <-chan []byte {
	return c.inbound
}

// Err returns why the connection ended; nil for a local or normal close
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close closes the connection; safe to call more than once
func (c *Conn) Close() error {
	c.shutdown(nil)
	return nil
}

func (c *Conn) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = cause
		c.mu.Unlock()
		close(c.done)
	})
}

// readPump pumps messages from the websocket connection to Inbound.
func (c *Conn) readPump() {
	defer func() {
		close(c.inbound)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				// closed locally
			default:
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					c.shutdown(nil)
				} else {
					c.logger.Error("WebSocket error", zap.Error(err))
					c.shutdown(&domain.TransportError{Op: "read", Err: err})
				}
			}
			return
		}

		if messageType != websocket.TextMessage {
			c.logger.Warn("Received unknown message type", zap.Int("type", messageType))
			continue
		}

		select {
		case c.inbound <- message:
		case <-c.done:
			return
		}
	}
}

// writePump pumps queued messages to the websocket connection.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Error("Failed to write message", zap.Error(err))
				c.shutdown(&domain.TransportError{Op: "write", Err: err})
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown(&domain.TransportError{Op: "ping", Err: err})
				return
			}

		case <-c.done:
			c.drain()
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// drain flushes messages queued before Close, such as a final stop
func (c *Conn) drain() {
	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		default:
			return
		}
	}
}
