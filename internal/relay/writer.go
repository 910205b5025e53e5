package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var errWriterClosed = errors.New("outbound writer closed")

type outboundFrame struct {
	messageType int
	data        []byte
	result      chan error
}

// outboundWriter owns every write to the connection. gorilla/websocket
// allows a single concurrent writer, so pings share the same goroutine.
type outboundWriter struct {
	conn         Conn
	pingInterval time.Duration
	writeTimeout time.Duration

	frames   chan outboundFrame
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func newOutboundWriter(conn Conn, pingInterval, writeTimeout time.Duration) *outboundWriter {
	if pingInterval <= 0 {
		pingInterval = 20 * time.Second
	}
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &outboundWriter{
		conn:         conn,
		pingInterval: pingInterval,
		writeTimeout: writeTimeout,
		frames:       make(chan outboundFrame),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

func (w *outboundWriter) run() {
	defer close(w.done)

	ticker := time.NewTicker(w.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case f := <-w.frames:
			err := w.write(f)
			f.result <- err
			if err != nil || f.messageType == websocket.CloseMessage {
				return
			}
		case <-ticker.C:
			if err := w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(w.writeTimeout)); err != nil {
				return
			}
		}
	}
}

func (w *outboundWriter) write(f outboundFrame) error {
	deadline := time.Now().Add(w.writeTimeout)
	if f.messageType == websocket.CloseMessage {
		return w.conn.WriteControl(websocket.CloseMessage, f.data, deadline)
	}
	if err := w.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return w.conn.WriteMessage(f.messageType, f.data)
}

// send queues one frame and waits until it has been written. Write
// failures mean the peer is gone.
func (w *outboundWriter) send(ctx context.Context, messageType int, data []byte) error {
	f := outboundFrame{messageType: messageType, data: data, result: make(chan error, 1)}

	select {
	case w.frames <- f:
	case <-w.done:
		return fmt.Errorf("%w: %w", errDisconnected, errWriterClosed)
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := <-f.result; err != nil {
		return fmt.Errorf("%w: %w", errDisconnected, err)
	}
	return nil
}

func (w *outboundWriter) sendText(ctx context.Context, text string) error {
	return w.send(ctx, websocket.TextMessage, []byte(text))
}

// closeWith writes a close frame and stops the writer.
func (w *outboundWriter) closeWith(code int, reason string) error {
	return w.send(context.Background(), websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
}

// shutdown stops the writer and waits for it to exit.
func (w *outboundWriter) shutdown() {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.done
}
