// Package relay runs one authenticated conversation per WebSocket
// connection.
package relay

import (
	"context"
	"errors"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lexiqai/david-relay/internal/llm"
	"github.com/lexiqai/david-relay/internal/resilience"
	"github.com/lexiqai/david-relay/internal/tts"
)

// Text frames exchanged with the client.
const (
	PasswordAccepted = "Password correct! Welcome back"
	TokenPrompt      = "Enter your token: "
	Banner           = "Oh, someone is here... I will wait for them to say something 🤖"
	EndOfAudio       = "--END-AUDIO--"
)

// Close reasons sent with the final close frame.
const (
	reasonWrongPassword = "Wrong password, try again later"
	reasonNoToken       = "Token not received"
	reasonUpstream      = "Upstream service unavailable"
	reasonInternal      = "Internal server error"
	reasonShutdown      = "Server shutting down"
)

var (
	// ErrWrongCredentials ends a session whose first message is not the
	// shared password.
	ErrWrongCredentials = errors.New("wrong shared password")
	// ErrTokenNotReceived ends a session that never supplied a token.
	ErrTokenNotReceived = errors.New("token not received")

	errDisconnected = errors.New("client disconnected")
)

// Conn is the subset of *websocket.Conn a session uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	Close() error
}

// closeFrame maps the error that ended a session to the close code and
// reason sent to the client. ok is false when the peer is already gone.
func closeFrame(err error) (code int, reason string, ok bool) {
	switch {
	case err == nil, errors.Is(err, errDisconnected):
		return 0, "", false
	case errors.Is(err, ErrWrongCredentials):
		return websocket.CloseNormalClosure, reasonWrongPassword, true
	case errors.Is(err, ErrTokenNotReceived):
		return websocket.ClosePolicyViolation, reasonNoToken, true
	case errors.Is(err, context.Canceled):
		return websocket.CloseGoingAway, reasonShutdown, true
	case isUpstreamError(err):
		return websocket.CloseInternalServerErr, reasonUpstream, true
	default:
		return websocket.CloseInternalServerErr, reasonInternal, true
	}
}

func isUpstreamError(err error) bool {
	var llmErr *llm.APIError
	var ttsErr *tts.APIError
	return errors.As(err, &llmErr) ||
		errors.As(err, &ttsErr) ||
		errors.Is(err, llm.ErrEmptyCompletion) ||
		errors.Is(err, resilience.ErrCircuitOpen)
}

// errorType labels err for the errors metric.
func errorType(err error) string {
	switch {
	case errors.Is(err, context.Canceled):
		return "shutdown"
	case isUpstreamError(err):
		return "upstream"
	default:
		return "internal"
	}
}
