package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/david-relay/internal/observability"
	"github.com/lexiqai/david-relay/internal/persona"
	"github.com/lexiqai/david-relay/internal/store"
	"github.com/lexiqai/david-relay/internal/tts"
)

// State is the phase of a session.
type State int

const (
	StateAwaitPassword State = iota
	StateAwaitToken
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAwaitPassword:
		return "await_password"
	case StateAwaitToken:
		return "await_token"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Responder produces the assistant's reply to one user message.
type Responder interface {
	Respond(ctx context.Context, userID, prompt string, voiceEnabled, audioAcknowledged bool) (string, error)
}

// Deps are the services shared by all sessions.
type Deps struct {
	Store        store.Store
	Conversation Responder
	Synthesizer  tts.Client
	Persona      persona.Persona

	PingInterval time.Duration
	WriteTimeout time.Duration
}

// Session is one client connection.
type Session struct {
	conn       Conn
	deps       Deps
	classifier *persona.Classifier
	writer     *outboundWriter
	queue      *inboundQueue
	readerDone chan struct{}

	state             State
	userID            string
	voiceEnabled      bool
	audioAcknowledged bool

	logger  zerolog.Logger
	metrics *observability.SessionMetrics
}

// NewSession creates a session for an upgraded connection.
func NewSession(conn Conn, deps Deps) *Session {
	return &Session{
		conn:       conn,
		deps:       deps,
		classifier: persona.NewClassifier(deps.Persona),
		writer:     newOutboundWriter(conn, deps.PingInterval, deps.WriteTimeout),
		queue:      newInboundQueue(),
		state:      StateAwaitPassword,
		logger:     observability.WithCorrelationID(""),
		metrics:    observability.NewSessionMetrics(),
	}
}

// Run drives the session until the client leaves or a fatal error occurs,
// then releases everything it started. A client disconnect returns nil.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.writer.run()

	err := s.run(ctx)
	s.close(err)
	cancel()

	if s.readerDone != nil {
		<-s.readerDone
	}
	s.metrics.RecordSessionEnd()

	if err == nil || errors.Is(err, errDisconnected) {
		s.logger.Info().Msg("Session ended")
		return nil
	}
	return err
}

func (s *Session) run(ctx context.Context) error {
	if err := s.authenticate(ctx); err != nil {
		return err
	}
	if err := s.resolveUser(ctx); err != nil {
		return err
	}

	s.transition(StateActive)
	s.readerDone = make(chan struct{})
	go s.readLoop()

	if err := s.writer.sendText(ctx, Banner); err != nil {
		return err
	}
	return s.loop(ctx)
}

func (s *Session) transition(next State) {
	s.logger.Debug().Str("from", s.state.String()).Str("to", next.String()).Msg("Session state change")
	s.state = next
}

// readText reads the next text frame directly from the connection. Only
// used before the reader goroutine starts. Cancelling ctx expires the read
// deadline.
func (s *Session) readText(ctx context.Context) (string, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = s.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", ctxErr
			}
			return "", fmt.Errorf("%w: %w", errDisconnected, err)
		}
		if mt == websocket.TextMessage {
			return string(data), nil
		}
		s.logger.Debug().Int("message_type", mt).Msg("Ignoring non-text frame")
	}
}

func (s *Session) authenticate(ctx context.Context) error {
	secret, err := s.deps.Store.SharedSecret(ctx)
	if err != nil {
		return fmt.Errorf("load shared password: %w", err)
	}

	candidate, err := s.readText(ctx)
	if err != nil {
		return err
	}
	if candidate != secret {
		s.logger.Warn().Msg("Wrong shared password")
		s.metrics.RecordRejected("wrong_credentials")
		return ErrWrongCredentials
	}

	if err := s.writer.sendText(ctx, PasswordAccepted); err != nil {
		return err
	}
	s.transition(StateAwaitToken)
	return nil
}

func (s *Session) resolveUser(ctx context.Context) error {
	if err := s.writer.sendText(ctx, TokenPrompt); err != nil {
		return err
	}

	token, err := s.readText(ctx)
	if err != nil && ctx.Err() != nil {
		return err
	}
	if err != nil || token == "" {
		s.metrics.RecordRejected("token_not_received")
		if err != nil {
			return fmt.Errorf("%w: %w", ErrTokenNotReceived, err)
		}
		return ErrTokenNotReceived
	}

	rec, created, err := s.deps.Store.ResolveToken(ctx, token)
	if err != nil {
		return fmt.Errorf("resolve token: %w", err)
	}
	s.userID = rec.UserID
	s.logger = s.logger.With().Str("user_id", rec.UserID).Logger()
	s.logger.Info().Bool("new_user", created).Int("history", len(rec.Conversation)).Msg("User resolved")
	return nil
}

// readLoop feeds the inbound queue until the connection fails or is
// closed by the session.
func (s *Session) readLoop() {
	defer close(s.readerDone)
	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				s.logger.Debug().Err(err).Msg("WebSocket read ended")
			}
			s.queue.close(fmt.Errorf("%w: %w", errDisconnected, err))
			return
		}
		if mt != websocket.TextMessage {
			s.logger.Debug().Int("message_type", mt).Msg("Ignoring non-text frame")
			continue
		}
		s.queue.push(string(data))
	}
}

func (s *Session) loop(ctx context.Context) error {
	for {
		msg, err := s.queue.pop(ctx)
		if err != nil {
			return err
		}
		if err := s.handle(ctx, msg); err != nil {
			return err
		}
	}
}

func (s *Session) handle(ctx context.Context, msg string) error {
	switch s.classifier.Classify(msg, s.voiceEnabled) {
	case persona.IntentActivateVoice:
		s.voiceEnabled = true
		s.metrics.RecordVoiceActivated()
		s.logger.Info().Msg("Voice mode enabled")
		return s.speak(ctx, s.deps.Persona.Greeting)
	case persona.IntentAcknowledge:
		if !s.audioAcknowledged {
			s.logger.Info().Msg("User acknowledged audio")
		}
		s.audioAcknowledged = true
	}

	reply, err := s.deps.Conversation.Respond(ctx, s.userID, msg, s.voiceEnabled, s.audioAcknowledged)
	if err != nil {
		return fmt.Errorf("respond: %w", err)
	}
	s.metrics.RecordTurn(s.voiceEnabled)

	if s.voiceEnabled {
		return s.speak(ctx, reply)
	}
	return s.writer.sendText(ctx, s.deps.Persona.ReplyPrefix+reply)
}

// speak streams synthesized audio for text as binary frames, then sends
// the end-of-audio marker. The marker is sent even when synthesis fails so
// the client stops waiting; the synthesis error is still returned.
func (s *Session) speak(ctx context.Context, text string) error {
	s.metrics.RecordTTSStart()

	synthErr := s.streamAudio(ctx, text)
	if errors.Is(synthErr, errDisconnected) {
		s.metrics.RecordTTSEnd(false)
		return synthErr
	}
	if err := s.writer.sendText(ctx, EndOfAudio); err != nil {
		s.metrics.RecordTTSEnd(false)
		return err
	}
	s.metrics.RecordTTSEnd(synthErr == nil)
	return synthErr
}

func (s *Session) streamAudio(ctx context.Context, text string) error {
	stream, err := s.deps.Synthesizer.Stream(ctx, text)
	if err != nil {
		return fmt.Errorf("start synthesis: %w", err)
	}
	defer stream.Close()

	for chunk := range stream.Chunks() {
		if err := s.writer.send(ctx, websocket.BinaryMessage, chunk); err != nil {
			return err
		}
		s.metrics.RecordTTSChunk(len(chunk))
	}
	if err := stream.Err(); err != nil {
		return fmt.Errorf("synthesis stream: %w", err)
	}
	return nil
}

// close sends the close frame for err, stops the writer and closes the
// socket, which also ends the reader.
func (s *Session) close(err error) {
	s.transition(StateClosed)

	if code, reason, ok := closeFrame(err); ok {
		if code == websocket.CloseInternalServerErr {
			s.logger.Error().Err(err).Int("close_code", code).Msg("Session failed")
			s.metrics.RecordError(errorType(err), "session")
		} else {
			s.logger.Info().Err(err).Int("close_code", code).Msg("Closing session")
		}
		if werr := s.writer.closeWith(code, reason); werr != nil {
			s.logger.Debug().Err(werr).Msg("Close frame not delivered")
		}
	}
	s.writer.shutdown()

	if cerr := s.conn.Close(); cerr != nil {
		s.logger.Debug().Err(cerr).Msg("Connection close error")
	}
}
