// Package tts streams synthesized speech from a text-to-speech backend.
package tts

import (
	"context"
	"fmt"
	"sync"
)

// Client opens a lazy audio stream for text.
type Client interface {
	Stream(ctx context.Context, text string) (*AudioStream, error)
}

// APIError is a non-2xx answer from the synthesis backend.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("synthesis API returned status %d: %s", e.Status, e.Body)
}

// StatusCode returns the HTTP status of the failed call.
func (e *APIError) StatusCode() int {
	return e.Status
}

// AudioStream delivers audio chunks in arrival order. Chunks is closed when
// the producer stops; Err then reports why.
type AudioStream struct {
	chunks chan []byte
	done   chan struct{}
	cancel context.CancelFunc

	mu  sync.Mutex
	err error
}

// NewAudioStream creates a stream whose producer observes ctx. The returned
// context is cancelled by Close.
func NewAudioStream(ctx context.Context) (*AudioStream, context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	return &AudioStream{
		chunks: make(chan []byte, 16),
		done:   make(chan struct{}),
		cancel: cancel,
	}, ctx
}

// Chunks returns the channel of audio chunks.
func (s *AudioStream) Chunks() <-chan []byte {
	return s.chunks
}

// Err blocks until the producer has finished and returns its error.
func (s *AudioStream) Err() error {
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close stops the producer and waits for it to exit.
func (s *AudioStream) Close() error {
	s.cancel()
	for range s.chunks {
	}
	<-s.done
	return nil
}

// Send hands one chunk to the consumer. It returns false once ctx is done.
func (s *AudioStream) Send(ctx context.Context, chunk []byte) bool {
	select {
	case s.chunks <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

// Finish records err and ends the stream. Producers call it exactly once.
func (s *AudioStream) Finish(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	close(s.chunks)
	close(s.done)
	s.cancel()
}
