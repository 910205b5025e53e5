package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lexiqai/david-relay/internal/resilience"
)

func newTestClient(url string) *ElevenLabsClient {
	return NewElevenLabsClient(ElevenLabsConfig{
		APIKey:       "xi-test",
		BaseURL:      url,
		VoiceID:      "David1.0",
		ModelID:      "eleven_multilingual_v2",
		OutputFormat: "mp3_44100_128",
	})
}

func collect(t *testing.T, s *AudioStream) []byte {
	t.Helper()
	var out []byte
	for chunk := range s.Chunks() {
		out = append(out, chunk...)
	}
	return out
}

func TestElevenLabsClient_Stream(t *testing.T) {
	audio := bytes.Repeat([]byte{0xFF, 0xFB, 0x90}, 5000)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method %s", r.Method)
		}
		if r.URL.Path != "/v1/text-to-speech/David1.0/stream" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if f := r.URL.Query().Get("output_format"); f != "mp3_44100_128" {
			t.Errorf("unexpected output_format %q", f)
		}
		if key := r.Header.Get("xi-api-key"); key != "xi-test" {
			t.Errorf("unexpected xi-api-key %q", key)
		}
		var body elevenLabsRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body.Text != "Hello." || body.ModelID != "eleven_multilingual_v2" {
			t.Errorf("unexpected body %+v", body)
		}
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write(audio)
	}))
	defer srv.Close()

	stream, err := newTestClient(srv.URL).Stream(context.Background(), "Hello.")
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	got := collect(t, stream)
	if err := stream.Err(); err != nil {
		t.Fatalf("stream error: %v", err)
	}
	if !bytes.Equal(got, audio) {
		t.Errorf("Expected %d audio bytes, got %d", len(audio), len(got))
	}
}

func TestElevenLabsClient_ForwardsChunksAsTheyArrive(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("first"))
		w.(http.Flusher).Flush()
		<-release
		_, _ = w.Write([]byte("second"))
	}))
	defer srv.Close()

	stream, err := newTestClient(srv.URL).Stream(context.Background(), "x")
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	select {
	case chunk := <-stream.Chunks():
		if string(chunk) != "first" {
			t.Errorf("Expected first chunk, got %q", chunk)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("first chunk not delivered before the response completed")
	}

	close(release)
	if rest := collect(t, stream); string(rest) != "second" {
		t.Errorf("Expected second chunk, got %q", rest)
	}
	if err := stream.Err(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestElevenLabsClient_APIError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, `{"detail":"invalid api key"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := newTestClient(srv.URL)
	client.cfg.Retry = &resilience.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, BackoffMultiplier: 1}

	_, err := client.Stream(context.Background(), "x")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Expected *APIError, got %v", err)
	}
	if apiErr.StatusCode() != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", apiErr.StatusCode())
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("Expected no retries for 401, got %d calls", n)
	}
}

func TestElevenLabsClient_RetriesBeforeFirstByte(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte("audio"))
	}))
	defer srv.Close()

	client := newTestClient(srv.URL)
	client.cfg.Retry = &resilience.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, BackoffMultiplier: 1}

	stream, err := client.Stream(context.Background(), "x")
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if got := collect(t, stream); string(got) != "audio" {
		t.Errorf("unexpected audio %q", got)
	}
	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Errorf("Expected 2 calls, got %d", n)
	}
}

func TestElevenLabsClient_MidStreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1000")
		_, _ = w.Write([]byte("partial"))
	}))
	defer srv.Close()

	stream, err := newTestClient(srv.URL).Stream(context.Background(), "x")
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if got := collect(t, stream); string(got) != "partial" {
		t.Errorf("unexpected audio %q", got)
	}
	if err := stream.Err(); err == nil {
		t.Error("expected error for truncated stream")
	}
}

func TestAudioStream_CloseStopsProducer(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("first"))
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	stream, err := newTestClient(srv.URL).Stream(context.Background(), "x")
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	<-stream.Chunks()

	done := make(chan struct{})
	go func() {
		_ = stream.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not stop the producer")
	}
	if err := stream.Err(); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestElevenLabsClient_MissingKey(t *testing.T) {
	client := NewElevenLabsClient(ElevenLabsConfig{})
	if _, err := client.Stream(context.Background(), "x"); err == nil {
		t.Error("expected error without API key")
	}
}
