package stream

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/felipepmaragno/gemini-gateway/internal/domain"
)

// SSEWriter writes client events as "data: ..." frames. Headers are sent
// with the first frame so that earlier failures can still be answered with a
// plain JSON error.
type SSEWriter struct {
	w         http.ResponseWriter
	flusher   http.Flusher
	requestID string
	started   bool
	done      bool
}

func NewSSEWriter(w http.ResponseWriter, requestID string) *SSEWriter {
	flusher, _ := w.(http.Flusher)
	return &SSEWriter{w: w, flusher: flusher, requestID: requestID}
}

// Started reports whether any bytes have been written.
func (s *SSEWriter) Started() bool { return s.started }

func (s *SSEWriter) Chunk(chunk *domain.StreamChunk) error {
	data, err := json.Marshal(chunk)
	if err != nil {
		return fmt.Errorf("marshal chunk: %w", err)
	}
	return s.frame(data)
}

// Fail writes an in-band error frame followed by the terminal marker.
func (s *SSEWriter) Fail(apiErr domain.APIError) error {
	if s.done {
		return nil
	}
	data, err := json.Marshal(domain.ErrorResponse{Error: apiErr})
	if err != nil {
		return fmt.Errorf("marshal error: %w", err)
	}
	if err := s.frame(data); err != nil {
		return err
	}
	return s.Done()
}

func (s *SSEWriter) Done() error {
	if s.done {
		return nil
	}
	s.done = true
	return s.frame([]byte("[DONE]"))
}

func (s *SSEWriter) frame(data []byte) error {
	if !s.started {
		s.started = true
		h := s.w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		if s.requestID != "" {
			h.Set("X-Request-ID", s.requestID)
		}
		s.w.WriteHeader(http.StatusOK)
	}

	buf := make([]byte, 0, len(data)+8)
	buf = append(buf, "data: "...)
	buf = append(buf, data...)
	buf = append(buf, "\n\n"...)
	if _, err := s.w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}
