package gateway

import (
	"iter"
	"strings"

	"github.com/m2tx/portfolio_lab/internal/model"
	"google.golang.org/genai"
)

// Stream is a lazy, finite, forward-only sequence of response chunks.
// Each call to Next pulls one chunk from the provider; nothing is read
// ahead. A Stream cannot be restarted and is not safe for concurrent use.
type Stream struct {
	next  func() (*genai.GenerateContentResponse, error, bool)
	stop  func()
	chunk *model.Response
	err   error
	done  bool
}

// NewStream wraps a provider response sequence. The sequence is not started
// until the first call to Next.
func NewStream(seq iter.Seq2[*genai.GenerateContentResponse, error]) *Stream {
	next, stop := iter.Pull2(seq)
	return &Stream{next: next, stop: stop}
}

// Next advances to the following chunk. It returns false once the stream is
// exhausted, has failed, or was closed.
func (s *Stream) Next() bool {
	if s.done {
		return false
	}

	resp, err, ok := s.next()
	if !ok {
		s.finish()
		return false
	}
	if err != nil {
		s.err = err
		s.finish()
		return false
	}

	s.chunk = toModelResponse(resp)
	return true
}

// Chunk returns the chunk read by the last successful Next.
func (s *Stream) Chunk() *model.Response {
	return s.chunk
}

// Err returns the provider error that ended the stream, if any.
func (s *Stream) Err() error {
	return s.err
}

// Close abandons the stream and releases the underlying request.
func (s *Stream) Close() {
	if s.done {
		return
	}
	s.finish()
}

func (s *Stream) finish() {
	s.done = true
	s.chunk = nil
	s.stop()
}

// Collect drains the stream and returns the concatenated visible text.
func (s *Stream) Collect() (string, error) {
	defer s.Close()

	var sb strings.Builder
	for s.Next() {
		sb.WriteString(s.Chunk().Text())
	}
	return sb.String(), s.Err()
}
