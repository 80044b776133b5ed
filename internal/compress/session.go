// Package compress implements an incremental compression session with a
// push/flush contract: input is pushed in order, ready output is handed back
// after every push, and a single flush finalizes and closes the stream.
//
// A Session performs no I/O of its own. The encoder writes into a private
// buffer that is drained on every call, so memory stays proportional to the
// chunk size and the encoder's window, not to the stream length.
package compress

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

// ErrProtocolViolation is returned when a session is used after it was flushed
// or after it failed. It always indicates a caller bug.
var ErrProtocolViolation = errors.New("compressor protocol violation")

type sessionState int

const (
	stateOpen sessionState = iota
	stateClosed
	stateFailed
)

func (s sessionState) String() string {
	switch s {
	case stateOpen:
		return "open"
	case stateClosed:
		return "closed"
	case stateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Session is a single-use compression run. It is not safe for concurrent use.
type Session struct {
	format Format
	enc    io.WriteCloser
	out    bytes.Buffer
	state  sessionState

	consumed int64
	emitted  int64
}

// NewSession starts a compression session producing the given format.
func NewSession(format Format, opts Options) (*Session, error) {
	s := &Session{format: format}
	enc, err := newEncoder(format, &s.out, opts)
	if err != nil {
		return nil, err
	}
	s.enc = enc
	return s, nil
}

// Format returns the format this session produces.
func (s *Session) Format() Format {
	return s.format
}

// Open reports whether Push and Flush may still be called.
func (s *Session) Open() bool {
	return s.state == stateOpen
}

// Consumed returns the number of uncompressed bytes pushed so far.
func (s *Session) Consumed() int64 {
	return s.consumed
}

// Emitted returns the number of compressed bytes handed back so far.
func (s *Session) Emitted() int64 {
	return s.emitted
}

// Push feeds the next chunk of uncompressed input and returns the compressed
// bytes that became ready. The result is often empty: the encoder buffers
// until it can emit a block. The returned slice is owned by the caller.
func (s *Session) Push(chunk []byte) ([]byte, error) {
	if s.state != stateOpen {
		return nil, fmt.Errorf("%w: push on %s session", ErrProtocolViolation, s.state)
	}

	if len(chunk) > 0 {
		if _, err := s.enc.Write(chunk); err != nil {
			s.fail()
			return nil, fmt.Errorf("failed to compress chunk: %w", err)
		}
		s.consumed += int64(len(chunk))
	}

	return s.drain(), nil
}

// Flush ends the input, writes the format trailer and returns the remaining
// compressed bytes. The session is closed afterwards, whatever the outcome.
func (s *Session) Flush() ([]byte, error) {
	if s.state != stateOpen {
		return nil, fmt.Errorf("%w: flush on %s session", ErrProtocolViolation, s.state)
	}

	if err := s.enc.Close(); err != nil {
		s.fail()
		return nil, fmt.Errorf("failed to finalize %s stream: %w", s.format, err)
	}

	final := s.drain()
	s.state = stateClosed
	s.release()
	return final, nil
}

func (s *Session) drain() []byte {
	if s.out.Len() == 0 {
		return nil
	}
	b := bytes.Clone(s.out.Bytes())
	s.out.Reset()
	s.emitted += int64(len(b))
	return b
}

func (s *Session) fail() {
	s.state = stateFailed
	s.release()
}

func (s *Session) release() {
	s.enc = nil
	s.out = bytes.Buffer{}
}
