package process

import (
	"bytes"
	"errors"
	"io"
	"os"
	"sync"
	"syscall"
	"time"
)

// LineSource yields the output of a work unit line by line.
type LineSource interface {
	// ReadLine waits at most wait for the next line. A line keeps its
	// trailing newline, the last fragment of a closed source may lack it.
	// On timeout it returns an empty line and a nil error. Once the source
	// is exhausted it returns io.EOF.
	ReadLine(wait time.Duration) (string, error)
}

// Stream is an in-memory writer with line oriented reads. Writes never
// block; a reader assembles complete lines from the queued fragments.
type Stream struct {
	mx      sync.Mutex
	queue   [][]byte
	partial []byte
	closed  bool
	notify  chan struct{}
}

func NewStream() *Stream {
	return &Stream{notify: make(chan struct{}, 1)}
}

func (s *Stream) Write(p []byte) (int, error) {
	s.mx.Lock()
	if s.closed {
		s.mx.Unlock()
		return 0, os.ErrClosed
	}
	s.queue = append(s.queue, bytes.Clone(p))
	s.mx.Unlock()
	s.wake()
	return len(p), nil
}

// Close marks the end of the stream. Queued data is still readable.
func (s *Stream) Close() error {
	s.mx.Lock()
	s.closed = true
	s.mx.Unlock()
	s.wake()
	return nil
}

func (s *Stream) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Stream) ReadLine(wait time.Duration) (string, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		if line, ok, err := s.next(); ok {
			return line, err
		}
		select {
		case <-s.notify:
		case <-timer.C:
			return "", nil
		}
	}
}

// next moves queued fragments into the partial buffer until it holds a full
// line. ok is false when the caller has to wait for more data.
func (s *Stream) next() (line string, ok bool, err error) {
	s.mx.Lock()
	defer s.mx.Unlock()
	for {
		if i := bytes.IndexByte(s.partial, '\n'); i >= 0 {
			line = string(s.partial[:i+1])
			s.partial = s.partial[i+1:]
			return line, true, nil
		}
		if len(s.queue) == 0 {
			break
		}
		s.partial = append(s.partial, s.queue[0]...)
		s.queue[0] = nil
		s.queue = s.queue[1:]
	}
	if !s.closed {
		return "", false, nil
	}
	if len(s.partial) > 0 {
		line = string(s.partial)
		s.partial = nil
		return line, true, nil
	}
	return "", true, io.EOF
}

// fileLines reads lines from a pipe or a pseudo-terminal master. Reads are
// bounded by a deadline when the file supports one.
type fileLines struct {
	f     *os.File
	buf   []byte
	chunk []byte
	err   error
}

func newFileLines(f *os.File) *fileLines {
	return &fileLines{f: f, chunk: make([]byte, 32*1024)}
}

func (l *fileLines) ReadLine(wait time.Duration) (string, error) {
	// files without deadline support fall back to blocking reads
	_ = l.f.SetReadDeadline(time.Now().Add(wait))
	for {
		if i := bytes.IndexByte(l.buf, '\n'); i >= 0 {
			line := string(l.buf[:i+1])
			l.buf = l.buf[i+1:]
			return line, nil
		}
		if l.err != nil {
			if len(l.buf) > 0 {
				line := string(l.buf)
				l.buf = nil
				return line, nil
			}
			return "", l.err
		}

		n, err := l.f.Read(l.chunk)
		l.buf = append(l.buf, l.chunk[:n]...)
		switch {
		case err == nil:
		case errors.Is(err, os.ErrDeadlineExceeded):
			if bytes.IndexByte(l.buf, '\n') < 0 {
				return "", nil
			}
		case errors.Is(err, io.EOF), errors.Is(err, os.ErrClosed), errors.Is(err, syscall.EIO):
			// EIO is how a pseudo-terminal master reports a hung up slave
			l.err = io.EOF
		default:
			return "", err
		}
	}
}

func (l *fileLines) Close() error {
	err := l.f.Close()
	if errors.Is(err, os.ErrClosed) {
		return nil
	}
	return err
}
