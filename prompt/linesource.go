package prompt

import (
	"context"
	"sync"
)

type lineResult struct {
	line string
	err  error
}

// lineSource serializes blocking reads onto one dedicated goroutine so a
// caller can abandon a read without losing input: the result of an
// abandoned read is held and delivered to the next request instead of being
// dropped on the floor.
type lineSource struct {
	read  func(prompt string) (string, error)
	reqCh chan string
	resCh chan lineResult

	mu        sync.Mutex
	reading   bool
	closed    bool
	closeOnce sync.Once
}

func newLineSource(read func(prompt string) (string, error)) *lineSource {
	s := &lineSource{
		read:  read,
		reqCh: make(chan string),
		resCh: make(chan lineResult, 1),
	}
	go s.pump()
	return s
}

func (s *lineSource) pump() {
	for prompt := range s.reqCh {
		line, err := s.read(prompt)
		s.resCh <- lineResult{line: line, err: err}
	}
}

// ReadLine performs (or resumes) one read. If a previous read was abandoned
// mid-flight, its eventual result satisfies this call.
func (s *lineSource) ReadLine(ctx context.Context, prompt string) (string, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", context.Canceled
	}
	if !s.reading {
		select {
		case s.reqCh <- prompt:
			s.reading = true
		case <-ctx.Done():
			s.mu.Unlock()
			return "", ctx.Err()
		}
	}
	s.mu.Unlock()

	select {
	case res := <-s.resCh:
		s.mu.Lock()
		s.reading = false
		s.mu.Unlock()
		return res.line, res.err
	case <-ctx.Done():
		// The pump keeps the blocking read; its result is delivered to the
		// next caller.
		return "", ctx.Err()
	}
}

// Close stops accepting new reads. A read already in flight finishes on its
// own; the pump exits afterwards.
func (s *lineSource) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.reqCh)
	})
}
