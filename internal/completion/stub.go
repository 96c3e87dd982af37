package completion

import (
	"context"
	"errors"
	"sync"

	"github.com/ashureev/cpf-advisor/internal/domain"
)

// ErrStubExhausted is returned when a scripted stub has no replies left and no fallback.
var ErrStubExhausted = errors.New("stub has no scripted reply")

// StubReply is one scripted outcome.
type StubReply struct {
	Content string
	Err     error
}

// Stub is an in-process Completer returning scripted replies in order.
// Once the script runs out it answers with Fallback, if set.
type Stub struct {
	mu       sync.Mutex
	script   []StubReply
	Fallback string
	requests []Request
}

// NewStub creates a stub with the given scripted replies.
func NewStub(replies ...StubReply) *Stub {
	return &Stub{script: replies}
}

// Complete implements Completer.
func (s *Stub) Complete(ctx context.Context, req Request) (domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests = append(s.requests, Request{
		Model:       req.Model,
		Temperature: req.Temperature,
		Messages:    append([]domain.Message(nil), req.Messages...),
	})

	if err := ctx.Err(); err != nil {
		return domain.Message{}, &ServiceError{Provider: "stub", Err: err}
	}

	var next StubReply
	switch {
	case len(s.script) > 0:
		next, s.script = s.script[0], s.script[1:]
	case s.Fallback != "":
		next = StubReply{Content: s.Fallback}
	default:
		next = StubReply{Err: ErrStubExhausted}
	}

	if next.Err != nil {
		return domain.Message{}, &ServiceError{Provider: "stub", Err: next.Err}
	}
	return domain.Message{Role: domain.RoleAssistant, Content: next.Content}, nil
}

// Requests returns every request received so far.
func (s *Stub) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}
