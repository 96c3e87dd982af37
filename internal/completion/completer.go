// Package completion talks to the external chat-completion service.
package completion

import (
	"context"
	"errors"
	"fmt"

	"github.com/ashureev/cpf-advisor/internal/domain"
)

// Completer returns one assistant message for a conversation history.
type Completer interface {
	Complete(ctx context.Context, req Request) (domain.Message, error)
}

// Request is the provider-neutral completion request.
type Request struct {
	Model       string
	Temperature float64
	Messages    []domain.Message
}

// ErrEmptyReply is returned when the service answered without any content.
var ErrEmptyReply = errors.New("empty completion reply")

// ServiceError wraps any failure of the completion service.
// Status is the HTTP status for HTTP providers and 0 otherwise.
type ServiceError struct {
	Provider string
	Status   int
	Err      error
}

func (e *ServiceError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Provider, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// IsServiceError reports whether err came from the completion service.
func IsServiceError(err error) bool {
	var se *ServiceError
	return errors.As(err, &se)
}
