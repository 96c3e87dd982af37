package domain

import "errors"

// Input validation errors. They are reported inline and never mutate session state.
var (
	ErrInvalidAge        = errors.New("please enter a valid number for your age")
	ErrInvalidFeedback   = errors.New("please select a feedback type and a rating between 1 and 5")
	ErrEmptyFeedback     = errors.New("please enter a message before submitting")
	ErrEmptyQuery        = errors.New("message is required")
	ErrProfileAlreadySet = errors.New("profile already collected for this session")
)

// IsInputError reports whether err is a user input problem rather than a service failure.
func IsInputError(err error) bool {
	return errors.Is(err, ErrInvalidAge) ||
		errors.Is(err, ErrInvalidFeedback) ||
		errors.Is(err, ErrEmptyFeedback) ||
		errors.Is(err, ErrEmptyQuery) ||
		errors.Is(err, ErrProfileAlreadySet)
}
