// Package router implements the page state machine that selects which view a session renders.
package router

import (
	"errors"
	"fmt"

	"github.com/ashureev/cpf-advisor/internal/domain"
)

// ErrUnknownTransition is returned for events the transition table does not accept.
var ErrUnknownTransition = errors.New("unknown page transition")

// EventKind enumerates the inputs of the router.
type EventKind int

const (
	// Navigate is a sidebar selection.
	Navigate EventKind = iota
	// ProfileSubmitted is a successful submission of the profile form.
	ProfileSubmitted
	// FeedbackSubmitted is a successful submission of the feedback form.
	FeedbackSubmitted
	// Return is the explicit "Return" action on the feedback page.
	Return
)

func (k EventKind) String() string {
	switch k {
	case Navigate:
		return "navigate"
	case ProfileSubmitted:
		return "profile_submitted"
	case FeedbackSubmitted:
		return "feedback_submitted"
	case Return:
		return "return"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is a single router input.
type Event struct {
	Kind   EventKind
	Target domain.Page  // Navigate only
	Topic  domain.Topic // ProfileSubmitted only
}

// Options tune the transitions that varied between releases.
type Options struct {
	// ReturnOnFeedbackSubmit sends the session back to the chat once feedback is accepted.
	// When false the feedback page stays up until Return.
	ReturnOnFeedbackSubmit bool
}

// Router is a stateless transition table; the current page lives in the session.
type Router struct {
	opts Options
}

// New creates a Router.
func New(opts Options) *Router {
	return &Router{opts: opts}
}

// Initial is the page every new or reset session starts on.
func Initial() domain.Page {
	return domain.PageChatbot
}

// Next returns the page that follows current after ev.
// Pending feedback takes precedence over navigation: while on the feedback page,
// sidebar selections are ignored until the feedback is submitted or Return is pressed.
func (r *Router) Next(current domain.Page, ev Event) (domain.Page, error) {
	if current == "" {
		current = Initial()
	}

	switch ev.Kind {
	case Navigate:
		if !isNavigable(ev.Target) {
			return current, fmt.Errorf("%w: navigate to %q", ErrUnknownTransition, ev.Target)
		}
		if current == domain.PageFeedback {
			return current, nil
		}
		return ev.Target, nil

	case ProfileSubmitted:
		if ev.Topic.IsFeedback() {
			return domain.PageFeedback, nil
		}
		return domain.PageChatbot, nil

	case FeedbackSubmitted:
		if current != domain.PageFeedback {
			return current, fmt.Errorf("%w: %s from %q", ErrUnknownTransition, ev.Kind, current)
		}
		if r.opts.ReturnOnFeedbackSubmit {
			return domain.PageChatbot, nil
		}
		return current, nil

	case Return:
		return domain.PageChatbot, nil
	}

	return current, fmt.Errorf("%w: %s", ErrUnknownTransition, ev.Kind)
}

func isNavigable(p domain.Page) bool {
	for _, n := range domain.NavigationPages {
		if n == p {
			return true
		}
	}
	return false
}
