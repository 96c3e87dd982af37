// Package conversation holds the per-session chat state: the collected profile,
// the authoritative transcript, and the current page.
package conversation

import (
	"time"

	"github.com/ashureev/cpf-advisor/internal/domain"
	"github.com/ashureev/cpf-advisor/internal/prompt"
	"github.com/ashureev/cpf-advisor/internal/router"
)

// State is the mutable state of one session. It is not safe for concurrent use;
// callers serialize operations per session.
type State struct {
	Profile    *domain.UserProfile
	Transcript []domain.Message
	Page       domain.Page
}

// New returns an empty session state on the initial page.
func New() *State {
	return &State{Page: router.Initial()}
}

// FromRecord rebuilds state from its persisted form.
func FromRecord(rec *domain.SessionRecord) *State {
	if rec == nil {
		return New()
	}
	s := &State{
		Profile:    rec.Profile.Clone(),
		Transcript: append([]domain.Message(nil), rec.Transcript...),
		Page:       rec.Page,
	}
	if s.Page == "" {
		s.Page = router.Initial()
	}
	return s
}

// ToRecord writes the state into rec, keeping its key, notice, and creation time.
func (s *State) ToRecord(rec *domain.SessionRecord, now time.Time) {
	rec.Profile = s.Profile.Clone()
	rec.Transcript = append([]domain.Message(nil), s.Transcript...)
	rec.Page = s.Page
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
}

// HasProfile returns true once the profile form has been submitted.
func (s *State) HasProfile() bool {
	return s.Profile != nil
}

// SetProfile stores the profile. It can only be set once until Reset.
func (s *State) SetProfile(p *domain.UserProfile) error {
	if s.Profile != nil {
		return domain.ErrProfileAlreadySet
	}
	s.Profile = p.Clone()
	return nil
}

// AppendUserTurn wraps raw in a structured prompt and appends it as a user message.
func (s *State) AppendUserTurn(raw string) domain.Message {
	msg := domain.Message{
		Role:    domain.RoleUser,
		Content: prompt.Build(s.Profile, raw),
		Display: raw,
	}
	s.Transcript = append(s.Transcript, msg)
	return msg
}

// AppendAssistantTurn appends text verbatim as an assistant message.
func (s *State) AppendAssistantTurn(text string) domain.Message {
	msg := domain.Message{Role: domain.RoleAssistant, Content: text}
	s.Transcript = append(s.Transcript, msg)
	return msg
}

// Snapshot returns the transcript as the history for the completion service.
// Only role and content are carried, in insertion order.
func (s *State) Snapshot() []domain.Message {
	out := make([]domain.Message, len(s.Transcript))
	for i, m := range s.Transcript {
		out[i] = domain.Message{Role: m.Role, Content: m.Content}
	}
	return out
}

// Chain returns the conversation chain: every message content in order.
// It is derived from the transcript and never stored on its own.
func (s *State) Chain() []string {
	out := make([]string, len(s.Transcript))
	for i, m := range s.Transcript {
		out[i] = m.Content
	}
	return out
}

// Mark returns a position that Rollback can return the transcript to.
func (s *State) Mark() int {
	return len(s.Transcript)
}

// Rollback drops every message appended after mark.
func (s *State) Rollback(mark int) {
	if mark < 0 {
		mark = 0
	}
	if mark < len(s.Transcript) {
		clear(s.Transcript[mark:])
		s.Transcript = s.Transcript[:mark]
	}
}

// Reset clears the profile and transcript and returns to the initial page.
func (s *State) Reset() {
	s.Profile = nil
	s.Transcript = nil
	s.Page = router.Initial()
}
