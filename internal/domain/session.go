package domain

import "time"

// NoticeLevel controls how an inline notice is styled.
type NoticeLevel string

const (
	NoticeSuccess NoticeLevel = "success"
	NoticeInfo    NoticeLevel = "info"
	NoticeWarning NoticeLevel = "warning"
	NoticeError   NoticeLevel = "error"
)

// Notice is a one-shot inline message shown on the next render of a session.
type Notice struct {
	Level NoticeLevel `json:"level"`
	Text  string      `json:"text"`
}

// IsZero returns true if there is nothing to show.
func (n Notice) IsZero() bool {
	return n.Text == ""
}

// SessionRecord is the persisted form of a single browser session.
type SessionRecord struct {
	Key        string       `json:"key"`
	Profile    *UserProfile `json:"profile,omitempty"`
	Transcript []Message    `json:"transcript"`
	Page       Page         `json:"page"`
	Notice     Notice       `json:"notice"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

// Clone returns a deep copy of the record.
func (r *SessionRecord) Clone() *SessionRecord {
	if r == nil {
		return nil
	}
	out := *r
	out.Profile = r.Profile.Clone()
	out.Transcript = append([]Message(nil), r.Transcript...)
	return &out
}

// Expired returns true if the record has been idle longer than ttl.
func (r *SessionRecord) Expired(ttl time.Duration, now time.Time) bool {
	return now.Sub(r.UpdatedAt) > ttl
}
