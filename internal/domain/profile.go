// Package domain contains core domain types for the CPF advisor.
package domain

import "fmt"

// placeholder is the value forms submit when nothing was chosen.
const placeholder = "Select"

// Gender is the optional gender a user may disclose.
type Gender string

const (
	GenderMale   Gender = "Male"
	GenderFemale Gender = "Female"
	GenderOther  Gender = "Other"
)

// Genders lists the selectable genders in form order.
var Genders = []Gender{GenderMale, GenderFemale, GenderOther}

// EmploymentStatus is the optional employment status a user may disclose.
type EmploymentStatus string

const (
	EmploymentEmployed     EmploymentStatus = "Employed"
	EmploymentSelfEmployed EmploymentStatus = "Self-employed"
	EmploymentUnemployed   EmploymentStatus = "Unemployed"
	EmploymentStudent      EmploymentStatus = "Student"
	EmploymentRetired      EmploymentStatus = "Retired"
)

// EmploymentStatuses lists the selectable statuses in form order.
var EmploymentStatuses = []EmploymentStatus{
	EmploymentEmployed, EmploymentSelfEmployed, EmploymentUnemployed, EmploymentStudent, EmploymentRetired,
}

// Topic is why the user is reaching out.
type Topic string

const (
	TopicCompliments Topic = "Compliments"
	TopicFeedback    Topic = "Feedback"
	TopicEnquiry     Topic = "Enquiry"
	TopicComplaints  Topic = "Complaints"
	TopicAppeals     Topic = "Appeals"
)

// Topics lists the selectable topics in form order.
var Topics = []Topic{TopicCompliments, TopicFeedback, TopicEnquiry, TopicComplaints, TopicAppeals}

// IsFeedback returns true for topics that are handled by the feedback form instead of the chat.
func (t Topic) IsFeedback() bool {
	return t == TopicCompliments || t == TopicFeedback || t == TopicComplaints
}

// UserProfile holds the demographic context collected once per session.
// Nil fields and an empty Age mean the user chose not to answer.
type UserProfile struct {
	Gender           *Gender           `json:"gender,omitempty"`
	Age              string            `json:"age,omitempty"`
	EmploymentStatus *EmploymentStatus `json:"employment_status,omitempty"`
	Topic            *Topic            `json:"topic,omitempty"`
}

// NewUserProfile builds a profile from raw form values.
// The placeholder "Select" and empty strings map to nil.
func NewUserProfile(gender, age, employment, topic string) (*UserProfile, error) {
	if err := ValidateAge(age); err != nil {
		return nil, err
	}

	g, err := parseEnum(gender, Genders)
	if err != nil {
		return nil, fmt.Errorf("gender: %w", err)
	}
	e, err := parseEnum(employment, EmploymentStatuses)
	if err != nil {
		return nil, fmt.Errorf("employment status: %w", err)
	}
	t, err := parseEnum(topic, Topics)
	if err != nil {
		return nil, fmt.Errorf("topic: %w", err)
	}

	return &UserProfile{Gender: g, Age: age, EmploymentStatus: e, Topic: t}, nil
}

// ValidateAge accepts an empty value or a string of ASCII digits.
func ValidateAge(age string) error {
	for i := 0; i < len(age); i++ {
		if age[i] < '0' || age[i] > '9' {
			return ErrInvalidAge
		}
	}
	return nil
}

// TopicOrEmpty returns the chosen topic, or "" if none was chosen.
func (p *UserProfile) TopicOrEmpty() Topic {
	if p == nil || p.Topic == nil {
		return ""
	}
	return *p.Topic
}

// Clone returns a deep copy of the profile.
func (p *UserProfile) Clone() *UserProfile {
	if p == nil {
		return nil
	}
	out := &UserProfile{Age: p.Age}
	if p.Gender != nil {
		g := *p.Gender
		out.Gender = &g
	}
	if p.EmploymentStatus != nil {
		e := *p.EmploymentStatus
		out.EmploymentStatus = &e
	}
	if p.Topic != nil {
		t := *p.Topic
		out.Topic = &t
	}
	return out
}

func parseEnum[T ~string](raw string, allowed []T) (*T, error) {
	if raw == "" || raw == placeholder {
		return nil, nil
	}
	for _, v := range allowed {
		if string(v) == raw {
			out := v
			return &out, nil
		}
	}
	return nil, fmt.Errorf("unknown value %q", raw)
}
