package domain

import (
	"strconv"
	"strings"
)

// FeedbackType classifies a feedback submission.
type FeedbackType string

const (
	FeedbackCompliments FeedbackType = "Compliments"
	FeedbackGeneral     FeedbackType = "Feedback"
	FeedbackComplaints  FeedbackType = "Complaints"
)

// FeedbackTypes lists the selectable feedback types in form order.
var FeedbackTypes = []FeedbackType{FeedbackCompliments, FeedbackGeneral, FeedbackComplaints}

const (
	MinRating = 1
	MaxRating = 5
)

// Feedback is a single submission from the feedback form.
type Feedback struct {
	Type    FeedbackType `json:"type"`
	Message string       `json:"message"`
	Rating  int          `json:"rating"`
}

// NewFeedback builds a feedback submission from raw form values.
// Validation happens in Validate so an empty message can be reported as a warning.
func NewFeedback(kind, message, rating string) Feedback {
	r, err := strconv.Atoi(strings.TrimSpace(rating))
	if err != nil {
		r = 0
	}
	return Feedback{Type: FeedbackType(kind), Message: message, Rating: r}
}

// Validate checks the submission. An empty message is reported before anything else.
func (f Feedback) Validate() error {
	if strings.TrimSpace(f.Message) == "" {
		return ErrEmptyFeedback
	}
	if f.Rating < MinRating || f.Rating > MaxRating {
		return ErrInvalidFeedback
	}
	for _, t := range FeedbackTypes {
		if f.Type == t {
			return nil
		}
	}
	return ErrInvalidFeedback
}

// Stars renders the rating as a row of stars.
func (f Feedback) Stars() string {
	if f.Rating < MinRating {
		return ""
	}
	return strings.Repeat("⭐", min(f.Rating, MaxRating))
}
