// Package content holds the static copy rendered by the advisor pages.
package content

import (
	_ "embed"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ashureev/cpf-advisor/internal/domain"
)

//go:embed content.yaml
var raw []byte

// Section is a titled block of text.
type Section struct {
	Title string `yaml:"title"`
	Body  string `yaml:"body"`
}

// Content is the full set of page copy.
type Content struct {
	Title       string `yaml:"title"`
	Description string `yaml:"description"`
	Disclaimer  struct {
		Heading string `yaml:"heading"`
		Body    string `yaml:"body"`
	} `yaml:"disclaimer"`
	DataSource struct {
		URL        string `yaml:"url"`
		TimeFormat string `yaml:"time_format"`
	} `yaml:"data_source"`
	ChatPlaceholder string `yaml:"chat_placeholder"`
	CollectInfo     struct {
		Heading string `yaml:"heading"`
		Intro   string `yaml:"intro"`
		Success string `yaml:"success"`
	} `yaml:"collect_info"`
	Pages struct {
		About       Section `yaml:"about"`
		Methodology Section `yaml:"methodology"`
	} `yaml:"pages"`
	Feedback struct {
		Title            string                         `yaml:"title"`
		Acknowledgements map[domain.FeedbackType]string `yaml:"acknowledgements"`
		RatingLabels     []string                       `yaml:"rating_labels"`
	} `yaml:"feedback"`
	Login struct {
		Prompt string `yaml:"prompt"`
		Wrong  string `yaml:"wrong"`
	} `yaml:"login"`
}

// Load parses the embedded content.
func Load() (*Content, error) {
	return Parse(raw)
}

// Parse decodes and validates content from YAML.
func Parse(data []byte) (*Content, error) {
	var c Content
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse content: %w", err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Content) validate() error {
	if c.Title == "" {
		return fmt.Errorf("content: title is required")
	}
	if c.CollectInfo.Success == "" {
		return fmt.Errorf("content: collect_info.success is required")
	}
	for _, t := range domain.FeedbackTypes {
		if c.Feedback.Acknowledgements[t] == "" {
			return fmt.Errorf("content: missing feedback acknowledgement for %q", t)
		}
	}
	if len(c.Feedback.RatingLabels) != domain.MaxRating {
		return fmt.Errorf("content: want %d rating labels, got %d", domain.MaxRating, len(c.Feedback.RatingLabels))
	}
	return nil
}

// Acknowledgement returns the success text for a feedback type.
func (c *Content) Acknowledgement(t domain.FeedbackType) string {
	return c.Feedback.Acknowledgements[t]
}

// RatingLabel returns the label for a 1-based rating, or "" when out of range.
func (c *Content) RatingLabel(rating int) string {
	if rating < domain.MinRating || rating > len(c.Feedback.RatingLabels) {
		return ""
	}
	return c.Feedback.RatingLabels[rating-1]
}

// DataSourceTime formats t for the data-source banner.
func (c *Content) DataSourceTime(t time.Time) string {
	return t.Format(c.DataSource.TimeFormat)
}
