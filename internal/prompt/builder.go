// Package prompt formats user queries and demographic context into the structured prompt
// sent to the completion service as a single user turn.
package prompt

import (
	"regexp"
	"strings"

	"github.com/ashureev/cpf-advisor/internal/domain"
)

// Structural markers delimiting the sections of a structured prompt.
const (
	MarkerUserInfo  = "<User Info>"
	MarkerUserQuery = "<User Query>"
	MarkerEnd       = "<End of User Input>"
)

// Unknown is rendered for profile fields the user did not provide.
const Unknown = "unknown"

var markerPattern = regexp.MustCompile(`(?i)<\s*(user info|user query|end of user input)\s*>`)

// Build wraps query with the profile's fields. A nil profile yields the profile-free template.
func Build(profile *domain.UserProfile, query string) string {
	var b strings.Builder
	if profile != nil {
		b.WriteString(MarkerUserInfo + "\n")
		b.WriteString("Gender: " + field(profile.Gender) + "\n")
		b.WriteString("Age Group: " + orUnknown(profile.Age) + "\n")
		b.WriteString("Employment Status: " + field(profile.EmploymentStatus) + "\n")
	}
	b.WriteString(MarkerUserQuery + "\n")
	b.WriteString(Defang(query) + "\n")
	b.WriteString(MarkerEnd)
	return b.String()
}

// ContainsMarker reports whether s contains a structural marker that Defang would rewrite.
func ContainsMarker(s string) bool {
	return markerPattern.MatchString(s)
}

// Defang rewrites structural markers in user supplied text so they cannot close or open
// a section. Text without markers is returned unchanged.
func Defang(s string) string {
	if !ContainsMarker(s) {
		return s
	}
	return markerPattern.ReplaceAllStringFunc(s, func(m string) string {
		return "[" + strings.TrimSuffix(strings.TrimPrefix(m, "<"), ">") + "]"
	})
}

func field[T ~string](v *T) string {
	if v == nil {
		return Unknown
	}
	return orUnknown(string(*v))
}

func orUnknown(s string) string {
	if s == "" {
		return Unknown
	}
	return Defang(s)
}
