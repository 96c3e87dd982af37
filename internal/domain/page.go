package domain

// Page selects which view is rendered for a session.
type Page string

const (
	PageChatbot     Page = "Chatbot"
	PageAboutUs     Page = "About Us"
	PageMethodology Page = "Methodology"
	PageFeedback    Page = "Feedback"
)

// NavigationPages are the pages reachable from the sidebar.
var NavigationPages = []Page{PageChatbot, PageAboutUs, PageMethodology}

// ParsePage maps a submitted value to a Page. ok is false for unknown values.
func ParsePage(raw string) (Page, bool) {
	switch Page(raw) {
	case PageChatbot, PageAboutUs, PageMethodology, PageFeedback:
		return Page(raw), true
	}
	return "", false
}
