package api

import (
	"bytes"
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/ashureev/cpf-advisor/internal/advisor"
	"github.com/ashureev/cpf-advisor/internal/auth"
	"github.com/ashureev/cpf-advisor/internal/content"
	"github.com/ashureev/cpf-advisor/internal/conversation"
	"github.com/ashureev/cpf-advisor/internal/domain"
	"github.com/ashureev/cpf-advisor/internal/identity"
	"github.com/ashureev/cpf-advisor/internal/router"
)

type chatLine struct {
	Role string
	Text string
}

type ratingOption struct {
	Value int
	Stars string
	Label string
}

// pageData is everything the layout template renders.
type pageData struct {
	C                  *content.Content
	SessionID          string
	Page               domain.Page
	NavPages           []domain.Page
	Notice             domain.Notice
	Authorized         bool
	NeedsProfile       bool
	Messages           []chatLine
	DataSourceTime     string
	Genders            []domain.Gender
	EmploymentStatuses []domain.EmploymentStatus
	Topics             []domain.Topic
	FeedbackTypes      []domain.FeedbackType
	Ratings            []ratingOption
}

func (h *Handler) buildPage(r *http.Request, ref advisor.Ref, st *conversation.State, notice domain.Notice) pageData {
	c := h.svc.Content()
	data := pageData{
		C:                  c,
		SessionID:          ref.SessionID,
		Page:               st.Page,
		NavPages:           domain.NavigationPages,
		Notice:             notice,
		Authorized:         h.gate.Authorized(r, ref.UserID),
		NeedsProfile:       !st.HasProfile(),
		DataSourceTime:     c.DataSourceTime(h.now()),
		Genders:            domain.Genders,
		EmploymentStatuses: domain.EmploymentStatuses,
		Topics:             domain.Topics,
		FeedbackTypes:      domain.FeedbackTypes,
	}
	for _, m := range st.Transcript {
		data.Messages = append(data.Messages, chatLine{Role: string(m.Role), Text: m.Text()})
	}
	for rating := domain.MinRating; rating <= domain.MaxRating; rating++ {
		data.Ratings = append(data.Ratings, ratingOption{
			Value: rating,
			Stars: domain.Feedback{Rating: rating}.Stars(),
			Label: c.RatingLabel(rating),
		})
	}
	return data
}

func hasSessionParam(r *http.Request) bool {
	return r.Header.Get(identity.SessionHeaderName) != "" || r.URL.Query().Get(identity.SessionParamName) != ""
}

// redirectHome finishes every form post with a redirect back to the tab's page.
func redirectHome(w http.ResponseWriter, r *http.Request, sessionID string) {
	http.Redirect(w, r, "/?"+identity.SessionParamName+"="+url.QueryEscape(sessionID), http.StatusSeeOther)
}

// Index renders the view selected by the session's page.
// A request without a tab session is redirected to a fresh one.
func (h *Handler) Index(w http.ResponseWriter, r *http.Request) {
	if !hasSessionParam(r) {
		redirectHome(w, r, identity.NewSessionID())
		return
	}

	ref := h.ref(r, advisor.ChannelHTTP)
	st, notice, err := h.svc.View(r.Context(), ref)
	if err != nil {
		slog.Error("Failed to load session", "error", err, "user_id", ref.UserID, "session_id", ref.SessionID)
		http.Error(w, "failed to load session", http.StatusInternalServerError)
		return
	}

	var buf bytes.Buffer
	if err := h.tmpl.ExecuteTemplate(&buf, "layout", h.buildPage(r, ref, st, notice)); err != nil {
		slog.Error("Failed to render page", "error", err, "page", string(st.Page))
		http.Error(w, "failed to render page", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if _, err := buf.WriteTo(w); err != nil {
		slog.Debug("Failed to write page", "error", err)
	}
}

// Navigate handles the sidebar selection.
func (h *Handler) Navigate(w http.ResponseWriter, r *http.Request) {
	ref := h.ref(r, advisor.ChannelHTTP)
	target, ok := domain.ParsePage(r.PostFormValue("page"))
	if ok {
		if _, err := h.svc.Navigate(r.Context(), ref, target); err != nil {
			logFormError("navigate", ref, err)
		}
	}
	redirectHome(w, r, ref.SessionID)
}

// Profile handles the collect-info form.
func (h *Handler) Profile(w http.ResponseWriter, r *http.Request) {
	ref := h.ref(r, advisor.ChannelHTTP)
	if !h.gate.Authorized(r, ref.UserID) {
		redirectHome(w, r, ref.SessionID)
		return
	}

	_, err := h.svc.SubmitProfile(r.Context(), ref, advisor.ProfileForm{
		Gender:           r.PostFormValue("gender"),
		Age:              r.PostFormValue("age"),
		EmploymentStatus: r.PostFormValue("employment_status"),
		Topic:            r.PostFormValue("topic"),
	})
	if err != nil {
		logFormError("profile", ref, err)
	}
	redirectHome(w, r, ref.SessionID)
}

// Chat handles a chat turn submitted as a plain form post.
func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	ref := h.ref(r, advisor.ChannelHTTP)
	if !h.gate.Authorized(r, ref.UserID) {
		redirectHome(w, r, ref.SessionID)
		return
	}

	if _, err := h.svc.Ask(r.Context(), ref, r.PostFormValue("message")); err != nil {
		logFormError("chat", ref, err)
	}
	redirectHome(w, r, ref.SessionID)
}

// Feedback handles the feedback form.
func (h *Handler) Feedback(w http.ResponseWriter, r *http.Request) {
	ref := h.ref(r, advisor.ChannelHTTP)
	_, err := h.svc.SubmitFeedback(r.Context(), ref, advisor.FeedbackForm{
		Type:    r.PostFormValue("type"),
		Message: r.PostFormValue("message"),
		Rating:  r.PostFormValue("rating"),
	})
	if err != nil {
		logFormError("feedback", ref, err)
	}
	redirectHome(w, r, ref.SessionID)
}

// Return resets the session.
func (h *Handler) Return(w http.ResponseWriter, r *http.Request) {
	ref := h.ref(r, advisor.ChannelHTTP)
	if _, err := h.svc.Return(r.Context(), ref); err != nil {
		logFormError("return", ref, err)
	}
	redirectHome(w, r, ref.SessionID)
}

// Login checks the password and sets the auth cookie.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	ref := h.ref(r, advisor.ChannelHTTP)
	if !h.gate.Enabled() {
		redirectHome(w, r, ref.SessionID)
		return
	}

	if err := h.gate.Login(w, ref.UserID, r.PostFormValue("password")); err != nil {
		if errors.Is(err, auth.ErrWrongPassword) {
			slog.Warn("Login failed", "user_id", ref.UserID)
			notice := domain.Notice{Level: domain.NoticeError, Text: h.svc.Content().Login.Wrong}
			if err := h.svc.Notify(r.Context(), ref, notice); err != nil {
				slog.Warn("Failed to store login notice", "error", err)
			}
		} else {
			slog.Error("Login failed", "error", err, "user_id", ref.UserID)
		}
	}
	redirectHome(w, r, ref.SessionID)
}

// logFormError logs form failures. Input problems are already shown to the user as a notice.
func logFormError(action string, ref advisor.Ref, err error) {
	switch {
	case domain.IsInputError(err), errors.Is(err, router.ErrUnknownTransition),
		errors.Is(err, advisor.ErrTurnInProgress), errors.Is(err, advisor.ErrRateLimited):
		slog.Debug("Form rejected", "action", action, "error", err, "user_id", ref.UserID, "session_id", ref.SessionID)
	default:
		slog.Error("Form handling failed", "action", action, "error", err, "user_id", ref.UserID, "session_id", ref.SessionID)
	}
}
