// Package advisor runs the chat widget's interactions: profile collection, chat turns,
// feedback, and page navigation, each against one isolated session.
package advisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/cpf-advisor/internal/completion"
	"github.com/ashureev/cpf-advisor/internal/config"
	"github.com/ashureev/cpf-advisor/internal/content"
	"github.com/ashureev/cpf-advisor/internal/conversation"
	"github.com/ashureev/cpf-advisor/internal/domain"
	"github.com/ashureev/cpf-advisor/internal/identity"
	"github.com/ashureev/cpf-advisor/internal/router"
	"github.com/ashureev/cpf-advisor/internal/store"
)

var (
	// ErrTurnInProgress is returned when a session already has a chat turn in flight.
	ErrTurnInProgress = errors.New("a reply is still being prepared for this session")
	// ErrRateLimited is returned when a user exceeds the question rate limit.
	ErrRateLimited = errors.New("too many questions, please wait a moment and try again")
)

// Channels recorded in the conversation log.
const (
	ChannelHTTP      = "chat_http"
	ChannelAPI       = "chat_api"
	ChannelWebSocket = "chat_ws"
)

// Ref identifies one browser tab session.
type Ref struct {
	UserID    string
	SessionID string
	Channel   string
	RequestID string
}

// Key returns the store key for the session.
func (r Ref) Key() string {
	return identity.SessionKey(r.UserID, r.SessionID)
}

// RefFromContext builds a Ref from the identity carried by ctx.
func RefFromContext(ctx context.Context, channel string) Ref {
	return Ref{
		UserID:    identity.UserIDFromContext(ctx),
		SessionID: identity.SessionIDFromContext(ctx),
		Channel:   channel,
	}
}

// ProfileForm holds the raw values of the collect-info form.
type ProfileForm struct {
	Gender           string
	Age              string
	EmploymentStatus string
	Topic            string
}

// FeedbackForm holds the raw values of the feedback form.
type FeedbackForm struct {
	Type    string
	Message string
	Rating  string
}

// Service coordinates session state, the page router, and the completion backend.
type Service struct {
	repo        store.Repository
	completer   completion.Completer
	router      *router.Router
	pages       *content.Content
	limiter     *RateLimiter
	log         ConversationLogger
	logger      *slog.Logger
	model       string
	temperature float64
	locks       sessionLocks
	now         func() time.Time
}

// NewService creates the advisor service. A nil conversation logger disables logging.
func NewService(
	cfg *config.Config,
	repo store.Repository,
	completer completion.Completer,
	pages *content.Content,
	conversationLogger ConversationLogger,
	logger *slog.Logger,
) *Service {
	if conversationLogger == nil {
		conversationLogger = noopConversationLogger{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:        repo,
		completer:   completer,
		router:      router.New(router.Options{ReturnOnFeedbackSubmit: cfg.FeedbackSubmitReturns}),
		pages:       pages,
		limiter:     NewRateLimiter(cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.WindowDuration),
		log:         conversationLogger,
		logger:      logger,
		model:       cfg.Completion.Model,
		temperature: cfg.Completion.Temperature,
		now:         time.Now,
	}
}

// Content returns the page copy the service was built with.
func (s *Service) Content() *content.Content {
	return s.pages
}

// Close stops background work.
func (s *Service) Close() {
	s.limiter.Close()
}

// View loads the session and consumes its one-shot notice.
// A session that was never saved is returned in its initial state.
func (s *Service) View(ctx context.Context, ref Ref) (*conversation.State, domain.Notice, error) {
	release, err := s.locks.acquire(ctx, ref.Key())
	if err != nil {
		return nil, domain.Notice{}, err
	}
	defer release()

	rec, err := s.repo.GetSession(ctx, ref.Key())
	if err != nil {
		return nil, domain.Notice{}, fmt.Errorf("load session: %w", err)
	}
	if rec == nil {
		return conversation.New(), domain.Notice{}, nil
	}

	notice := rec.Notice
	if !notice.IsZero() {
		rec.Notice = domain.Notice{}
		if err := s.repo.SaveSession(ctx, rec); err != nil {
			return nil, domain.Notice{}, fmt.Errorf("clear notice: %w", err)
		}
	}
	return conversation.FromRecord(rec), notice, nil
}

// SubmitProfile validates and stores the collect-info form, then routes on its topic.
// Invalid input leaves the profile, transcript, and page untouched and is reported in the notice.
func (s *Service) SubmitProfile(ctx context.Context, ref Ref, form ProfileForm) (domain.Page, error) {
	return s.mutate(ctx, ref, func(rec *domain.SessionRecord, st *conversation.State) error {
		profile, err := domain.NewUserProfile(form.Gender, form.Age, form.EmploymentStatus, form.Topic)
		if err != nil {
			rec.Notice = domain.Notice{Level: domain.NoticeError, Text: capitalize(err.Error()) + "."}
			return err
		}
		if err := st.SetProfile(profile); err != nil {
			rec.Notice = domain.Notice{Level: domain.NoticeWarning, Text: capitalize(err.Error()) + "."}
			return err
		}

		next, err := s.router.Next(st.Page, router.Event{Kind: router.ProfileSubmitted, Topic: profile.TopicOrEmpty()})
		if err != nil {
			return err
		}
		st.Page = next
		rec.Notice = domain.Notice{Level: domain.NoticeSuccess, Text: s.pages.CollectInfo.Success}

		s.logger.Info("Profile submitted",
			"user_id", ref.UserID,
			"session_id", ref.SessionID,
			"topic", string(profile.TopicOrEmpty()),
			"page", string(next))
		s.logEvent(ref, "inbound", "profile_submitted", "", map[string]any{
			"topic": string(profile.TopicOrEmpty()),
		})
		return nil
	})
}

// Ask runs one chat turn on the Chatbot page: the raw text is wrapped as a structured prompt, the whole transcript
// is sent to the completion backend, and the reply is appended. On failure the transcript is
// left exactly as it was and an error notice is stored.
func (s *Service) Ask(ctx context.Context, ref Ref, text string) (domain.Message, error) {
	if strings.TrimSpace(text) == "" {
		return domain.Message{}, domain.ErrEmptyQuery
	}

	release, ok := s.locks.tryAcquire(ref.Key())
	if !ok {
		s.logger.Warn("Chat turn already in progress", "user_id", ref.UserID, "session_id", ref.SessionID)
		return domain.Message{}, ErrTurnInProgress
	}
	defer release()

	rec, st, err := s.load(ctx, ref)
	if err != nil {
		return domain.Message{}, err
	}
	if st.Page != domain.PageChatbot {
		return domain.Message{}, fmt.Errorf("ask on page %q: %w", st.Page, router.ErrUnknownTransition)
	}

	if !s.limiter.Allow(ref.UserID) {
		rec.Notice = domain.Notice{Level: domain.NoticeWarning, Text: capitalize(ErrRateLimited.Error()) + "."}
		if saveErr := s.save(ctx, rec, st); saveErr != nil {
			s.logger.Warn("Failed to store rate limit notice", "error", saveErr)
		}
		return domain.Message{}, ErrRateLimited
	}

	mark := st.Mark()
	userMsg := st.AppendUserTurn(text)

	s.logger.Info("Chat request",
		"user_id", ref.UserID,
		"session_id", ref.SessionID,
		"channel", ref.Channel,
		"message_length", len(text),
		"history_length", mark)
	s.logEvent(ref, "outbound", "chat_user_message", text, map[string]any{
		"structured_prompt": userMsg.Content,
	})

	started := s.now()
	reply, err := s.completer.Complete(ctx, completion.Request{
		Model:       s.model,
		Temperature: s.temperature,
		Messages:    st.Snapshot(),
	})

	// The caller may be gone by now; the outcome is still recorded.
	saveCtx := context.WithoutCancel(ctx)

	if err != nil {
		st.Rollback(mark)
		rec.Notice = domain.Notice{Level: domain.NoticeError, Text: "Sorry, the advisor could not answer right now. Please try again."}
		if saveErr := s.save(saveCtx, rec, st); saveErr != nil {
			s.logger.Warn("Failed to store completion error notice", "error", saveErr)
		}
		s.logger.Error("Completion failed",
			"error", err,
			"user_id", ref.UserID,
			"session_id", ref.SessionID)
		s.logEvent(ref, "inbound", "chat_error", "", map[string]any{"error": err.Error()})
		return domain.Message{}, fmt.Errorf("complete chat turn: %w", err)
	}

	answer := st.AppendAssistantTurn(reply.Content)
	if err := s.save(saveCtx, rec, st); err != nil {
		return domain.Message{}, err
	}

	s.logEvent(ref, "inbound", "chat_assistant_message", answer.Content, map[string]any{
		"latency_ms": s.now().Sub(started).Milliseconds(),
	})
	return answer, nil
}

// SubmitFeedback validates and acknowledges a feedback submission.
// An empty message is a warning; a bad type or rating is an error. Neither changes the page.
func (s *Service) SubmitFeedback(ctx context.Context, ref Ref, form FeedbackForm) (domain.Page, error) {
	return s.mutate(ctx, ref, func(rec *domain.SessionRecord, st *conversation.State) error {
		fb := domain.NewFeedback(form.Type, form.Message, form.Rating)
		if err := fb.Validate(); err != nil {
			level := domain.NoticeError
			if errors.Is(err, domain.ErrEmptyFeedback) {
				level = domain.NoticeWarning
			}
			rec.Notice = domain.Notice{Level: level, Text: capitalize(err.Error()) + "."}
			return err
		}

		next, err := s.router.Next(st.Page, router.Event{Kind: router.FeedbackSubmitted})
		if err != nil {
			return err
		}
		st.Page = next
		rec.Notice = domain.Notice{Level: domain.NoticeSuccess, Text: s.pages.Acknowledgement(fb.Type)}

		s.logger.Info("Feedback submitted",
			"user_id", ref.UserID,
			"session_id", ref.SessionID,
			"type", string(fb.Type),
			"rating", fb.Rating)
		s.logEvent(ref, "inbound", "feedback_submitted", fb.Message, map[string]any{
			"type":   string(fb.Type),
			"rating": fb.Rating,
			"label":  s.pages.RatingLabel(fb.Rating),
		})
		return nil
	})
}

// Navigate applies a sidebar selection. While feedback is pending the page does not change.
func (s *Service) Navigate(ctx context.Context, ref Ref, target domain.Page) (domain.Page, error) {
	return s.mutate(ctx, ref, func(_ *domain.SessionRecord, st *conversation.State) error {
		next, err := s.router.Next(st.Page, router.Event{Kind: router.Navigate, Target: target})
		if err != nil {
			return err
		}
		st.Page = next
		return nil
	})
}

// Return resets the session: profile and transcript are cleared and the chat page is shown.
func (s *Service) Return(ctx context.Context, ref Ref) (domain.Page, error) {
	return s.mutate(ctx, ref, func(rec *domain.SessionRecord, st *conversation.State) error {
		next, err := s.router.Next(st.Page, router.Event{Kind: router.Return})
		if err != nil {
			return err
		}
		st.Reset()
		st.Page = next
		rec.Notice = domain.Notice{}

		s.logger.Info("Session reset", "user_id", ref.UserID, "session_id", ref.SessionID)
		s.logEvent(ref, "inbound", "session_reset", "", nil)
		return nil
	})
}

// Notify stores a one-shot notice for the session's next render.
func (s *Service) Notify(ctx context.Context, ref Ref, notice domain.Notice) error {
	_, err := s.mutate(ctx, ref, func(rec *domain.SessionRecord, _ *conversation.State) error {
		rec.Notice = notice
		return nil
	})
	return err
}

// mutate runs fn under the session lock and saves the result. When fn fails, only the
// record's notice is persisted; the state changes fn made are discarded.
func (s *Service) mutate(ctx context.Context, ref Ref, fn func(*domain.SessionRecord, *conversation.State) error) (domain.Page, error) {
	release, err := s.locks.acquire(ctx, ref.Key())
	if err != nil {
		return "", err
	}
	defer release()

	rec, st, err := s.load(ctx, ref)
	if err != nil {
		return "", err
	}
	original := conversation.FromRecord(rec)

	if fnErr := fn(rec, st); fnErr != nil {
		if err := s.save(ctx, rec, original); err != nil {
			s.logger.Warn("Failed to store notice", "error", err, "user_id", ref.UserID)
		}
		return original.Page, fnErr
	}

	if err := s.save(ctx, rec, st); err != nil {
		return "", err
	}
	return st.Page, nil
}

func (s *Service) load(ctx context.Context, ref Ref) (*domain.SessionRecord, *conversation.State, error) {
	rec, err := s.repo.GetSession(ctx, ref.Key())
	if err != nil {
		return nil, nil, fmt.Errorf("load session: %w", err)
	}
	if rec == nil {
		rec = &domain.SessionRecord{Key: ref.Key()}
	}
	return rec, conversation.FromRecord(rec), nil
}

func (s *Service) save(ctx context.Context, rec *domain.SessionRecord, st *conversation.State) error {
	st.ToRecord(rec, s.now())
	if err := s.repo.SaveSession(ctx, rec); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *Service) logEvent(ref Ref, direction, eventType, raw string, meta map[string]any) {
	if ref.RequestID != "" {
		if meta == nil {
			meta = map[string]any{}
		}
		meta["request_id"] = ref.RequestID
	}
	s.log.Log(ConversationLogEvent{
		Timestamp:  s.now().UTC().Format(time.RFC3339Nano),
		UserID:     ref.UserID,
		SessionID:  ref.SessionID,
		Channel:    ref.Channel,
		Direction:  direction,
		EventType:  eventType,
		ContentRaw: raw,
		Content:    cleanForReadability(raw),
		Meta:       meta,
	})
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
