package advisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/cpf-advisor/internal/completion"
	"github.com/ashureev/cpf-advisor/internal/config"
	"github.com/ashureev/cpf-advisor/internal/content"
	"github.com/ashureev/cpf-advisor/internal/domain"
	"github.com/ashureev/cpf-advisor/internal/router"
	"github.com/ashureev/cpf-advisor/internal/store"
)

func testConfig() *config.Config {
	return &config.Config{
		FeedbackSubmitReturns: true,
		Completion:            config.CompletionConfig{Model: "gpt-3.5-turbo"},
		RateLimit:             config.RateLimitConfig{RequestsPerWindow: 100, WindowDuration: time.Minute},
	}
}

func newTestService(t *testing.T, cfg *config.Config, c completion.Completer) (*Service, store.Repository) {
	t.Helper()
	pages, err := content.Load()
	require.NoError(t, err)
	repo := store.NewMemory()
	svc := NewService(cfg, repo, c, pages, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(svc.Close)
	return svc, repo
}

var alice = Ref{UserID: "anon_alice", SessionID: "tab1", Channel: ChannelHTTP}

func TestEndToEndEnquiry(t *testing.T) {
	ctx := context.Background()
	stub := completion.NewStub(completion.StubReply{Content: "It is $XXX as of 2024."})
	svc, _ := newTestService(t, testConfig(), stub)

	page, err := svc.SubmitProfile(ctx, alice, ProfileForm{
		Gender: "Female", Age: "30", EmploymentStatus: "Employed", Topic: "Enquiry",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.PageChatbot, page)

	reply, err := svc.Ask(ctx, alice, "What is the Full Retirement Sum?")
	require.NoError(t, err)
	assert.Equal(t, "It is $XXX as of 2024.", reply.Content)

	st, notice, err := svc.View(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, domain.NoticeSuccess, notice.Level)
	require.Len(t, st.Transcript, 2)

	user := st.Transcript[0]
	assert.Equal(t, domain.RoleUser, user.Role)
	assert.Contains(t, user.Content, "Gender: Female")
	assert.Contains(t, user.Content, "Age Group: 30")
	assert.Contains(t, user.Content, "Employment Status: Employed")
	assert.Contains(t, user.Content, "What is the Full Retirement Sum?")
	assert.Equal(t, "What is the Full Retirement Sum?", user.Text())

	assert.Equal(t, domain.Message{Role: domain.RoleAssistant, Content: "It is $XXX as of 2024."}, st.Transcript[1])

	reqs := stub.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "gpt-3.5-turbo", reqs[0].Model)
	assert.Zero(t, reqs[0].Temperature)
	assert.Equal(t, []domain.Message{{Role: domain.RoleUser, Content: user.Content}}, reqs[0].Messages)
}

func TestAskReplaysWholeTranscriptInOrder(t *testing.T) {
	ctx := context.Background()
	stub := completion.NewStub(
		completion.StubReply{Content: "a1"},
		completion.StubReply{Content: "a2"},
		completion.StubReply{Content: "a3"},
	)
	svc, _ := newTestService(t, testConfig(), stub)

	for _, q := range []string{"q1", "q2", "q3"} {
		_, err := svc.Ask(ctx, alice, q)
		require.NoError(t, err)
	}

	reqs := stub.Requests()
	require.Len(t, reqs, 3)
	var got []string
	for _, m := range reqs[2].Messages {
		got = append(got, string(m.Role)+"|"+m.Content)
	}
	want := []string{
		"user|<User Query>\nq1\n<End of User Input>",
		"assistant|a1",
		"user|<User Query>\nq2\n<End of User Input>",
		"assistant|a2",
		"user|<User Query>\nq3\n<End of User Input>",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("replayed history mismatch (-want +got):\n%s", diff)
	}
}

func TestAskFailureLeavesTranscriptIntact(t *testing.T) {
	ctx := context.Background()
	stub := completion.NewStub(
		completion.StubReply{Content: "first"},
		completion.StubReply{Err: errors.New("connection reset")},
		completion.StubReply{Content: "third"},
	)
	svc, _ := newTestService(t, testConfig(), stub)

	_, err := svc.Ask(ctx, alice, "one")
	require.NoError(t, err)

	_, err = svc.Ask(ctx, alice, "two")
	require.Error(t, err)
	assert.True(t, completion.IsServiceError(err))

	st, notice, err := svc.View(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, domain.NoticeError, notice.Level)
	assert.Len(t, st.Transcript, 2)

	// The session stays usable.
	_, err = svc.Ask(ctx, alice, "three")
	require.NoError(t, err)
	st, _, err = svc.View(ctx, alice)
	require.NoError(t, err)
	require.Len(t, st.Transcript, 4)
	assert.Equal(t, "three", st.Transcript[2].Text())
}

func TestAskRejectsEmptyQuery(t *testing.T) {
	stub := completion.NewStub()
	svc, repo := newTestService(t, testConfig(), stub)

	_, err := svc.Ask(context.Background(), alice, "   ")
	assert.ErrorIs(t, err, domain.ErrEmptyQuery)
	assert.Empty(t, stub.Requests())

	rec, err := repo.GetSession(context.Background(), alice.Key())
	require.NoError(t, err)
	assert.Nil(t, rec)
}

type blockingCompleter struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingCompleter) Complete(ctx context.Context, _ completion.Request) (domain.Message, error) {
	b.entered <- struct{}{}
	select {
	case <-b.release:
		return domain.Message{Role: domain.RoleAssistant, Content: "done"}, nil
	case <-ctx.Done():
		return domain.Message{}, &completion.ServiceError{Provider: "test", Err: ctx.Err()}
	}
}

func TestAskRefusesConcurrentTurnOnSameSession(t *testing.T) {
	ctx := context.Background()
	bc := &blockingCompleter{entered: make(chan struct{}, 1), release: make(chan struct{})}
	svc, _ := newTestService(t, testConfig(), bc)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := svc.Ask(ctx, alice, "slow question")
		assert.NoError(t, err)
	}()
	<-bc.entered

	_, err := svc.Ask(ctx, alice, "impatient")
	assert.ErrorIs(t, err, ErrTurnInProgress)

	// Another tab of the same device is independent.
	other := alice
	other.SessionID = "tab2"
	done := make(chan error, 1)
	go func() {
		_, err := svc.Ask(ctx, other, "parallel tab")
		done <- err
	}()
	<-bc.entered

	close(bc.release)
	wg.Wait()
	require.NoError(t, <-done)

	st, _, err := svc.View(ctx, alice)
	require.NoError(t, err)
	assert.Len(t, st.Transcript, 2)
}

func TestAskRateLimitedPerUser(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit.RequestsPerWindow = 1
	stub := completion.NewStub()
	stub.Fallback = "ok"
	svc, _ := newTestService(t, cfg, stub)

	_, err := svc.Ask(context.Background(), alice, "first")
	require.NoError(t, err)

	otherTab := alice
	otherTab.SessionID = "tab2"
	_, err = svc.Ask(context.Background(), otherTab, "second")
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Len(t, stub.Requests(), 1)
}

func TestSubmitProfileRouting(t *testing.T) {
	tests := []struct {
		topic string
		want  domain.Page
	}{
		{"Complaints", domain.PageFeedback},
		{"Compliments", domain.PageFeedback},
		{"Feedback", domain.PageFeedback},
		{"Enquiry", domain.PageChatbot},
		{"Appeals", domain.PageChatbot},
		{"Select", domain.PageChatbot},
	}
	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			svc, _ := newTestService(t, testConfig(), completion.NewStub())
			page, err := svc.SubmitProfile(context.Background(), alice, ProfileForm{Topic: tt.topic})
			require.NoError(t, err)
			assert.Equal(t, tt.want, page)
		})
	}
}

func TestSubmitProfileInvalidAgeMutatesNothing(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, testConfig(), completion.NewStub())

	_, err := svc.Navigate(ctx, alice, domain.PageMethodology)
	require.NoError(t, err)

	page, err := svc.SubmitProfile(ctx, alice, ProfileForm{Age: "12a", Topic: "Complaints"})
	assert.ErrorIs(t, err, domain.ErrInvalidAge)
	assert.Equal(t, domain.PageMethodology, page)

	st, notice, err := svc.View(ctx, alice)
	require.NoError(t, err)
	assert.False(t, st.HasProfile())
	assert.Equal(t, domain.PageMethodology, st.Page)
	assert.Equal(t, domain.NoticeError, notice.Level)
	assert.Equal(t, "Please enter a valid number for your age.", notice.Text)
}

func TestSubmitProfileOnlyOnce(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, testConfig(), completion.NewStub())

	_, err := svc.SubmitProfile(ctx, alice, ProfileForm{Gender: "Male"})
	require.NoError(t, err)
	_, err = svc.SubmitProfile(ctx, alice, ProfileForm{Gender: "Female"})
	assert.ErrorIs(t, err, domain.ErrProfileAlreadySet)

	st, _, err := svc.View(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, domain.GenderMale, *st.Profile.Gender)
}

func TestFeedbackFlow(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, testConfig(), completion.NewStub())

	page, err := svc.SubmitProfile(ctx, alice, ProfileForm{Topic: "Complaints"})
	require.NoError(t, err)
	require.Equal(t, domain.PageFeedback, page)

	// Navigation is ignored while feedback is pending.
	page, err = svc.Navigate(ctx, alice, domain.PageAboutUs)
	require.NoError(t, err)
	assert.Equal(t, domain.PageFeedback, page)

	page, err = svc.SubmitFeedback(ctx, alice, FeedbackForm{Type: "Complaints", Message: "", Rating: "2"})
	assert.ErrorIs(t, err, domain.ErrEmptyFeedback)
	assert.Equal(t, domain.PageFeedback, page)
	_, notice, err := svc.View(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, domain.NoticeWarning, notice.Level)

	_, err = svc.SubmitFeedback(ctx, alice, FeedbackForm{Type: "Complaints", Message: "slow", Rating: "9"})
	assert.ErrorIs(t, err, domain.ErrInvalidFeedback)

	page, err = svc.SubmitFeedback(ctx, alice, FeedbackForm{Type: "Complaints", Message: "slow site", Rating: "2"})
	require.NoError(t, err)
	assert.Equal(t, domain.PageChatbot, page)

	_, notice, err = svc.View(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, domain.NoticeSuccess, notice.Level)
	assert.Contains(t, notice.Text, "We apologise for the experience")
}

func TestFeedbackStaysWhenConfigured(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.FeedbackSubmitReturns = false
	svc, _ := newTestService(t, cfg, completion.NewStub())

	_, err := svc.SubmitProfile(ctx, alice, ProfileForm{Topic: "Compliments"})
	require.NoError(t, err)

	page, err := svc.SubmitFeedback(ctx, alice, FeedbackForm{Type: "Compliments", Message: "great", Rating: "5"})
	require.NoError(t, err)
	assert.Equal(t, domain.PageFeedback, page)

	page, err = svc.Return(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, domain.PageChatbot, page)
}

func TestSubmitFeedbackOutsideFeedbackPage(t *testing.T) {
	svc, _ := newTestService(t, testConfig(), completion.NewStub())
	_, err := svc.SubmitFeedback(context.Background(), alice, FeedbackForm{Type: "Feedback", Message: "hi", Rating: "3"})
	assert.ErrorIs(t, err, router.ErrUnknownTransition)
}

func TestReturnResetsSessionIdempotently(t *testing.T) {
	ctx := context.Background()
	stub := completion.NewStub()
	stub.Fallback = "answer"
	svc, _ := newTestService(t, testConfig(), stub)

	_, err := svc.SubmitProfile(ctx, alice, ProfileForm{Gender: "Other", Age: "70"})
	require.NoError(t, err)
	_, err = svc.Ask(ctx, alice, "hello")
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		page, err := svc.Return(ctx, alice)
		require.NoError(t, err)
		assert.Equal(t, domain.PageChatbot, page)

		st, notice, err := svc.View(ctx, alice)
		require.NoError(t, err)
		assert.False(t, st.HasProfile())
		assert.Empty(t, st.Transcript)
		assert.True(t, notice.IsZero())
	}
}

func TestSessionsAreIsolated(t *testing.T) {
	ctx := context.Background()
	stub := completion.NewStub()
	stub.Fallback = "answer"
	svc, _ := newTestService(t, testConfig(), stub)

	bob := Ref{UserID: "anon_bob", SessionID: "tab1"}
	_, err := svc.SubmitProfile(ctx, alice, ProfileForm{Gender: "Female"})
	require.NoError(t, err)
	_, err = svc.Ask(ctx, alice, "alice asks")
	require.NoError(t, err)

	st, notice, err := svc.View(ctx, bob)
	require.NoError(t, err)
	assert.False(t, st.HasProfile())
	assert.Empty(t, st.Transcript)
	assert.True(t, notice.IsZero())
	assert.Equal(t, domain.PageChatbot, st.Page)
}

func TestNavigateRejectsFeedbackTarget(t *testing.T) {
	svc, _ := newTestService(t, testConfig(), completion.NewStub())
	_, err := svc.Navigate(context.Background(), alice, domain.PageFeedback)
	assert.ErrorIs(t, err, router.ErrUnknownTransition)
}

func TestViewConsumesNoticeOnce(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, testConfig(), completion.NewStub())

	_, err := svc.SubmitProfile(ctx, alice, ProfileForm{})
	require.NoError(t, err)

	_, first, err := svc.View(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, "Thank you for providing your information!", first.Text)

	_, second, err := svc.View(ctx, alice)
	require.NoError(t, err)
	assert.True(t, second.IsZero())
}

func TestAskOnlyOnChatbotPage(t *testing.T) {
	ctx := context.Background()
	stub := completion.NewStub()
	stub.Fallback = "answer"
	svc, _ := newTestService(t, testConfig(), stub)

	_, err := svc.Navigate(ctx, alice, domain.PageAboutUs)
	require.NoError(t, err)
	_, err = svc.Ask(ctx, alice, "from about us")
	assert.ErrorIs(t, err, router.ErrUnknownTransition)

	feedbackTab := Ref{UserID: alice.UserID, SessionID: "tab-feedback"}
	_, err = svc.SubmitProfile(ctx, feedbackTab, ProfileForm{Topic: "Complaints"})
	require.NoError(t, err)
	_, err = svc.Ask(ctx, feedbackTab, "from feedback")
	assert.ErrorIs(t, err, router.ErrUnknownTransition)

	assert.Empty(t, stub.Requests())
	st, _, err := svc.View(ctx, alice)
	require.NoError(t, err)
	assert.Empty(t, st.Transcript)
	assert.Equal(t, domain.PageAboutUs, st.Page)

	_, err = svc.Navigate(ctx, alice, domain.PageChatbot)
	require.NoError(t, err)
	_, err = svc.Ask(ctx, alice, "from chatbot")
	assert.NoError(t, err)
}

func TestSessionLocksAreReleasedAfterUse(t *testing.T) {
	ctx := context.Background()
	stub := completion.NewStub()
	stub.Fallback = "answer"
	svc, _ := newTestService(t, testConfig(), stub)

	for i := 0; i < 1000; i++ {
		ref := Ref{UserID: "anon_bot", SessionID: fmt.Sprintf("tab%d", i)}
		_, _, err := svc.View(ctx, ref)
		require.NoError(t, err)
	}
	assert.Zero(t, svc.locks.size())

	_, err := svc.Ask(ctx, alice, "hello")
	require.NoError(t, err)
	_, err = svc.Return(ctx, alice)
	require.NoError(t, err)
	assert.Zero(t, svc.locks.size())
}

func TestSessionLocksCleanUpAfterContention(t *testing.T) {
	var locks sessionLocks

	release, ok := locks.tryAcquire("k")
	require.True(t, ok)

	_, ok = locks.tryAcquire("k")
	assert.False(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := locks.acquire(ctx, "k")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, locks.size())

	acquired := make(chan func(), 1)
	go func() {
		r, err := locks.acquire(context.Background(), "k")
		if err == nil {
			acquired <- r
		}
	}()

	release()
	release()
	select {
	case r := <-acquired:
		assert.Equal(t, 1, locks.size())
		r()
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never acquired the lock")
	}
	assert.Zero(t, locks.size())
}
