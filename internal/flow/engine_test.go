package flow

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/BTreeMap/IntakePipe/internal/models"
	"github.com/BTreeMap/IntakePipe/internal/registration"
	"github.com/BTreeMap/IntakePipe/internal/store"
)

type fakeSubmitter struct {
	mu       sync.Mutex
	requests []models.RegistrationRequest
	err      error
}

func (f *fakeSubmitter) Submit(_ context.Context, req models.RegistrationRequest) (*registration.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	return &registration.Receipt{StatusCode: http.StatusCreated}, nil
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func newTestEngine(t *testing.T, sessions store.SessionRepo, sub registration.Submitter, opts ...EngineOption) *Engine {
	t.Helper()
	opts = append([]EngineOption{WithSessionStore(sessions), WithSubmitter(sub)}, opts...)
	e, err := NewEngine(opts...)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	return e
}

func turn(conv, text string) models.Turn {
	return models.Turn{ConversationID: conv, UserID: "user-" + conv, Channel: "test", Text: text}
}

// runCycle sends the opening turn plus every valid answer and returns the last result.
func runCycle(t *testing.T, e *Engine, conv string) *TurnResult {
	t.Helper()
	res, err := tryCycle(e, conv)
	if err != nil {
		t.Fatal(err)
	}
	return res
}

func tryCycle(e *Engine, conv string) (*TurnResult, error) {
	ctx := context.Background()
	if _, err := e.HandleTurn(ctx, turn(conv, "hi")); err != nil {
		return nil, fmt.Errorf("opening turn failed: %w", err)
	}
	var res *TurnResult
	for _, a := range validAnswers {
		var err error
		res, err = e.HandleTurn(ctx, turn(conv, a))
		if err != nil {
			return nil, fmt.Errorf("HandleTurn(%q) failed: %w", a, err)
		}
	}
	return res, nil
}

func TestNewEngine_RequiresCollaborators(t *testing.T) {
	if _, err := NewEngine(WithSubmitter(&fakeSubmitter{})); !errors.Is(err, ErrMissingSessionStore) {
		t.Errorf("expected ErrMissingSessionStore, got %v", err)
	}
	if _, err := NewEngine(WithSessionStore(store.NewInMemoryStore())); !errors.Is(err, ErrMissingSubmitter) {
		t.Errorf("expected ErrMissingSubmitter, got %v", err)
	}
}

func TestEngine_RejectsTurnWithoutConversation(t *testing.T) {
	e := newTestEngine(t, store.NewInMemoryStore(), &fakeSubmitter{})
	if _, err := e.HandleTurn(context.Background(), turn("  ", "hi")); !errors.Is(err, ErrInvalidTurn) {
		t.Errorf("expected ErrInvalidTurn, got %v", err)
	}
}

func TestEngine_FullCycleSubmitsOnce(t *testing.T) {
	st := store.NewInMemoryStore()
	sub := &fakeSubmitter{}
	e := newTestEngine(t, st, sub)

	res := runCycle(t, e, "conv-1")

	if sub.count() != 1 {
		t.Fatalf("submitter called %d times, want 1", sub.count())
	}
	if res.Kind != TransitionCompleted || res.PendingSlot != models.SlotNone {
		t.Errorf("unexpected final result: %+v", res)
	}
	if len(res.Replies) != 1 || res.Replies[0] != e.Catalog().Completed("Max") {
		t.Errorf("Replies = %v, want single completion message", res.Replies)
	}
	if res.Submission == nil || res.Submission.Status != SubmissionSubmitted {
		t.Errorf("Submission = %+v", res.Submission)
	}

	sess, err := st.GetSession(context.Background(), "conv-1")
	if err != nil || sess == nil {
		t.Fatalf("GetSession: %v, %v", sess, err)
	}
	if sess.PendingSlot != models.SlotNone || len(sess.Profile) != 0 || sess.CompletedCycles != 1 {
		t.Errorf("stored session not reset: %+v", sess)
	}
	if sess.UserID != "user-conv-1" || sess.Channel != "test" {
		t.Errorf("identity not stored: %+v", sess)
	}
	if got := sub.requests[0]; got.ConversationID != "conv-1" || got.Cycle != 1 || got.DateOfBirth != "2001-02-19" {
		t.Errorf("unexpected request: %+v", got)
	}
}

func TestEngine_CyclesRepeat(t *testing.T) {
	sub := &fakeSubmitter{}
	e := newTestEngine(t, store.NewInMemoryStore(), sub)

	runCycle(t, e, "conv-1")
	runCycle(t, e, "conv-1")

	if sub.count() != 2 {
		t.Fatalf("submitter called %d times, want 2", sub.count())
	}
	if sub.requests[1].Cycle != 2 {
		t.Errorf("second cycle = %d, want 2", sub.requests[1].Cycle)
	}
}

func TestEngine_RejectionDoesNotWrite(t *testing.T) {
	st := store.NewInMemoryStore()
	e := newTestEngine(t, st, &fakeSubmitter{})
	ctx := context.Background()

	if _, err := e.HandleTurn(ctx, turn("conv-1", "hi")); err != nil {
		t.Fatal(err)
	}
	before, _ := st.GetSession(ctx, "conv-1")

	res, err := e.HandleTurn(ctx, turn("conv-1", ""))
	if err != nil {
		t.Fatal(err)
	}
	if res.Kind != TransitionRejected || res.PendingSlot != models.SlotFirstName || len(res.Replies) != 1 {
		t.Errorf("unexpected result: %+v", res)
	}
	after, _ := st.GetSession(ctx, "conv-1")
	if after.Version != before.Version {
		t.Errorf("rejection bumped version %d -> %d", before.Version, after.Version)
	}
}

func TestEngine_SubmissionFailures(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus SubmissionStatus
		wantReply  func(*Catalog) string
	}{
		{"unreachable", &registration.Error{Category: registration.CategoryUnreachable, Err: errors.New("connection refused")},
			SubmissionFailed, func(c *Catalog) string { return c.ConnectionError }},
		{"timeout", &registration.Error{Category: registration.CategoryTimeout, Err: context.DeadlineExceeded},
			SubmissionFailed, func(c *Catalog) string { return c.ConnectionError }},
		{"server error", &registration.Error{Category: registration.CategoryServer, StatusCode: 502},
			SubmissionFailed, func(c *Catalog) string { return c.ConnectionError }},
		{"rejected", &registration.Error{Category: registration.CategoryRejected, StatusCode: 422},
			SubmissionRejected, func(c *Catalog) string { return c.ServerRejected }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := store.NewInMemoryStore()
			e := newTestEngine(t, st, &fakeSubmitter{err: tt.err})

			res := runCycle(t, e, "conv-1")

			if res.Submission == nil || res.Submission.Status != tt.wantStatus {
				t.Fatalf("Submission = %+v, want %s", res.Submission, tt.wantStatus)
			}
			if len(res.Replies) != 1 || res.Replies[0] != tt.wantReply(e.Catalog()) {
				t.Errorf("Replies = %v", res.Replies)
			}
			sess, _ := st.GetSession(context.Background(), "conv-1")
			if sess.PendingSlot != models.SlotNone || len(sess.Profile) != 0 {
				t.Errorf("conversation must reset even when submission fails: %+v", sess)
			}
		})
	}
}

func newTestSQLiteStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(store.WithSQLiteDSN(filepath.Join(t.TempDir(), "flow.db")))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestEngine_FailedSubmissionIsQueued(t *testing.T) {
	st := newTestSQLiteStore(t)
	sub := &fakeSubmitter{err: &registration.Error{Category: registration.CategoryUnreachable, Err: errors.New("down")}}
	e := newTestEngine(t, st, sub, WithDedup(st), WithRetryQueue(st, 0, 4))

	res := runCycle(t, e, "conv-1")

	if res.Submission == nil || res.Submission.Status != SubmissionQueued || res.Submission.RetryJobID == "" {
		t.Fatalf("Submission = %+v, want queued", res.Submission)
	}
	if len(res.Replies) != 1 || res.Replies[0] != e.Catalog().RetryQueued {
		t.Errorf("Replies = %v", res.Replies)
	}

	job, err := st.GetJob(res.Submission.RetryJobID)
	if err != nil || job == nil {
		t.Fatalf("GetJob: %v, %v", job, err)
	}
	if job.Kind != registration.JobKind || job.Status != store.JobStatusQueued || job.MaxAttempts != 4 {
		t.Errorf("unexpected job: %+v", job)
	}
	req, err := registration.DecodeJobPayload(job.PayloadJSON)
	if err != nil {
		t.Fatalf("DecodeJobPayload: %v", err)
	}
	if req.ConversationID != "conv-1" || req.FirstName != "Max" || req.Cycle != 1 || req.SubmissionID == "" {
		t.Errorf("queued request = %+v", req)
	}
}

func TestEngine_ResetDoesNotMergeQueuedSubmissions(t *testing.T) {
	st := newTestSQLiteStore(t)
	sub := &fakeSubmitter{err: &registration.Error{Category: registration.CategoryUnreachable, Err: errors.New("down")}}
	e := newTestEngine(t, st, sub, WithRetryQueue(st, 0, 4))
	ctx := context.Background()

	first := runCycle(t, e, "conv-1")
	if err := e.ResetSession(ctx, "conv-1"); err != nil {
		t.Fatalf("ResetSession: %v", err)
	}
	second := runCycle(t, e, "conv-1")

	if first.Submission == nil || second.Submission == nil ||
		first.Submission.Status != SubmissionQueued || second.Submission.Status != SubmissionQueued {
		t.Fatalf("submissions = %+v, %+v, want both queued", first.Submission, second.Submission)
	}
	if first.Submission.RetryJobID == second.Submission.RetryJobID {
		t.Fatalf("second profile reused job %s", first.Submission.RetryJobID)
	}

	// The cycle counter restarted with the session, yet both profiles are stored.
	for _, id := range []string{first.Submission.RetryJobID, second.Submission.RetryJobID} {
		job, err := st.GetJob(id)
		if err != nil || job == nil {
			t.Fatalf("GetJob(%s): %v, %v", id, job, err)
		}
		req, err := registration.DecodeJobPayload(job.PayloadJSON)
		if err != nil {
			t.Fatalf("DecodeJobPayload: %v", err)
		}
		if req.Cycle != 1 || job.Status != store.JobStatusQueued {
			t.Errorf("job %s: cycle %d status %s", id, req.Cycle, job.Status)
		}
	}
}

func TestEngine_DuplicateMessageDropped(t *testing.T) {
	st := store.NewInMemoryStore()
	e := newTestEngine(t, st, &fakeSubmitter{}, WithDedup(st))
	ctx := context.Background()

	first := turn("conv-1", "hi")
	first.MessageID = "wamid-1"
	if _, err := e.HandleTurn(ctx, first); err != nil {
		t.Fatal(err)
	}
	answer := turn("conv-1", "Max")
	answer.MessageID = "wamid-2"
	if _, err := e.HandleTurn(ctx, answer); err != nil {
		t.Fatal(err)
	}

	res, err := e.HandleTurn(ctx, answer)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Duplicate || len(res.Replies) != 0 {
		t.Errorf("redelivery should be dropped, got %+v", res)
	}
	sess, _ := st.GetSession(ctx, "conv-1")
	if sess.PendingSlot != models.SlotLastName || sess.Profile[models.SlotLastName] != "" {
		t.Errorf("redelivery changed the session: %+v", sess)
	}
}

func TestEngine_ConcurrentTurnsSerialize(t *testing.T) {
	st := store.NewInMemoryStore()
	e := newTestEngine(t, st, &fakeSubmitter{})
	ctx := context.Background()
	if _, err := e.HandleTurn(ctx, turn("conv-1", "hi")); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := e.HandleTurn(ctx, turn("conv-1", "Max"))
			if err == nil && res.Kind != TransitionAdvanced {
				err = fmt.Errorf("unexpected kind %s", res.Kind)
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatal(err)
		}
	}

	sess, _ := st.GetSession(ctx, "conv-1")
	if sess.PendingSlot != models.SlotDateOfBirth {
		t.Errorf("PendingSlot = %s, want DATE_OF_BIRTH: both turns must apply in sequence", sess.PendingSlot)
	}
}

func TestEngine_ParallelConversations(t *testing.T) {
	sub := &fakeSubmitter{}
	e := newTestEngine(t, store.NewInMemoryStore(), sub)

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := tryCycle(e, fmt.Sprintf("conv-%d", i)); err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()

	if sub.count() != n {
		t.Errorf("submitter called %d times, want %d", sub.count(), n)
	}
	if e.locks.size() != 0 {
		t.Errorf("%d conversation locks leaked", e.locks.size())
	}
}

// racingStore lets another writer advance a session right before the next save.
type racingStore struct {
	*store.InMemoryStore
	once  sync.Once
	other func()
}

func (s *racingStore) SaveSession(ctx context.Context, sess *models.Session) error {
	s.once.Do(s.other)
	return s.InMemoryStore.SaveSession(ctx, sess)
}

func TestEngine_VersionConflictReSteps(t *testing.T) {
	inner := store.NewInMemoryStore()
	ctx := context.Background()

	setup := newTestEngine(t, inner, &fakeSubmitter{})
	for _, text := range []string{"hi", "Max"} {
		if _, err := setup.HandleTurn(ctx, turn("conv-1", text)); err != nil {
			t.Fatal(err)
		}
	}

	racing := &racingStore{InMemoryStore: inner}
	racing.other = func() {
		// Another instance fills LAST_NAME first.
		if _, err := setup.HandleTurn(ctx, turn("conv-1", "Schmidt")); err != nil {
			t.Errorf("competing turn failed: %v", err)
		}
	}
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	e := newTestEngine(t, racing, &fakeSubmitter{}, WithMetrics(metrics))

	res, err := e.HandleTurn(ctx, turn("conv-1", "Mustermann"))
	if err != nil {
		t.Fatalf("HandleTurn failed: %v", err)
	}
	// Re-stepped against DATE_OF_BIRTH, where a surname is not a date.
	if res.Kind != TransitionRejected || res.PendingSlot != models.SlotDateOfBirth {
		t.Errorf("unexpected result after conflict: %+v", res)
	}
	sess, _ := inner.GetSession(ctx, "conv-1")
	if sess.Profile[models.SlotLastName] != "Schmidt" {
		t.Errorf("winning write lost: %+v", sess.Profile)
	}
	if got := promtestutil.ToFloat64(metrics.Conflicts); got != 1 {
		t.Errorf("conflicts metric = %v, want 1", got)
	}
}

type conflictStore struct {
	*store.InMemoryStore
	mu    sync.Mutex
	saves int
}

func (s *conflictStore) SaveSession(context.Context, *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	return store.ErrVersionConflict
}

func TestEngine_GivesUpAfterRepeatedConflicts(t *testing.T) {
	st := &conflictStore{InMemoryStore: store.NewInMemoryStore()}
	sub := &fakeSubmitter{}
	e := newTestEngine(t, st, sub)

	_, err := e.HandleTurn(context.Background(), turn("conv-1", "hi"))
	if !errors.Is(err, ErrConcurrentUpdate) {
		t.Fatalf("expected ErrConcurrentUpdate, got %v", err)
	}
	if st.saves != DefaultMaxAttempts {
		t.Errorf("saves = %d, want %d", st.saves, DefaultMaxAttempts)
	}
	if sub.count() != 0 {
		t.Error("nothing may be submitted before a save commits")
	}
}

// flakyStore refuses every save while conflicting is set.
type flakyStore struct {
	*store.InMemoryStore
	conflicting atomic.Bool
}

func (s *flakyStore) SaveSession(ctx context.Context, sess *models.Session) error {
	if s.conflicting.Load() {
		return store.ErrVersionConflict
	}
	return s.InMemoryStore.SaveSession(ctx, sess)
}

func TestEngine_FailedTurnCanBeRedelivered(t *testing.T) {
	st := &flakyStore{InMemoryStore: store.NewInMemoryStore()}
	e := newTestEngine(t, st, &fakeSubmitter{}, WithDedup(st.InMemoryStore))
	ctx := context.Background()

	opening := turn("conv-1", "hi")
	opening.MessageID = "wamid-1"

	st.conflicting.Store(true)
	if _, err := e.HandleTurn(ctx, opening); !errors.Is(err, ErrConcurrentUpdate) {
		t.Fatalf("expected ErrConcurrentUpdate, got %v", err)
	}

	st.conflicting.Store(false)
	res, err := e.HandleTurn(ctx, opening)
	if err != nil {
		t.Fatalf("redelivery failed: %v", err)
	}
	if res.Duplicate || res.Kind != TransitionStarted || len(res.Replies) == 0 {
		t.Errorf("redelivery after a failed turn should run, got %+v", res)
	}

	again, err := e.HandleTurn(ctx, opening)
	if err != nil {
		t.Fatal(err)
	}
	if !again.Duplicate {
		t.Error("a committed message must still be deduplicated")
	}
}

type brokenStore struct{ *store.InMemoryStore }

func (brokenStore) GetSession(context.Context, string) (*models.Session, error) {
	return nil, errors.New("disk on fire")
}

func TestEngine_StoreErrorFailsTurn(t *testing.T) {
	e := newTestEngine(t, brokenStore{store.NewInMemoryStore()}, &fakeSubmitter{})
	if _, err := e.HandleTurn(context.Background(), turn("conv-1", "hi")); err == nil {
		t.Fatal("expected error from failing store")
	}
}

func TestEngine_ResetSession(t *testing.T) {
	st := store.NewInMemoryStore()
	e := newTestEngine(t, st, &fakeSubmitter{})
	ctx := context.Background()
	for _, text := range []string{"hi", "Max", "Mustermann"} {
		if _, err := e.HandleTurn(ctx, turn("conv-1", text)); err != nil {
			t.Fatal(err)
		}
	}

	if err := e.ResetSession(ctx, "conv-1"); err != nil {
		t.Fatalf("ResetSession: %v", err)
	}
	if sess, _ := e.Session(ctx, "conv-1"); sess != nil {
		t.Fatalf("session still present: %+v", sess)
	}
	res, err := e.HandleTurn(ctx, turn("conv-1", "Max"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Kind != TransitionStarted {
		t.Errorf("Kind = %s, want started after reset", res.Kind)
	}
}

func TestEngine_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	e := newTestEngine(t, store.NewInMemoryStore(), &fakeSubmitter{}, WithMetrics(m))

	runCycle(t, e, "conv-1")

	if got := promtestutil.ToFloat64(m.Submissions.WithLabelValues(string(SubmissionSubmitted))); got != 1 {
		t.Errorf("submitted = %v, want 1", got)
	}
	if got := promtestutil.ToFloat64(m.Turns.WithLabelValues(string(TransitionAdvanced))); got != 9 {
		t.Errorf("advanced turns = %v, want 9", got)
	}
	if got := promtestutil.ToFloat64(m.Turns.WithLabelValues(string(TransitionCompleted))); got != 1 {
		t.Errorf("completed turns = %v, want 1", got)
	}

	var nilMetrics *Metrics
	nilMetrics.IncrementTurn("started")
	nilMetrics.IncrementConflict()
}
