package ceremony_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ceremony/internal/ceremony"
	"ceremony/internal/store/memstore"
)

const sid int64 = 1

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func newStepClock() *stepClock {
	return &stepClock{now: time.Date(2026, 6, 20, 9, 0, 0, 0, time.UTC)}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

// fakeMatcher identifies a sample as the student id it spells.
type fakeMatcher struct {
	mu    sync.Mutex
	calls []ceremony.MatchRequest
	fn    func(ctx context.Context, req ceremony.MatchRequest) (ceremony.MatchResult, error)
}

func (f *fakeMatcher) Match(ctx context.Context, req ceremony.MatchRequest) (ceremony.MatchResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	fn := f.fn
	f.mu.Unlock()
	if fn == nil {
		fn = bySample
	}
	return fn(ctx, req)
}

func (f *fakeMatcher) set(fn func(ctx context.Context, req ceremony.MatchRequest) (ceremony.MatchResult, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fn = fn
}

func (f *fakeMatcher) Calls() []ceremony.MatchRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ceremony.MatchRequest(nil), f.calls...)
}

func bySample(_ context.Context, req ceremony.MatchRequest) (ceremony.MatchResult, error) {
	who := string(req.Sample)
	if req.Identity != "" {
		if who != req.Identity {
			return ceremony.MatchResult{Success: true, Valid: false, Confidence: 0.2, Message: "different person"}, nil
		}
		return ceremony.MatchResult{Success: true, Valid: true, SubjectID: who, Confidence: 0.9}, nil
	}
	if !slices.Contains(req.Candidates, who) {
		return ceremony.MatchResult{Success: false, Message: "no candidate above threshold"}, nil
	}
	return ceremony.MatchResult{Success: true, Valid: true, SubjectID: who, Confidence: 0.88}, nil
}

type recordingNotifier struct {
	mu  sync.Mutex
	got []ceremony.Announcement
}

func (n *recordingNotifier) Notify(_ context.Context, a ceremony.Announcement) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.got = append(n.got, a)
	return nil
}

func (n *recordingNotifier) All() []ceremony.Announcement {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]ceremony.Announcement(nil), n.got...)
}

type recordingRetrier struct {
	calls atomic.Int64
	last  atomic.Int64
}

func (r *recordingRetrier) RetryRecompute(_ context.Context, sessionID int64) error {
	r.calls.Add(1)
	r.last.Store(sessionID)
	return nil
}

// failingStore fails every summary lock while fail is set.
type failingStore struct {
	ceremony.Store
	fail atomic.Bool
}

func (s *failingStore) InTx(ctx context.Context, fn func(tx ceremony.Tx) error) error {
	return s.Store.InTx(ctx, func(tx ceremony.Tx) error {
		return fn(failingTx{Tx: tx, fail: s.fail.Load()})
	})
}

type failingTx struct {
	ceremony.Tx
	fail bool
}

func (t failingTx) LockSummary(ctx context.Context, sessionID int64) error {
	if t.fail {
		return errors.New("summary row unavailable")
	}
	return t.Tx.LockSummary(ctx, sessionID)
}

type fixture struct {
	store     *memstore.Store
	matcher   *fakeMatcher
	notifier  *recordingNotifier
	retrier   *recordingRetrier
	opts      ceremony.Options
	lifecycle *ceremony.Lifecycle
	ledger    *ceremony.Ledger
	verifier  *ceremony.Verifier
	admission *ceremony.Admission
	sequencer *ceremony.Sequencer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWith(t, memstore.New(), ceremony.DefaultPolicy())
}

func newFixtureWith(t *testing.T, store ceremony.Store, policy ceremony.Policy) *fixture {
	t.Helper()
	f := &fixture{
		matcher:  &fakeMatcher{},
		notifier: &recordingNotifier{},
		retrier:  &recordingRetrier{},
		opts: ceremony.Options{
			Clock:  newStepClock().Now,
			Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		},
	}
	if ms, ok := store.(*memstore.Store); ok {
		f.store = ms
	}
	f.lifecycle = ceremony.NewLifecycle(store, f.notifier, f.opts)
	f.ledger = ceremony.NewLedger(store, f.retrier, f.opts)
	f.verifier = ceremony.NewVerifier(store, f.matcher, f.ledger, policy, f.opts)
	f.admission = ceremony.NewAdmission(store, f.matcher, f.ledger, policy, f.opts)
	f.sequencer = ceremony.NewSequencer(store, f.notifier, f.opts)
	return f
}

func (f *fixture) register(t *testing.T, studentID string) ceremony.Graduate {
	t.Helper()
	g, err := f.lifecycle.RegisterGraduate(context.Background(), sid, ceremony.Registration{
		StudentID: studentID,
		FullName:  "Graduate " + studentID,
		Program:   "Computer Science",
	})
	if err != nil {
		t.Fatalf("register %s: %v", studentID, err)
	}
	return g
}

func (f *fixture) verified(t *testing.T, studentID string) ceremony.Graduate {
	t.Helper()
	g := f.register(t, studentID)
	tr, err := f.lifecycle.MarkVerified(context.Background(), g.ID, ceremony.MethodFace)
	if err != nil {
		t.Fatalf("verify %s: %v", studentID, err)
	}
	return tr.Graduate
}

func (f *fixture) queued(t *testing.T, studentID string) ceremony.Graduate {
	t.Helper()
	f.verified(t, studentID)
	g, err := f.admission.QueueStudent(context.Background(), sid, studentID, ceremony.MethodFace)
	if err != nil {
		t.Fatalf("queue %s: %v", studentID, err)
	}
	return g
}

func (f *fixture) graduate(t *testing.T, id int64) ceremony.Graduate {
	t.Helper()
	g, err := f.lifecycle.Roster(context.Background(), sid)
	if err != nil {
		t.Fatalf("roster: %v", err)
	}
	for _, x := range g {
		if x.ID == id {
			return x
		}
	}
	t.Fatalf("graduate %d not in roster", id)
	return ceremony.Graduate{}
}

func wantCode(t *testing.T, err error, code ceremony.Code) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s, got nil", code)
	}
	if got := ceremony.CodeOf(err); got != code {
		t.Fatalf("expected %s, got %s (%v)", code, got, err)
	}
}
