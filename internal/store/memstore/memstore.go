// Package memstore is an in-process ceremony.Store. Transactions run one at
// a time against a private copy of the state that replaces the live state
// only on commit, so a failed transaction leaves no trace.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"ceremony/internal/ceremony"
)

// DefaultSessionName is the session every new store starts with.
const DefaultSessionName = "Default Session"

// Store is a mutex-guarded ceremony.Store.
type Store struct {
	mu sync.RWMutex
	st *state
}

var _ ceremony.Store = (*Store)(nil)

// New creates a store holding the default session and an idle announcement.
func New() *Store {
	now := time.Now().UTC().Truncate(time.Microsecond)
	st := &state{
		sessions:  map[int64]ceremony.Session{},
		graduates: map[int64]ceremony.Graduate{},
		summaries: map[int64]ceremony.Summary{},
		pointer:   ceremony.Announcement{UpdatedAt: now},
	}
	st.nextSession++
	st.sessions[st.nextSession] = ceremony.Session{ID: st.nextSession, Name: DefaultSessionName, CreatedAt: now}
	return &Store{st: st}
}

// InTx runs fn against a copy of the state and publishes the copy when fn
// returns nil.
func (s *Store) InTx(ctx context.Context, fn func(tx ceremony.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	work := s.st.clone()
	if err := fn(&tx{state: work}); err != nil {
		return err
	}
	s.st = work
	return nil
}

func (s *Store) Session(ctx context.Context, id int64) (ceremony.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.Session(ctx, id)
}

func (s *Store) SessionByName(ctx context.Context, name string) (ceremony.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.SessionByName(ctx, name)
}

func (s *Store) Sessions(ctx context.Context) ([]ceremony.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.Sessions(ctx)
}

func (s *Store) Graduate(ctx context.Context, id int64) (ceremony.Graduate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.Graduate(ctx, id)
}

func (s *Store) GraduateByStudent(ctx context.Context, sessionID int64, studentID string) (ceremony.Graduate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.GraduateByStudent(ctx, sessionID, studentID)
}

func (s *Store) GraduateByQRToken(ctx context.Context, sessionID int64, token string) (ceremony.Graduate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.GraduateByQRToken(ctx, sessionID, token)
}

func (s *Store) Graduates(ctx context.Context, sessionID int64) ([]ceremony.Graduate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.Graduates(ctx, sessionID)
}

func (s *Store) Eligible(ctx context.Context, sessionID int64, m ceremony.Method) ([]ceremony.Graduate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.Eligible(ctx, sessionID, m)
}

func (s *Store) Queue(ctx context.Context, sessionID int64) ([]ceremony.Graduate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.Queue(ctx, sessionID)
}

func (s *Store) CurrentAnnouncement(ctx context.Context) (ceremony.Announcement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.CurrentAnnouncement(ctx)
}

func (s *Store) Summary(ctx context.Context, sessionID int64) (ceremony.Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.Summary(ctx, sessionID)
}

func (s *Store) VerificationEvents(ctx context.Context, f ceremony.EventFilter) ([]ceremony.VerificationEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.VerificationEvents(ctx, f)
}

// state is the whole dataset. Graduate values are replaced, never mutated
// in place, so a shallow map copy is a full snapshot.
type state struct {
	sessions     map[int64]ceremony.Session
	graduates    map[int64]ceremony.Graduate
	events       []ceremony.VerificationEvent
	summaries    map[int64]ceremony.Summary
	pointer      ceremony.Announcement
	nextSession  int64
	nextGraduate int64
}

func (st *state) clone() *state {
	c := *st
	c.sessions = make(map[int64]ceremony.Session, len(st.sessions))
	for k, v := range st.sessions {
		c.sessions[k] = v
	}
	c.graduates = make(map[int64]ceremony.Graduate, len(st.graduates))
	for k, v := range st.graduates {
		c.graduates[k] = v
	}
	c.summaries = make(map[int64]ceremony.Summary, len(st.summaries))
	for k, v := range st.summaries {
		c.summaries[k] = v
	}
	c.events = append([]ceremony.VerificationEvent(nil), st.events...)
	return &c
}

func (st *state) Session(_ context.Context, id int64) (ceremony.Session, error) {
	s, ok := st.sessions[id]
	if !ok {
		return ceremony.Session{}, ceremony.NotFoundf("session %d not found", id)
	}
	return s, nil
}

func (st *state) SessionByName(_ context.Context, name string) (ceremony.Session, error) {
	name = strings.TrimSpace(name)
	for _, s := range st.sessions {
		if s.Name == name {
			return s, nil
		}
	}
	return ceremony.Session{}, ceremony.NotFoundf("session %q not found", name)
}

func (st *state) Sessions(context.Context) ([]ceremony.Session, error) {
	out := make([]ceremony.Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (st *state) Graduate(_ context.Context, id int64) (ceremony.Graduate, error) {
	g, ok := st.graduates[id]
	if !ok {
		return ceremony.Graduate{}, ceremony.NotFoundf("graduate %d not found", id)
	}
	return g, nil
}

func (st *state) GraduateByStudent(_ context.Context, sessionID int64, studentID string) (ceremony.Graduate, error) {
	for _, g := range st.graduates {
		if g.InSession(sessionID) && g.StudentID == studentID {
			return g, nil
		}
	}
	return ceremony.Graduate{}, ceremony.NotFoundf("student %s not found in session %d", studentID, sessionID)
}

func (st *state) GraduateByQRToken(_ context.Context, sessionID int64, token string) (ceremony.Graduate, error) {
	for _, g := range st.graduates {
		if g.InSession(sessionID) && g.QRToken == token {
			return g, nil
		}
	}
	return ceremony.Graduate{}, ceremony.NotFoundf("qr token not found in session %d", sessionID)
}

func (st *state) Graduates(_ context.Context, sessionID int64) ([]ceremony.Graduate, error) {
	out := st.filter(func(g ceremony.Graduate) bool { return g.InSession(sessionID) })
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (st *state) Eligible(_ context.Context, sessionID int64, m ceremony.Method) ([]ceremony.Graduate, error) {
	out := st.filter(func(g ceremony.Graduate) bool {
		return g.InSession(sessionID) && g.VerifiedAt(m) != nil && g.QueuedAt == nil
	})
	sort.Slice(out, func(i, j int) bool {
		return before(*out[i].VerifiedAt(m), out[i].ID, *out[j].VerifiedAt(m), out[j].ID)
	})
	return out, nil
}

func (st *state) Queue(_ context.Context, sessionID int64) ([]ceremony.Graduate, error) {
	out := st.filter(func(g ceremony.Graduate) bool { return g.InSession(sessionID) && g.QueuedAt != nil })
	sort.Slice(out, func(i, j int) bool {
		return before(*out[i].QueuedAt, out[i].ID, *out[j].QueuedAt, out[j].ID)
	})
	return out, nil
}

func (st *state) CurrentAnnouncement(context.Context) (ceremony.Announcement, error) {
	return st.pointer, nil
}

func (st *state) Summary(_ context.Context, sessionID int64) (ceremony.Summary, error) {
	s, ok := st.summaries[sessionID]
	if !ok {
		return ceremony.Summary{}, ceremony.NotFoundf("no summary for session %d", sessionID)
	}
	return s, nil
}

// VerificationEvents lists matching events newest first.
func (st *state) VerificationEvents(_ context.Context, f ceremony.EventFilter) ([]ceremony.VerificationEvent, error) {
	f = f.Normalize()
	out := make([]ceremony.VerificationEvent, 0)
	for i := len(st.events) - 1; i >= 0; i-- {
		if f.Match(st.events[i]) {
			out = append(out, st.events[i])
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (st *state) filter(keep func(ceremony.Graduate) bool) []ceremony.Graduate {
	out := make([]ceremony.Graduate, 0)
	for _, g := range st.graduates {
		if keep(g) {
			out = append(out, g)
		}
	}
	return out
}

func before(a time.Time, aID int64, b time.Time, bID int64) bool {
	if a.Equal(b) {
		return aID < bID
	}
	return a.Before(b)
}
