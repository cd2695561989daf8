package ceremony

import (
	"context"
	"errors"
	"slices"
	"strings"
)

// AdmitRequest carries one capture for 1:N admission.
type AdmitRequest struct {
	SessionID int64
	Method    Method
	Sample    []byte
}

// AdmitResult describes an admission attempt.
type AdmitResult struct {
	Admitted bool        `json:"admitted"`
	Graduate *Graduate   `json:"graduate,omitempty"`
	Match    MatchResult `json:"match"`
	Eligible int         `json:"eligible_count"`
}

// Admission turns a positive biometric match into exactly one queued
// graduate.
type Admission struct {
	store   Store
	matcher Matcher
	ledger  *Ledger
	policy  Policy
	opts    Options
}

// NewAdmission creates the admission controller. ledger may be nil.
func NewAdmission(store Store, matcher Matcher, ledger *Ledger, policy Policy, opts Options) *Admission {
	return &Admission{
		store:   store,
		matcher: matcher,
		ledger:  ledger,
		policy:  policy.withDefaults(),
		opts:    opts.withDefaults(),
	}
}

// errNotAdmissible rolls back the admission transaction when the locked
// select found no row.
var errNotAdmissible = errors.New("no admissible row")

// Admit identifies the sample against the graduates eligible for the queue
// and queues the matched one. The gateway only ever sees eligible ids, and
// no transaction is open while it is called.
func (a *Admission) Admit(ctx context.Context, req AdmitRequest) (AdmitResult, error) {
	res, err := a.admit(ctx, req)
	outcome := "admitted"
	if err != nil {
		outcome = strings.ToLower(string(CodeOf(err)))
	}
	a.opts.Observer.Admission(outcome)
	return res, err
}

func (a *Admission) admit(ctx context.Context, req AdmitRequest) (AdmitResult, error) {
	var res AdmitResult
	m, err := a.method(req.Method)
	if err != nil {
		return res, err
	}
	if len(req.Sample) == 0 {
		return res, Invalidf("captured sample is required")
	}
	if _, err := a.store.Session(ctx, req.SessionID); err != nil {
		return res, err
	}

	eligible, err := a.store.Eligible(ctx, req.SessionID, m)
	if err != nil {
		return res, err
	}
	res.Eligible = len(eligible)
	if len(eligible) == 0 {
		return res, notEligiblef("no %s-verified graduates awaiting admission in session %d", m, req.SessionID)
	}
	candidates := make([]string, 0, len(eligible))
	for _, g := range eligible {
		candidates = append(candidates, g.StudentID)
	}

	match, err := callMatcher(ctx, a.matcher, a.policy, a.opts, "identify", MatchRequest{
		Method:     m,
		Sample:     req.Sample,
		Candidates: candidates,
		Threshold:  a.policy.IdentifyThreshold,
		MinMargin:  a.policy.MinMargin,
	})
	if err != nil {
		return res, err
	}
	res.Match = match

	candidate := slices.Contains(candidates, match.SubjectID)
	if match.SubjectID != "" {
		ev := VerificationEvent{
			SessionID:    req.SessionID,
			StudentID:    match.SubjectID,
			Kind:         KindIdentify,
			Method:       m,
			Successful:   match.Matched() && candidate,
			Confidence:   confidencePtr(match),
			ProcessingMS: match.Elapsed.Milliseconds(),
		}
		switch {
		case !match.Matched():
			ev.Error = match.Message
		case !candidate:
			ev.Error = "matched student is not an admission candidate"
		}
		a.ledger.recordQuiet(ctx, ev)
	}
	if !match.Matched() {
		return res, noMatch(match)
	}
	if !candidate {
		return res, notEligiblef("matched student %s is not eligible for admission", match.SubjectID)
	}

	g, err := a.queue(ctx, req.SessionID, match.SubjectID, m)
	if err != nil {
		return res, err
	}
	res.Admitted = true
	res.Graduate = &g
	a.opts.Logger.Info("graduate admitted", "session_id", req.SessionID, "student_id", g.StudentID,
		"graduate_id", g.ID, "confidence", match.Confidence)
	return res, nil
}

// QueueStudent admits a graduate by student id without a capture, as an
// operator does from the queue desk. The graduate must already be verified
// by m.
func (a *Admission) QueueStudent(ctx context.Context, sessionID int64, studentID string, m Method) (Graduate, error) {
	g, err := a.queueStudent(ctx, sessionID, studentID, m)
	outcome := "admitted"
	if err != nil {
		outcome = strings.ToLower(string(CodeOf(err)))
	}
	a.opts.Observer.Admission(outcome)
	return g, err
}

func (a *Admission) queueStudent(ctx context.Context, sessionID int64, studentID string, m Method) (Graduate, error) {
	m, err := a.method(m)
	if err != nil {
		return Graduate{}, err
	}
	studentID = strings.TrimSpace(studentID)
	if studentID == "" {
		return Graduate{}, Invalidf("student id is required")
	}
	if _, err := a.store.Session(ctx, sessionID); err != nil {
		return Graduate{}, err
	}
	g, err := a.queue(ctx, sessionID, studentID, m)
	if err != nil {
		return Graduate{}, err
	}
	a.opts.Logger.Info("graduate queued manually", "session_id", sessionID, "student_id", studentID, "graduate_id", g.ID)
	return g, nil
}

// queue locks the admissible row and stamps queued_at. Of any number of
// concurrent calls for the same student, one finds the row; the rest find
// nothing once the winner commits.
func (a *Admission) queue(ctx context.Context, sessionID int64, studentID string, m Method) (Graduate, error) {
	var out Graduate
	err := a.store.InTx(ctx, func(tx Tx) error {
		g, ok, err := tx.LockAdmissible(ctx, sessionID, studentID, m)
		if err != nil {
			return err
		}
		if !ok {
			return errNotAdmissible
		}
		queued, changed, err := tx.SetStage(ctx, g.ID, StageQueued, a.opts.Clock())
		if err != nil {
			return err
		}
		if !changed {
			return violationf("graduate %d was locked unqueued but queued_at is set", g.ID)
		}
		out = queued
		return nil
	})
	if errors.Is(err, errNotAdmissible) {
		return Graduate{}, a.rejection(ctx, sessionID, studentID, m)
	}
	if errors.Is(err, ErrInvariantViolation) {
		a.opts.Logger.Error("admission invariant violated", "session_id", sessionID, "student_id", studentID, "error", err)
	}
	return out, err
}

// rejection explains why no admissible row was found.
func (a *Admission) rejection(ctx context.Context, sessionID int64, studentID string, m Method) error {
	g, err := a.store.GraduateByStudent(ctx, sessionID, studentID)
	if errors.Is(err, ErrNotFound) {
		return notEligiblef("student %s is not registered in session %d", studentID, sessionID)
	}
	if err != nil {
		return err
	}
	if g.QueuedAt != nil {
		return newError(CodeAlreadyQueued, "student %s already queued", studentID)
	}
	if g.VerifiedAt(m) == nil {
		return notEligiblef("student %s has no %s verification", studentID, m)
	}
	return notEligiblef("student %s is not eligible for admission", studentID)
}

func (a *Admission) method(m Method) (Method, error) {
	if m == "" {
		return a.policy.Method, nil
	}
	if !m.Valid() {
		return "", Invalidf("unknown verification method %q", m)
	}
	return m, nil
}
