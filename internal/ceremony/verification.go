package ceremony

import (
	"context"
	"strings"
)

// VerifyRequest carries one capture for 1:1 verification of a known student.
type VerifyRequest struct {
	SessionID int64
	StudentID string
	Method    Method
	Sample    []byte
}

// VerifyResult describes a verification attempt.
type VerifyResult struct {
	Verified bool        `json:"verified"`
	Graduate *Graduate   `json:"graduate,omitempty"`
	Match    MatchResult `json:"match"`
	Changed  bool        `json:"changed"`
}

// Verifier checks a capture against one registered graduate and stamps the
// method's verification timestamp on success.
type Verifier struct {
	store   Store
	matcher Matcher
	ledger  *Ledger
	policy  Policy
	opts    Options
}

// NewVerifier creates a verifier. ledger may be nil.
func NewVerifier(store Store, matcher Matcher, ledger *Ledger, policy Policy, opts Options) *Verifier {
	return &Verifier{
		store:   store,
		matcher: matcher,
		ledger:  ledger,
		policy:  policy.withDefaults(),
		opts:    opts.withDefaults(),
	}
}

// Verify runs a 1:1 match. Every gateway answer is recorded in the ledger;
// gateway failures are not, and leave nothing written. A successful match
// stamps attended_at and the method timestamp in one transaction.
func (v *Verifier) Verify(ctx context.Context, req VerifyRequest) (VerifyResult, error) {
	var res VerifyResult
	m := req.Method
	if m == "" {
		m = v.policy.Method
	}
	if !m.Valid() {
		return res, Invalidf("unknown verification method %q", req.Method)
	}
	studentID := strings.TrimSpace(req.StudentID)
	if studentID == "" {
		return res, Invalidf("student id is required")
	}
	if len(req.Sample) == 0 {
		return res, Invalidf("captured sample is required")
	}
	g, err := v.store.GraduateByStudent(ctx, req.SessionID, studentID)
	if err != nil {
		return res, err
	}

	match, err := callMatcher(ctx, v.matcher, v.policy, v.opts, "verify", MatchRequest{
		Method:    m,
		Sample:    req.Sample,
		Identity:  studentID,
		Threshold: v.policy.verifyThreshold(m),
	})
	if err != nil {
		return res, err
	}
	res.Match = match
	ok := match.Matched() && match.SubjectID == studentID

	ev := VerificationEvent{
		SessionID:    req.SessionID,
		StudentID:    studentID,
		Kind:         KindVerify,
		Method:       m,
		Successful:   ok,
		Confidence:   confidencePtr(match),
		ProcessingMS: match.Elapsed.Milliseconds(),
	}
	if !ok {
		ev.Error = match.Message
		if ev.Error == "" {
			ev.Error = "sample did not match"
		}
	}
	v.ledger.recordQuiet(ctx, ev)

	if !ok {
		res.Graduate = &g
		return res, noMatch(match)
	}

	err = v.store.InTx(ctx, func(tx Tx) error {
		now := v.opts.Clock()
		if _, _, err := tx.SetStage(ctx, g.ID, StageAttended, now); err != nil {
			return err
		}
		updated, changed, err := tx.SetStage(ctx, g.ID, VerifiedStage(m), now)
		if err != nil {
			return err
		}
		g, res.Changed = updated, changed
		return nil
	})
	if err != nil {
		return VerifyResult{Match: match}, err
	}
	res.Verified = true
	res.Graduate = &g
	v.opts.Logger.Info("graduate verified", "session_id", req.SessionID, "student_id", studentID,
		"method", m, "confidence", match.Confidence, "changed", res.Changed)
	return res, nil
}
