package ceremony

import (
	"context"
	"errors"
	"time"
)

// MatchRequest asks the gateway to compare a captured sample against one
// identity (1:1) or a restricted candidate set (1:N).
type MatchRequest struct {
	Method     Method
	Sample     []byte
	Identity   string
	Candidates []string
	Threshold  float64
	MinMargin  float64
}

// MatchResult is the normalized gateway answer.
type MatchResult struct {
	Success    bool          `json:"success"`
	Valid      bool          `json:"is_valid"`
	SubjectID  string        `json:"subject_id,omitempty"`
	Confidence float64       `json:"confidence"`
	Message    string        `json:"message,omitempty"`
	Elapsed    time.Duration `json:"elapsed"`
}

// Matched reports a positive, valid match naming a subject. success=false
// and is_valid=false are treated alike.
func (r MatchResult) Matched() bool {
	return r.Success && r.Valid && r.SubjectID != ""
}

// Matcher is the verification gateway.
type Matcher interface {
	Match(ctx context.Context, req MatchRequest) (MatchResult, error)
}

// Policy holds the thresholds handed to the gateway. A zero IdentifyThreshold,
// Method or Timeout takes the DefaultPolicy value.
type Policy struct {
	Method            Method
	IdentifyThreshold float64
	MinMargin         float64
	VerifyThresholds  map[Method]float64
	Timeout           time.Duration
}

// DefaultPolicy mirrors the thresholds the ceremony matchers were tuned with.
func DefaultPolicy() Policy {
	return Policy{
		Method:            MethodFace,
		IdentifyThreshold: 0.60,
		MinMargin:         0.01,
		VerifyThresholds: map[Method]float64{
			MethodFace:        0.65,
			MethodFingerprint: 0.25,
		},
		Timeout: 10 * time.Second,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if !p.Method.Valid() {
		p.Method = d.Method
	}
	if p.IdentifyThreshold <= 0 {
		p.IdentifyThreshold = d.IdentifyThreshold
	}
	if p.MinMargin < 0 {
		p.MinMargin = d.MinMargin
	}
	if p.VerifyThresholds == nil {
		p.VerifyThresholds = d.VerifyThresholds
	}
	if p.Timeout <= 0 {
		p.Timeout = d.Timeout
	}
	return p
}

func (p Policy) verifyThreshold(m Method) float64 {
	if t, ok := p.VerifyThresholds[m]; ok {
		return t
	}
	return DefaultPolicy().VerifyThresholds[m]
}

// callMatcher bounds the gateway call by the policy timeout and turns every
// failure into a *GatewayError.
func callMatcher(ctx context.Context, m Matcher, p Policy, opts Options, op string, req MatchRequest) (MatchResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	start := time.Now()
	res, err := m.Match(callCtx, req)
	elapsed := time.Since(start)
	if err != nil {
		var ge *GatewayError
		if !errors.As(err, &ge) {
			ge = &GatewayError{Op: op, Method: req.Method, Cause: err}
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			ge.Timeout = true
		}
		ge.Elapsed = elapsed
		outcome := "error"
		if ge.Timeout {
			outcome = "timeout"
		}
		opts.Observer.GatewayCall(req.Method, outcome, elapsed)
		opts.Logger.Warn("gateway call failed", "op", op, "method", req.Method, "timeout", ge.Timeout, "error", err)
		return MatchResult{}, ge
	}
	if res.Elapsed <= 0 {
		res.Elapsed = elapsed
	}
	outcome := "no_match"
	if res.Matched() {
		outcome = "match"
	}
	opts.Observer.GatewayCall(req.Method, outcome, res.Elapsed)
	return res, nil
}

func noMatch(res MatchResult) error {
	msg := res.Message
	if msg == "" {
		msg = "sample did not match"
	}
	return newError(CodeNoMatch, "%s", msg)
}
