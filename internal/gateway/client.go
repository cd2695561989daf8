// Package gateway calls the biometric matcher service. Every method-specific
// endpoint is addressed here; the core only sees ceremony.Matcher.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"ceremony/internal/ceremony"
)

// Client calls the matcher microservice.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Skip    bool
}

var _ ceremony.Matcher = (*Client)(nil)

// New creates a client. With skip set no request leaves the process and
// every capture matches.
func New(baseURL string, skip bool) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Skip:    skip,
		HTTP: &http.Client{
			Timeout: 30 * time.Second, // matchers can take a while on cold start
		},
	}
}

type identifyRequest struct {
	Sample     []byte   `json:"sample"`
	Candidates []string `json:"candidates"`
	Threshold  float64  `json:"threshold"`
	MinMargin  float64  `json:"min_margin"`
}

type verifyRequest struct {
	Sample    []byte  `json:"sample"`
	Identity  string  `json:"identity"`
	Threshold float64 `json:"threshold"`
}

type matchResponse struct {
	Success         *bool   `json:"success"`
	MatchedIdentity string  `json:"matched_identity"`
	Confidence      float64 `json:"confidence"`
	IsValid         bool    `json:"is_valid"`
	Message         string  `json:"message"`
}

// Match runs 1:1 verification when req.Identity is set, 1:N identification
// over req.Candidates otherwise.
func (c *Client) Match(ctx context.Context, req ceremony.MatchRequest) (ceremony.MatchResult, error) {
	op := "identify"
	if req.Identity != "" {
		op = "verify"
	}
	if !req.Method.Valid() {
		return ceremony.MatchResult{}, fmt.Errorf("unsupported method %q", req.Method)
	}
	if c.Skip {
		return mockMatch(req), nil
	}

	var payload any = identifyRequest{
		Sample:     req.Sample,
		Candidates: req.Candidates,
		Threshold:  req.Threshold,
		MinMargin:  req.MinMargin,
	}
	if op == "verify" {
		payload = verifyRequest{Sample: req.Sample, Identity: req.Identity, Threshold: req.Threshold}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return ceremony.MatchResult{}, fmt.Errorf("encode %s request: %w", op, err)
	}

	start := time.Now()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(string(req.Method), op), bytes.NewReader(body))
	if err != nil {
		return ceremony.MatchResult{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return ceremony.MatchResult{}, c.transportError(op, req.Method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return ceremony.MatchResult{}, fmt.Errorf("matcher error %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
	}

	var out matchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return ceremony.MatchResult{}, fmt.Errorf("failed to decode matcher response: %w", err)
	}
	if out.Success == nil {
		return ceremony.MatchResult{}, errors.New("malformed matcher response: missing success")
	}

	res := ceremony.MatchResult{
		Success:    *out.Success,
		Valid:      out.IsValid,
		SubjectID:  strings.TrimSpace(out.MatchedIdentity),
		Confidence: out.Confidence,
		Message:    out.Message,
		Elapsed:    time.Since(start),
	}
	if op == "verify" && res.Success && res.Valid && res.SubjectID == "" {
		res.SubjectID = req.Identity
	}
	return res, nil
}

// Health checks if the matcher service is available.
func (c *Client) Health(ctx context.Context) error {
	if c.Skip {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("matcher unavailable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("matcher unhealthy: %s", resp.Status)
	}
	return nil
}

func (c *Client) url(method, op string) string {
	return c.BaseURL + "/" + method + "/" + op
}

// transportError keeps the timeout distinction that http.Client reports
// through net.Error rather than context.DeadlineExceeded.
func (c *Client) transportError(op string, m ceremony.Method, err error) error {
	var netErr net.Error
	timeout := errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout())
	return &ceremony.GatewayError{Op: op, Method: m, Timeout: timeout, Cause: fmt.Errorf("matcher request failed: %w", err)}
}

// mockMatch accepts the first candidate, or the claimed identity.
func mockMatch(req ceremony.MatchRequest) ceremony.MatchResult {
	subject := req.Identity
	if subject == "" && len(req.Candidates) > 0 {
		subject = req.Candidates[0]
	}
	if subject == "" {
		return ceremony.MatchResult{Success: false, Message: "no candidates (mock)"}
	}
	return ceremony.MatchResult{
		Success:    true,
		Valid:      true,
		SubjectID:  subject,
		Confidence: 0.92,
		Message:    "matched (mock)",
		Elapsed:    time.Millisecond,
	}
}
