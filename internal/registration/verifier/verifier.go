// Package verifier checks anti-abuse challenge tokens on public submissions.
package verifier

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	dErrors "enroll/pkg/domain-errors"
	"enroll/pkg/platform/circuit"
)

// Verifier validates a client-supplied challenge token.
type Verifier interface {
	Verify(ctx context.Context, token, remoteIP string) error
}

// HTTP posts tokens to a Turnstile-compatible verification endpoint.
// probeInterval bounds how often an open circuit lets a request through to
// test whether the endpoint recovered.
const probeInterval = 15 * time.Second

type HTTP struct {
	client    *http.Client
	url       string
	secret    string
	log       *slog.Logger
	breaker   *circuit.Breaker
	lastProbe atomic.Int64
}

// NewHTTP creates an HTTP verifier. A circuit breaker shields the endpoint:
// after repeated outages Verify fails fast as unavailable instead of holding
// every request for the full client timeout.
func NewHTTP(endpoint, secret string, log *slog.Logger) *HTTP {
	return &HTTP{
		client:  &http.Client{Timeout: 10 * time.Second},
		url:     endpoint,
		secret:  secret,
		log:     log,
		breaker: circuit.New("challenge-verifier", circuit.WithFailureThreshold(5)),
	}
}

func (v *HTTP) shouldProbe() bool {
	last := v.lastProbe.Load()
	now := time.Now().UnixNano()
	if now-last < int64(probeInterval) {
		return false
	}
	return v.lastProbe.CompareAndSwap(last, now)
}

func (v *HTTP) endpointFailed(ctx context.Context, err error) {
	if _, change := v.breaker.RecordFailure(); change.Opened {
		v.log.ErrorContext(ctx, "challenge verification circuit opened", "error", err)
	}
}

type verifyResponse struct {
	Success    bool     `json:"success"`
	ErrorCodes []string `json:"error-codes"`
}

// Verify posts the token and maps a rejected or missing token to a forbidden
// error. Endpoint failures are unavailable, not forbidden: an outage should
// read as a server problem, not as the client failing the challenge.
func (v *HTTP) Verify(ctx context.Context, token, remoteIP string) error {
	if token == "" {
		return dErrors.New(dErrors.CodeForbidden, "challenge token missing")
	}
	if v.breaker.IsOpen() && !v.shouldProbe() {
		return dErrors.New(dErrors.CodeUnavailable, "challenge verification unavailable")
	}

	form := url.Values{}
	form.Set("secret", v.secret)
	form.Set("response", token)
	if remoteIP != "" {
		form.Set("remoteip", remoteIP)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.url, strings.NewReader(form.Encode()))
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "challenge verification unavailable")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := v.client.Do(req)
	if err != nil {
		v.endpointFailed(ctx, err)
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "challenge verification unavailable")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := dErrors.New(dErrors.CodeUnavailable,
			fmt.Sprintf("challenge verification returned status %d", resp.StatusCode))
		v.endpointFailed(ctx, err)
		return err
	}

	var result verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		v.endpointFailed(ctx, err)
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "challenge verification unavailable")
	}

	// A rejected token is still a healthy endpoint round trip.
	if _, change := v.breaker.RecordSuccess(); change.Closed {
		v.log.InfoContext(ctx, "challenge verification circuit closed")
	}
	if !result.Success {
		v.log.WarnContext(ctx, "challenge token rejected", "error_codes", result.ErrorCodes)
		return dErrors.New(dErrors.CodeForbidden, "challenge verification failed")
	}
	return nil
}

// Bypass accepts every token. Used outside production so local and staging
// environments need no challenge provider.
type Bypass struct{}

// Verify always succeeds.
func (Bypass) Verify(context.Context, string, string) error { return nil }
