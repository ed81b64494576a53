package classify

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

type statusErr struct{ code int }

func (e statusErr) Error() string   { return fmt.Sprintf("upstream status %d", e.code) }
func (e statusErr) StatusCode() int { return e.code }

type bodyStatusErr struct {
	code int
	body string
}

func (e bodyStatusErr) Error() string   { return fmt.Sprintf("status %d: %s", e.code, e.body) }
func (e bodyStatusErr) StatusCode() int { return e.code }

type fatalErr struct{ fatal bool }

func (e fatalErr) Error() string { return "quota exhausted" }
func (e fatalErr) Fatal() bool   { return e.fatal }

// TestClassify covers each fatal signal and the transient default.
func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want Severity
	}{
		{name: "nil", err: nil, want: Transient},
		{name: "sentinel", err: ErrInvalidCredential, want: Fatal},
		{name: "wrapped sentinel", err: fmt.Errorf("search: %w", ErrInvalidCredential), want: Fatal},
		{name: "fataler", err: fmt.Errorf("translate: %w", fatalErr{fatal: true}), want: Fatal},
		{name: "non fatal fataler", err: fatalErr{fatal: false}, want: Transient},
		{name: "401", err: statusErr{code: 401}, want: Fatal},
		{name: "wrapped 403", err: fmt.Errorf("call: %w", statusErr{code: 403}), want: Fatal},
		{name: "429", err: statusErr{code: 429}, want: Transient},
		{name: "500", err: statusErr{code: 500}, want: Transient},
		{name: "marker", err: errors.New("Invalid Token supplied"), want: Fatal},
		{name: "403 text", err: errors.New("upstream said 403 forbidden"), want: Fatal},
		{name: "timeout", err: context.DeadlineExceeded, want: Transient},
		{name: "malformed", err: errors.New("decode response: unexpected EOF"), want: Transient},
		{name: "timeout on batch 403", err: fmt.Errorf("search sub-batch 403: %w", context.DeadlineExceeded), want: Transient},
		{name: "502 body with 403 digits", err: bodyStatusErr{code: 502, body: "upstream 4031 gateway"}, want: Transient},
		{name: "429 body mentioning 403", err: bodyStatusErr{code: 429, body: "retry after 403 seconds"}, want: Transient},
		{name: "wrapper text ignored", err: fmt.Errorf("batch 403 forbidden: %w", errors.New("connection reset")), want: Transient},
		{name: "403 digits inside token", err: errors.New("request id 94031 failed"), want: Transient},
		{name: "wrapped 403 text", err: fmt.Errorf("search: %w", errors.New("HTTP 403")), want: Fatal},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, Classify(tc.err))
			require.Equal(t, tc.want == Fatal, IsFatal(tc.err))
		})
	}
}

// TestReason checks user-facing messages.
func TestReason(t *testing.T) {
	t.Parallel()

	require.Empty(t, Reason(nil))
	require.Equal(t, "request timed out", Reason(fmt.Errorf("search: %w", context.DeadlineExceeded)))
	require.Contains(t, Reason(ErrInvalidCredential), "invalid or expired API token")
	require.Contains(t, Reason(statusErr{code: 429}), "rate limited")
	require.Equal(t, "boom", Reason(errors.New("boom")))
}

// TestSeverityString renders both values.
func TestSeverityString(t *testing.T) {
	t.Parallel()

	require.Equal(t, "FATAL", Fatal.String())
	require.Equal(t, "TRANSIENT", Transient.String())
}
