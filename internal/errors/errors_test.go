package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

// -----------------------------------------------------------------------------
// Severity Tests
// -----------------------------------------------------------------------------

func TestSeverity_String(t *testing.T) {
	t.Parallel()
	tests := []struct {
		severity Severity
		want     string
	}{
		{SeverityDebug, "debug"},
		{SeverityInfo, "info"},
		{SeverityWarning, "warning"},
		{SeverityError, "error"},
		{SeverityCritical, "critical"},
		{Severity(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			t.Parallel()
			if got := tt.severity.String(); got != tt.want {
				t.Errorf("Severity.String() = %q, want %q", got, tt.want)
			}
		})
	}
}

// -----------------------------------------------------------------------------
// LockError Tests
// -----------------------------------------------------------------------------

func TestNewLockError_Classification(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name          string
		cause         error
		wantSeverity  Severity
		wantRetryable bool
	}{
		{"invalid release", ErrInvalidRelease, SeverityCritical, false},
		{"low level violation", ErrLowLevelViolation, SeverityCritical, false},
		{"interrupted", ErrInterrupted, SeverityInfo, false},
		{"busy", ErrBusy, SeverityError, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := NewLockError("op", tt.cause)
			if err.Severity() != tt.wantSeverity {
				t.Errorf("Severity() = %v, want %v", err.Severity(), tt.wantSeverity)
			}
			if err.IsRetryable() != tt.wantRetryable {
				t.Errorf("IsRetryable() = %v, want %v", err.IsRetryable(), tt.wantRetryable)
			}
			if !errors.Is(err, tt.cause) {
				t.Errorf("errors.Is(err, %v) = false", tt.cause)
			}
		})
	}
}

func TestLockError_Error(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  *LockError
		want string
	}{
		{
			name: "no context",
			err:  NewLockError("release by non-owner", nil),
			want: "lock error: release by non-owner",
		},
		{
			name: "domain and caller",
			err:  NewLockError("release by non-owner", ErrInvalidRelease).WithDomain("cdvd").WithCaller("7"),
			want: "lock error [domain=cdvd, caller=7]: release by non-owner: release by non-owner",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLockError_AsThroughWrap(t *testing.T) {
	t.Parallel()
	wrapped := fmt.Errorf("driver: %w", NewLockError("op", ErrInterrupted).WithDomain("pad"))

	var lockErr *LockError
	if !As(wrapped, &lockErr) {
		t.Fatal("As() failed to find LockError")
	}
	if lockErr.Domain != "pad" {
		t.Errorf("Domain = %q, want %q", lockErr.Domain, "pad")
	}
	if !Is(wrapped, &LockError{}) {
		t.Error("Is(wrapped, &LockError{}) = false")
	}
}

// -----------------------------------------------------------------------------
// RemoteError Tests
// -----------------------------------------------------------------------------

func TestRemoteError(t *testing.T) {
	t.Parallel()
	err := NewRemoteError("rtc.get", -5, ErrRemoteFatal)

	if err.Code != -5 {
		t.Errorf("Code = %d, want -5", err.Code)
	}
	if !Is(err, ErrRemoteFatal) {
		t.Error("Is(err, ErrRemoteFatal) = false")
	}
	if err.IsRetryable() {
		t.Error("fatal remote error must not be retryable")
	}
	want := "remote error [function=rtc.get, code=-5]: firmware call rejected: remote call failed"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}

	busy := NewRemoteError("rtc.get", -2, ErrSendBusy)
	if !IsRetryable(busy) {
		t.Error("send-busy remote error should be retryable")
	}
}

// -----------------------------------------------------------------------------
// Classification Tests
// -----------------------------------------------------------------------------

func TestIsRetryable(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"busy sentinel", ErrBusy, true},
		{"wrapped busy", fmt.Errorf("x: %w", ErrBusy), true},
		{"send busy", ErrSendBusy, true},
		{"interrupted", ErrInterrupted, false},
		{"plain", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsMisuseAndSeverity(t *testing.T) {
	t.Parallel()
	if !IsMisuse(ErrInvalidRelease) || !IsMisuse(ErrLowLevelViolation) {
		t.Error("release violations should be misuse")
	}
	if IsMisuse(ErrBusy) {
		t.Error("busy is not misuse")
	}
	if got := GetSeverity(ErrLowLevelViolation); got != SeverityCritical {
		t.Errorf("GetSeverity(low level) = %v, want critical", got)
	}
	if got := GetSeverity(nil); got != SeverityDebug {
		t.Errorf("GetSeverity(nil) = %v, want debug", got)
	}
	if got := GetSeverity(context.Canceled); got != SeverityError {
		t.Errorf("GetSeverity(unknown) = %v, want error", got)
	}
}

func TestWrap(t *testing.T) {
	t.Parallel()
	if Wrap(nil, "x") != nil {
		t.Error("Wrap(nil) should be nil")
	}
	err := Wrapf(ErrBusy, "domain %s", "cdvd")
	if err.Error() != "domain cdvd: resource busy" {
		t.Errorf("Wrapf() = %q", err.Error())
	}
	if !Is(err, ErrBusy) {
		t.Error("Wrapf lost the cause")
	}
}
