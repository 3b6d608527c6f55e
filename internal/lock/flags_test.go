package lock

import (
	"testing"

	"github.com/Iron-Ham/iolink/internal/errors"
)

func TestParseFlags(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		in      []string
		want    Flags
		wantErr bool
	}{
		{name: "empty", in: nil, want: 0},
		{name: "single", in: []string{"acquire"}, want: FlagTraceAcquire},
		{name: "mixed case", in: []string{" Drain ", "CALLBACK"}, want: FlagTraceDrain | FlagTraceCallback},
		{name: "all", in: []string{"all"}, want: FlagTraceAll},
		{name: "all plus one", in: []string{"release", "all"}, want: FlagTraceAll},
		{name: "unknown", in: []string{"acquire", "verbose"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseFlags(tt.in)
			if tt.wantErr {
				if !errors.Is(err, errors.ErrInvalidInput) {
					t.Errorf("ParseFlags(%v) error = %v, want ErrInvalidInput", tt.in, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseFlags(%v) error = %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseFlags(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestFlags_String(t *testing.T) {
	t.Parallel()
	tests := []struct {
		f    Flags
		want string
	}{
		{0, "none"},
		{FlagTraceRelease, "release"},
		{FlagTraceAcquire | FlagTraceDrain, "acquire|drain"},
		{FlagTraceAll, "acquire|release|callback|drain"},
		{FlagTraceCallback | 1<<8, "callback|0x100"},
	}
	for _, tt := range tests {
		if got := tt.f.String(); got != tt.want {
			t.Errorf("Flags(%d).String() = %q, want %q", uint32(tt.f), got, tt.want)
		}
	}
}

func TestFlags_Has(t *testing.T) {
	t.Parallel()
	f := FlagTraceAcquire | FlagTraceCallback
	if !f.Has(FlagTraceAcquire) {
		t.Error("Has(acquire) = false")
	}
	if f.Has(FlagTraceAcquire | FlagTraceDrain) {
		t.Error("Has(acquire|drain) = true with drain unset")
	}
	if f.Has(0) {
		t.Error("Has(0) = true")
	}
}
