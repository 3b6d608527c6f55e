package lock

import (
	"fmt"
	"strings"

	"github.com/Iron-Ham/iolink/internal/errors"
)

// Flags are per-lock diagnostic bits. They only enable trace log lines and
// never change lock behavior.
type Flags uint32

const (
	// FlagTraceAcquire logs caller-context grants and parks.
	FlagTraceAcquire Flags = 1 << iota
	// FlagTraceRelease logs caller-context releases.
	FlagTraceRelease
	// FlagTraceCallback logs callback-context acquire, queue and release.
	FlagTraceCallback
	// FlagTraceDrain logs every drain cycle and grant-cap yield.
	FlagTraceDrain

	// FlagTraceAll enables every trace line.
	FlagTraceAll = FlagTraceAcquire | FlagTraceRelease | FlagTraceCallback | FlagTraceDrain
)

var flagNames = []struct {
	flag Flags
	name string
}{
	{FlagTraceAcquire, "acquire"},
	{FlagTraceRelease, "release"},
	{FlagTraceCallback, "callback"},
	{FlagTraceDrain, "drain"},
}

// ParseFlags converts flag names ("acquire", "release", "callback", "drain",
// "all") into a Flags value. Names are case-insensitive.
func ParseFlags(names []string) (Flags, error) {
	var f Flags
	for _, name := range names {
		n := strings.ToLower(strings.TrimSpace(name))
		if n == "all" {
			f |= FlagTraceAll
			continue
		}
		found := false
		for _, fn := range flagNames {
			if fn.name == n {
				f |= fn.flag
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("%w: unknown lock flag %q", errors.ErrInvalidInput, name)
		}
	}
	return f, nil
}

// Has reports whether every bit of other is set.
func (f Flags) Has(other Flags) bool {
	return other != 0 && f&other == other
}

// String returns the flag names joined by "|", or "none".
func (f Flags) String() string {
	if f == 0 {
		return "none"
	}
	var parts []string
	for _, fn := range flagNames {
		if f&fn.flag != 0 {
			parts = append(parts, fn.name)
		}
	}
	if rest := f &^ FlagTraceAll; rest != 0 {
		parts = append(parts, fmt.Sprintf("0x%x", uint32(rest)))
	}
	return strings.Join(parts, "|")
}
