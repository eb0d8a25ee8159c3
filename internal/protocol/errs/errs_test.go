package errs

import (
	"fmt"
	"testing"
)

func TestIsTerminal(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{ErrAuthenticationFailed, true},
		{fmt.Errorf("decrypt payload: %w", ErrAuthenticationFailed), true},
		{ErrReplayDetected, true},
		{ErrSessionExpired, true},
		{ErrDisposed, true},
		{ErrGapTooLarge, false},
		{ErrCapacityExceeded, false},
		{ErrIndexRegression, false},
		{nil, false},
	}

	for _, c := range cases {
		if got := IsTerminal(c.err); got != c.want {
			t.Errorf("IsTerminal(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}
