package sandbox

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestIsFatalSignature(t *testing.T) {
	cases := []struct {
		text string
		want bool
	}{
		{"process OOM killed by kernel", true},
		{"Out of Memory while building", true},
		{"runtime error: index out of range", true},
		{"operation timed out waiting for agent", true},
		{"write: broken pipe", true},
		{"read tcp: use of closed network connection", true},
		{"tool exited with code 1", false},
		{"file not found: main.go", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := IsFatalSignature(tc.text); got != tc.want {
			t.Errorf("IsFatalSignature(%q) = %v, want %v", tc.text, got, tc.want)
		}
	}
}

func TestIsFatalError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"context canceled", context.Canceled, true},
		{"deadline", fmt.Errorf("await ack: %w", context.DeadlineExceeded), true},
		{"connection reset", errors.New("read: connection reset by peer"), true},
		{"plain failure", errors.New("unknown tool: frobnicate"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsFatalError(tc.err); got != tc.want {
				t.Errorf("IsFatalError(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}
