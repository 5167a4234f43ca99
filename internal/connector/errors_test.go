package connector

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestWrap_Classification(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"plain error gets fallback kind", errors.New("boom"), KindOperationFailed},
		{"context canceled", context.Canceled, KindCancelled},
		{"deadline", fmt.Errorf("dial: %w", context.DeadlineExceeded), KindCancelled},
		{"prompt cancelled", ErrPromptCancelled, KindCancelled},
		{"classified passes through", NewError(KindAuthenticationFailed, "ssh", "h", nil), KindAuthenticationFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := KindOf(Wrap(KindOperationFailed, "resolve", "web1", tc.err)); got != tc.want {
				t.Errorf("KindOf = %v, want %v", got, tc.want)
			}
		})
	}
	if Wrap(KindOperationFailed, "op", "h", nil) != nil {
		t.Error("Wrap(nil) should be nil")
	}
}

func TestError_UnwrapKeepsCause(t *testing.T) {
	cause := errors.New("permission denied")
	err := Wrap(KindOperationFailed, "resolve", "web1", cause)
	if !errors.Is(err, cause) {
		t.Error("wrapped error should preserve its cause")
	}
	if !strings.Contains(err.Error(), "resolve web1: operation failed: permission denied") {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestKindOf_Unclassified(t *testing.T) {
	if KindOf(errors.New("x")) != KindUnknown {
		t.Error("unclassified error should be KindUnknown")
	}
	if KindOf(nil) != KindUnknown {
		t.Error("nil should be KindUnknown")
	}
}

func TestIsUnknownHost(t *testing.T) {
	err := NewError(KindConnectFailed, "connect", "nowhere", fmt.Errorf("lookup nowhere: %w", ErrUnknownHost))
	if !IsUnknownHost(err) {
		t.Error("expected unknown host")
	}
	if IsUnknownHost(NewError(KindConnectFailed, "connect", "h", errors.New("refused"))) {
		t.Error("refused is not unknown host")
	}
}

func TestSummary(t *testing.T) {
	cases := map[string]struct {
		err  error
		want string
	}{
		"cancelled": {NewError(KindCancelled, "connect", "web1", context.Canceled), "cancelled"},
		"unknown":   {NewError(KindConnectFailed, "connect", "web1", ErrUnknownHost), "Unknown host web1"},
		"offline":   {NewError(KindConnectFailed, "connect", "web1", ErrOffline), "offline"},
		"deleted":   {NewError(KindAlreadyDeleted, "connect", "web1", ErrHostDeleted), "no longer exists"},
		"auth":      {NewError(KindAuthenticationFailed, "connect", "web1", nil), "Authentication to web1 failed"},
		"refused":   {NewError(KindConnectFailed, "connect", "web1", errors.New("refused")), "Connect to web1 failed: refused"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			if got := Summary(tc.err); !strings.Contains(got, tc.want) {
				t.Errorf("Summary = %q, want it to contain %q", got, tc.want)
			}
		})
	}
	if Summary(nil) != "" {
		t.Error("Summary(nil) should be empty")
	}
}
