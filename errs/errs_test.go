package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	err := New("candle/subscribe", CodeInvalid, WithMessage("test message"))

	if err == nil {
		t.Fatal("expected non-nil error")
	}

	if got := err.Error(); got == "" {
		t.Error("expected non-empty error string")
	}
}

func TestErrorString(t *testing.T) {
	err := New("orderbook/unsubscribe", CodeNotSubscribed, WithMessage("subscription not registered"))

	str := err.Error()
	if !strings.Contains(str, "op=orderbook/unsubscribe") {
		t.Errorf("expected operation in error string, got %q", str)
	}
	if !strings.Contains(str, `message="subscription not registered"`) {
		t.Errorf("expected message in error string, got %q", str)
	}
}

func TestErrorStringDefaults(t *testing.T) {
	str := New("", "").Error()
	if str != "op=unknown code=unknown" {
		t.Fatalf("unexpected default rendering %q", str)
	}
}

func TestWithFieldSortedAndTrimmed(t *testing.T) {
	err := New("codec/decode", CodeDecode,
		WithField(" event ", " unknown_kind "),
		WithField("figi", "BBG0013HGFT4"),
		WithField("", "ignored"),
	)

	if len(err.Fields) != 2 {
		t.Fatalf("expected 2 fields, got %d", len(err.Fields))
	}
	str := err.Error()
	if !strings.Contains(str, `event="unknown_kind" figi="BBG0013HGFT4"`) {
		t.Fatalf("expected sorted fields, got %q", str)
	}
}

func TestWithRemediation(t *testing.T) {
	err := New("test", CodeInvalid, WithRemediation("fix your input"))

	if err.Remediation != "fix your input" {
		t.Errorf("expected remediation to be set, got %q", err.Remediation)
	}
	if !strings.Contains(err.Error(), "remediation=") {
		t.Error("expected remediation in error string")
	}
}

func TestWithCauseUnwraps(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := New("connection/dial", CodeNetwork, WithCause(cause))

	if !errors.Is(err, cause) {
		t.Fatal("expected errors.Is to find the cause")
	}
	if !strings.Contains(err.Error(), "connection refused") {
		t.Fatal("expected cause in error string")
	}
}

func TestIsMatchesCode(t *testing.T) {
	err := fmt.Errorf("connect: %w", SessionClosed("connection/connect"))

	if !errors.Is(err, New("", CodeSessionClosed)) {
		t.Fatal("expected errors.Is to match on code")
	}
	if errors.Is(err, New("", CodeNetwork)) {
		t.Fatal("expected errors.Is not to match a different code")
	}
}

func TestIsCodeWalksNestedEnvelopes(t *testing.T) {
	inner := New("connection/read", CodeTimeout)
	outer := New("connection/connect", CodeNetwork, WithCause(fmt.Errorf("read: %w", inner)))

	if !IsCode(outer, CodeNetwork) {
		t.Error("expected outer code to match")
	}
	if !IsCode(outer, CodeTimeout) {
		t.Error("expected nested code to match")
	}
	if IsCode(outer, CodeDecode) {
		t.Error("expected unrelated code not to match")
	}
	if IsCode(errors.New("plain"), CodeNetwork) {
		t.Error("expected plain errors not to match")
	}
}

func TestNotSubscribed(t *testing.T) {
	err := NotSubscribed("candle/unsubscribe", "BBG0013HGFT4/1min")

	if err.Code != CodeNotSubscribed {
		t.Fatalf("expected not_subscribed code, got %s", err.Code)
	}
	if err.Fields["identity"] != "BBG0013HGFT4/1min" {
		t.Fatalf("expected identity field, got %v", err.Fields)
	}
}

func TestNilErrorString(t *testing.T) {
	var e *E
	if got := e.Error(); got != "<nil>" {
		t.Fatalf("expected <nil> string for nil error, got %q", got)
	}
}
