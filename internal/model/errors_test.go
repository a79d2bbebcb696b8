package model

import (
	"errors"
	"testing"
)

func TestKindedErrorIsMatchesByKind(t *testing.T) {
	err := NewOverloaded("log buffer mailbox full")
	if !errors.Is(err, ErrOverloaded) {
		t.Fatal("expected errors.Is to match ErrOverloaded by kind")
	}
	if errors.Is(err, ErrSubscriberGone) {
		t.Fatal("did not expect a match against a different kind")
	}
}

func TestKindedErrorUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewStoreUnavailable("failed to connect", cause)
	if !errors.Is(err, cause) {
		t.Fatal("expected errors.Is to find the wrapped cause")
	}
}

func TestErrorKindString(t *testing.T) {
	cases := map[ErrorKind]string{
		KindProtocolError:   "protocol_error",
		KindDecodeError:     "decode_error",
		KindStoreUnavailable: "store_unavailable",
		KindOverloaded:      "overloaded",
		KindSubscriberGone:  "subscriber_gone",
		KindConfigError:     "config_error",
	}
	for kind, want := range cases {
		if got := kind.String(); got != want {
			t.Errorf("ErrorKind(%d).String() = %q, want %q", kind, got, want)
		}
	}
}
