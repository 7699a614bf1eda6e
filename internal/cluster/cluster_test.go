package cluster

import (
	"errors"
	"testing"
)

func TestErrorRetryableOnlyForTransient(t *testing.T) {
	cases := []struct {
		err  *Error
		want bool
	}{
		{&Error{Kind: KindTransient, Err: errors.New("x")}, true},
		{&Error{Kind: KindNotFound, Err: errors.New("x")}, false},
		{&Error{Kind: KindPermissionDenied, Err: errors.New("x")}, false},
		{&Error{Kind: KindUnavailable, Err: errors.New("x")}, false},
	}
	for _, c := range cases {
		if got := c.err.Retryable(); got != c.want {
			t.Errorf("Error{Kind: %v}.Retryable() = %v, want %v", c.err.Kind, got, c.want)
		}
	}
}

func TestErrorUnwrapExposesUnderlyingError(t *testing.T) {
	inner := errors.New("boom")
	wrapped := transient(inner)
	if !errors.Is(wrapped, inner) {
		t.Fatal("errors.Is should see through the Error wrapper to the underlying error")
	}
}

func TestHelpersReturnNilForNilInput(t *testing.T) {
	if transient(nil) != nil || notFound(nil) != nil || unavailable(nil) != nil {
		t.Fatal("wrapping a nil error must return nil, not a non-nil *Error carrying a nil cause")
	}
}

func TestErrorKindStringValues(t *testing.T) {
	cases := map[ErrorKind]string{
		KindNone:             "none",
		KindTransient:        "transient",
		KindNotFound:         "not_found",
		KindPermissionDenied: "permission_denied",
		KindUnavailable:      "unavailable",
	}
	for kind, want := range cases {
		if got := kind.String(); got != want {
			t.Errorf("ErrorKind(%d).String() = %q, want %q", kind, got, want)
		}
	}
}
