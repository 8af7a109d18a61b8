package errors

import (
	"testing"

	"relay/pkg/exception"
)

func TestWrap(t *testing.T) {
	err := Wrap(exception.ErrInsufficientFunds, "place order")
	if err.Error() != "place order, err: broker: insufficient funds" {
		t.Fatalf("error mismatch: %+v", err)
	}
	if !Is(err, exception.ErrInsufficientFunds) {
		t.Fatalf("wrapped error should match its cause: %+v", err)
	}
}

func TestWrapNil(t *testing.T) {
	if err := Wrap(nil, "ignored"); err != nil {
		t.Fatalf("nil error should stay nil, got %+v", err)
	}
	if err := Wrapf(nil, "ignored %d", 1); err != nil {
		t.Fatalf("nil error should stay nil, got %+v", err)
	}
}

func TestWrapf(t *testing.T) {
	err := Wrapf(exception.ErrStoreNotFound, "load signal %s", "sig-1")
	if err.Error() != "load signal sig-1, err: store: not found" {
		t.Fatalf("error mismatch: %+v", err)
	}
}
