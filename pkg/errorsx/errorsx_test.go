package errorsx

import "testing"

func TestWrapAndReason(t *testing.T) {
	err := Wrap(assertErr{}, ReasonBackendGenerate)
	if Reason(err) != ReasonBackendGenerate {
		t.Fatalf("expected reason %s, got %s", ReasonBackendGenerate, Reason(err))
	}
	if !HasReason(err, ReasonBackendGenerate) {
		t.Fatalf("expected HasReason true")
	}
}

func TestWrapPreservesExistingReason(t *testing.T) {
	first := Wrap(assertErr{}, ReasonToolTimeout)
	second := Wrap(first, ReasonBackendGenerate)
	if Reason(second) != ReasonToolTimeout {
		t.Fatalf("expected reason preserved, got %s", Reason(second))
	}
}

func TestNewCarriesReasonAndMessage(t *testing.T) {
	err := New(ReasonStepLimit, "step budget exhausted")
	if Reason(err) != ReasonStepLimit {
		t.Fatalf("expected reason %s, got %s", ReasonStepLimit, Reason(err))
	}
	if err.Error() != "step budget exhausted" {
		t.Fatalf("unexpected message: %s", err.Error())
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(nil, ReasonToolExec) != nil {
		t.Fatalf("expected nil for nil error")
	}
	if Reason(nil) != ReasonUnknown {
		t.Fatalf("expected unknown reason for nil error")
	}
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
