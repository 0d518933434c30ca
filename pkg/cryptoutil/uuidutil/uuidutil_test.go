package uuidutil

import (
	"testing"

	"github.com/google/uuid"
)

func TestParseAndEqual(t *testing.T) {
	a, err := Parse("f47ac10b-58cc-4372-a567-0e02b2c3d479")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	b, err := Parse("f47ac10b-58cc-4372-a567-0e02b2c3d479")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !Equal(a, b) {
		t.Error("expected equal UUIDs to compare equal")
	}
}

func TestParseInvalid(t *testing.T) {
	if _, err := Parse("not-a-uuid"); err == nil {
		t.Error("expected parse error")
	}
}

func TestAnyEqual(t *testing.T) {
	target := Generate()
	other := Generate()
	if AnyEqual(target, []uuid.UUID{other}) {
		t.Error("did not expect match against an unrelated uuid")
	}
	if !AnyEqual(target, []uuid.UUID{other, target}) {
		t.Error("expected match when target is in the candidate set")
	}
}
