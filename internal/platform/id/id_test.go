package id

import (
	"testing"

	"github.com/google/uuid"
)

func TestNewCorrelationIDIsUUIDv7(t *testing.T) {
	value := NewCorrelationID()
	parsed, err := uuid.Parse(value)
	if err != nil {
		t.Fatalf("parse correlation id: %v", err)
	}
	if parsed.Version() != 7 {
		t.Fatalf("version = %d, want 7", parsed.Version())
	}
	if NewCorrelationID() == value {
		t.Fatal("expected unique correlation ids")
	}
}

func TestNewCorrelationIDsSortByCreation(t *testing.T) {
	first := NewCorrelationID()
	second := NewCorrelationID()
	a, _ := uuid.Parse(first)
	b, _ := uuid.Parse(second)
	if a.Time() > b.Time() {
		t.Fatalf("ids out of order: %s then %s", first, second)
	}
}
