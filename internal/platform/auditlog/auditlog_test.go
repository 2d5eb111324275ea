package auditlog

import (
	"context"
	"testing"
	"time"
)

func sampleEvent() Event {
	return Event{
		OccurredAt:   time.Unix(1700000000, 0).UTC(),
		Actor:        "alice",
		Action:       ActionRunDelete,
		Project:      "p",
		ResourceType: "run",
		ResourceID:   "u1-2",
	}
}

func TestComputeIntegritySHA256Deterministic(t *testing.T) {
	payload := []byte(`{"name":"train","state":"completed"}`)
	a, err := ComputeIntegritySHA256(sampleEvent(), payload)
	if err != nil {
		t.Fatalf("ComputeIntegritySHA256: %v", err)
	}
	b, err := ComputeIntegritySHA256(sampleEvent(), payload)
	if err != nil {
		t.Fatalf("ComputeIntegritySHA256: %v", err)
	}
	if a != b || len(a) != 64 {
		t.Fatalf("hashes differ or malformed: %q %q", a, b)
	}

	changed := sampleEvent()
	changed.ResourceID = "u1-3"
	c, err := ComputeIntegritySHA256(changed, payload)
	if err != nil {
		t.Fatalf("ComputeIntegritySHA256: %v", err)
	}
	if c == a {
		t.Fatalf("expected different hash for different resource")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Event)
	}{
		{name: "time", mutate: func(e *Event) { e.OccurredAt = time.Time{} }},
		{name: "actor", mutate: func(e *Event) { e.Actor = " " }},
		{name: "action", mutate: func(e *Event) { e.Action = "" }},
		{name: "resource type", mutate: func(e *Event) { e.ResourceType = "" }},
		{name: "resource id", mutate: func(e *Event) { e.ResourceID = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := sampleEvent()
			tt.mutate(&e)
			if err := e.Validate(); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
	if err := sampleEvent().Validate(); err != nil {
		t.Fatalf("valid event: %v", err)
	}
}

func TestInsertRequiresQueryer(t *testing.T) {
	if _, err := Insert(context.Background(), nil, sampleEvent()); err == nil {
		t.Fatalf("expected error for nil queryer")
	}
}
