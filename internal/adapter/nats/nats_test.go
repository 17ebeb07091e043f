package nats

import (
	"testing"

	"github.com/devgodzilla/devgodzilla/internal/domain/event"
)

func TestSubjectFor(t *testing.T) {
	protocolID := int64(42)
	projectID := int64(7)

	tests := []struct {
		name string
		e    event.Event
		want string
	}{
		{"protocol scoped", event.Event{ProtocolRunID: &protocolID}, "events.protocol.42"},
		{"protocol wins over project", event.Event{ProtocolRunID: &protocolID, ProjectID: &projectID}, "events.protocol.42"},
		{"project scoped", event.Event{ProjectID: &projectID}, "events.project.7"},
		{"unscoped", event.Event{}, "events.global"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := subjectFor(tt.e); got != tt.want {
				t.Fatalf("subjectFor() = %q, want %q", got, tt.want)
			}
		})
	}
}
