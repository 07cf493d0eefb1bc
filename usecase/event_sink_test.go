package usecase

import (
	"testing"

	"github.com/satriahrh/arunika/voiceagent/domain/entities"
)

func TestMultiSink(t *testing.T) {
	first, second := &eventLog{}, &eventLog{}
	sink := NewMultiSink(first, nil, second)

	if len(sink) != 2 {
		t.Fatalf("Expected nil sinks to be dropped, got %d sinks", len(sink))
	}

	sink.Publish(entities.Event{ID: "1", Type: entities.EventTypeStatus})
	sink.Publish(entities.Event{ID: "2", Type: entities.EventTypeMessage})

	for _, log := range []*eventLog{first, second} {
		if len(log.events) != 2 || log.events[0].ID != "1" || log.events[1].ID != "2" {
			t.Errorf("unexpected events %+v", log.events)
		}
	}
}
