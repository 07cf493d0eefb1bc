package usecase

import (
	"github.com/satriahrh/arunika/voiceagent/domain/entities"
	"github.com/satriahrh/arunika/voiceagent/domain/repositories"
)

// MultiSink fans every event out to several sinks in order
type MultiSink []repositories.EventSink

// NewMultiSink drops nil sinks
func NewMultiSink(sinks ...repositories.EventSink) MultiSink {
	m := make(MultiSink, 0, len(sinks))
	for _, sink := range sinks {
		if sink != nil {
			m = append(m, sink)
		}
	}
	return m
}

// Publish implements repositories.EventSink
func (m MultiSink) Publish(event entities.Event) {
	for _, sink := range m {
		sink.Publish(event)
	}
}
