package events

import (
	"context"
	"testing"
)

func TestNewPublisher_DisabledMode(t *testing.T) {
	tests := []struct {
		name string
		cfg  *PublisherConfig
	}{
		{"nil config", nil},
		{"disabled", &PublisherConfig{Enabled: false, Brokers: []string{"localhost:9092"}}},
		{"no brokers", &PublisherConfig{Enabled: true, Brokers: []string{}}},
		{"nil brokers", &PublisherConfig{Enabled: true, Brokers: nil}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPublisher(tt.cfg)
			if p == nil {
				t.Fatal("expected non-nil publisher")
			}
			if p.enabled {
				t.Error("expected publisher to be disabled")
			}
			if p.writerPartial != nil {
				t.Error("expected nil partial writer when disabled")
			}
			if p.writerFinal != nil {
				t.Error("expected nil final writer when disabled")
			}
		})
	}
}

func TestNewPublisher_ConfigValues(t *testing.T) {
	cfg := &PublisherConfig{
		Enabled:      false,
		Brokers:      []string{"localhost:9092"},
		TopicPartial: "test.partial",
		TopicFinal:   "test.final",
		Principal:    "test-principal",
	}

	p := NewPublisher(cfg)

	if p.principal != "test-principal" {
		t.Errorf("expected principal 'test-principal', got %s", p.principal)
	}
	if p.topicPartial != "test.partial" {
		t.Errorf("expected topic partial 'test.partial', got %s", p.topicPartial)
	}
	if p.topicFinal != "test.final" {
		t.Errorf("expected topic final 'test.final', got %s", p.topicFinal)
	}
}

func TestPublisher_PublishDisabledIsLogOnly(t *testing.T) {
	p := NewPublisher(&PublisherConfig{Enabled: false})
	ctx := context.Background()

	partial := TranscriptPartial{
		EventType: "transcript.partial",
		Source:    "system",
		SessionID: "sess-1",
		Timestamp: 1724400000000,
		Text:      "hello wor",
	}
	if err := p.PublishPartial(ctx, "system", partial); err != nil {
		t.Errorf("disabled publish partial: %v", err)
	}

	final := TranscriptFinal{
		EventType:  "transcript.final",
		Source:     "system",
		SessionID:  "sess-1",
		Timestamp:  1724400001000,
		Text:       "hello world",
		Confidence: 0.96,
	}
	if err := p.PublishFinal(ctx, "system", final); err != nil {
		t.Errorf("disabled publish final: %v", err)
	}
}

func TestPublisher_PublishUnmarshalableEvent(t *testing.T) {
	p := NewPublisher(&PublisherConfig{Enabled: false})

	// A channel cannot be JSON-marshaled.
	if err := p.PublishPartial(context.Background(), "k", make(chan int)); err == nil {
		t.Error("expected marshal error")
	}
}

func TestPublisher_CloseDisabled(t *testing.T) {
	p := NewPublisher(&PublisherConfig{Enabled: false})
	if err := p.Close(); err != nil {
		t.Errorf("close disabled publisher: %v", err)
	}
}
