package kafka

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewPublisherLeavesTopicToMessages(t *testing.T) {
	p := NewPublisher([]string{"localhost:9092"})
	// kafka-go rejects messages that carry a topic when the writer already
	// has one, so the writer must stay topic-less for the per-message topic
	// to be honored.
	assert.Empty(t, p.writer.Topic)
}
