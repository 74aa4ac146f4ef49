package bus

import (
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Validate(t *testing.T) {
	valid := Config{Brokers: []string{"localhost:9092"}, Topics: []string{"events"}}
	require.NoError(t, valid.Validate())

	noBrokers := Config{Topics: []string{"events"}}
	assert.Error(t, noBrokers.Validate())

	noTopics := Config{Brokers: []string{"localhost:9092"}}
	assert.Error(t, noTopics.Validate())

	badReset := Config{Brokers: []string{"localhost:9092"}, Topics: []string{"events"}, AutoOffsetReset: "newest"}
	assert.Error(t, badReset.Validate())

	badProp := Config{
		Brokers:    []string{"localhost:9092"},
		Topics:     []string{"events"},
		Properties: map[string]string{"some.unknown.property": "x"},
	}
	assert.Error(t, badProp.Validate())

	goodProp := Config{
		Brokers:    []string{"localhost:9092"},
		Topics:     []string{"events"},
		Properties: map[string]string{"compression": "gzip", "fetch.min.bytes": "1024"},
	}
	assert.NoError(t, goodProp.Validate())
}

func TestConfig_StartOffset(t *testing.T) {
	assert.Equal(t, int64(kafka.FirstOffset), Config{AutoOffsetReset: "earliest"}.startOffset())
	assert.Equal(t, int64(kafka.FirstOffset), Config{}.startOffset())
	assert.Equal(t, int64(kafka.LastOffset), Config{AutoOffsetReset: "latest"}.startOffset())
}
