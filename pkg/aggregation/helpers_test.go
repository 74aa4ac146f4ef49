package aggregation

import (
	"testing"

	"github.com/boogy/sigma-stream/pkg/event"
)

func newTestEvent(t *testing.T) *event.Event {
	t.Helper()
	evt, err := event.New(map[string]any{"EventID": 1, "User": "alice"})
	if err != nil {
		t.Fatalf("event.New: %v", err)
	}
	return evt
}
