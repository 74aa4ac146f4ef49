package rule

import (
	"fmt"
	"strings"

	"github.com/segmentio/encoding/json"
	"gopkg.in/yaml.v2"
)

// Export re-marshals a loaded Rule back to YAML or JSON, grounded in the
// teacher's versioned.go Export (config round-tripping, the HTTP /rules
// endpoint).
func (r *Rule) Export(format string) ([]byte, error) {
	switch strings.ToLower(format) {
	case "yaml", "yml":
		return yaml.Marshal(r)
	case "json":
		return json.Marshal(r)
	default:
		return nil, fmt.Errorf("rule: unsupported export format %q", format)
	}
}
