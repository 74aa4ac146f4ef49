// Package rule represents a parsed Sigma detection rule (spec §4.1) and its
// YAML/JSON loading and structural validation.
package rule

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/boogy/sigma-stream/pkg/aggregation"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"gopkg.in/yaml.v2"
)

// uuidPattern enforces spec.md §6's exact 8-4-4-4-12 hex-digit shape.
// google/uuid.Parse alone is looser (it also accepts "urn:uuid:" and
// brace-wrapped forms), so both checks run: the regex pins the literal
// shape, uuid.Parse confirms it round-trips through a canonical UUID.
var uuidPattern = regexp.MustCompile(`^[a-fA-F0-9]{8}-[a-fA-F0-9]{4}-[a-fA-F0-9]{4}-[a-fA-F0-9]{4}-[a-fA-F0-9]{12}$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("sigmauuid", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		if !uuidPattern.MatchString(s) {
			return false
		}
		_, err := uuid.Parse(s)
		return err == nil
	})
	return v
}

// NewID generates a fresh rule ID in spec.md §6's UUID 8-4-4-4-12 form, for
// callers (ruleset.AddRule, rule authoring tools) that add a rule without a
// pre-assigned one.
func NewID() string {
	return uuid.NewString()
}

// Logsource narrows a rule to the event streams it is meant to run against.
type Logsource struct {
	Product    string `yaml:"product,omitempty" json:"product,omitempty"`
	Category   string `yaml:"category,omitempty" json:"category,omitempty"`
	Service    string `yaml:"service,omitempty" json:"service,omitempty"`
	Definition string `yaml:"definition,omitempty" json:"definition,omitempty"`
}

// Matches reports whether this logsource satisfies the given filters; an
// empty filter value is treated as "don't care".
func (l Logsource) Matches(product, category, service string) bool {
	if product != "" && l.Product != "" && product != l.Product {
		return false
	}
	if product != "" && l.Product == "" {
		return false
	}
	if category != "" && l.Category != "" && category != l.Category {
		return false
	}
	if category != "" && l.Category == "" {
		return false
	}
	if service != "" && l.Service != "" && service != l.Service {
		return false
	}
	if service != "" && l.Service == "" {
		return false
	}
	return true
}

// Tags is a Sigma rule's ATT&CK/category tag set.
type Tags []string

// HasAll reports whether every tag in want is present.
func (t Tags) HasAll(want []string) bool {
	set := make(map[string]struct{}, len(t))
	for _, tag := range t {
		set[tag] = struct{}{}
	}
	for _, w := range want {
		if _, ok := set[w]; !ok {
			return false
		}
	}
	return true
}

// Detection holds the free-form selection maps and condition expression of
// a Sigma rule. It is transparent over a raw map so arbitrary selection
// shapes (scalar, list, nested map) round-trip untouched.
type Detection map[string]any

// Condition returns the "condition" entry, or "" if absent.
func (d Detection) Condition() string {
	v, ok := d["condition"]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// Selections returns every entry except "condition".
func (d Detection) Selections() map[string]any {
	out := make(map[string]any, len(d))
	for k, v := range d {
		if k == "condition" {
			continue
		}
		out[k] = v
	}
	return out
}

// Get returns a selection's raw value by name.
func (d Detection) Get(key string) (any, bool) {
	v, ok := d[key]
	return v, ok
}

// SelectionCount returns the number of non-condition entries.
func (d Detection) SelectionCount() int {
	n := len(d)
	if _, ok := d["condition"]; ok {
		n--
	}
	return n
}

// Aggregation is a rule's optional time-windowed aggregation gate (spec
// §4.6: "sel | count() by user > 5"-style clauses). It is carried as its own
// document field rather than parsed out of the condition string, because the
// condition grammar's aggregation support past "|" remains unimplemented in
// the lexer (spec §9 Open Question a) — the boolean condition still compiles
// through pkg/parser unchanged, and this gate is applied afterward by
// pkg/ruleset only when the base condition already matched, which is exactly
// Sigma's own aggregation semantics (count the events that already satisfy
// the selection).
type Aggregation struct {
	Function      string  `yaml:"function" json:"function" validate:"required,oneof=count sum avg min max"`
	Field         string  `yaml:"field,omitempty" json:"field,omitempty"`
	Comparison    string  `yaml:"comparison" json:"comparison" validate:"required,oneof=gt gte lt lte eq neq"`
	Threshold     float64 `yaml:"threshold" json:"threshold"`
	ByField       string  `yaml:"by,omitempty" json:"by,omitempty"`
	WindowSeconds int     `yaml:"window_seconds" json:"window_seconds" validate:"required,gt=0"`
}

// Node builds the aggregation.Node this rule's gate compiles into.
func (a *Aggregation) Node() (*aggregation.Node, error) {
	fn, ok := map[string]aggregation.Function{
		"count": aggregation.FunctionCount,
		"sum":   aggregation.FunctionSum,
		"avg":   aggregation.FunctionAverage,
		"min":   aggregation.FunctionMin,
		"max":   aggregation.FunctionMax,
	}[strings.ToLower(a.Function)]
	if !ok {
		return nil, fmt.Errorf("rule: unknown aggregation function %q", a.Function)
	}
	cmp, ok := map[string]aggregation.Comparison{
		"gt":  aggregation.ComparisonGreaterThan,
		"gte": aggregation.ComparisonGreaterOrEqual,
		"lt":  aggregation.ComparisonLessThan,
		"lte": aggregation.ComparisonLessOrEqual,
		"eq":  aggregation.ComparisonEqual,
		"neq": aggregation.ComparisonNotEqual,
	}[strings.ToLower(a.Comparison)]
	if !ok {
		return nil, fmt.Errorf("rule: unknown aggregation comparison %q", a.Comparison)
	}
	if fn != aggregation.FunctionCount && a.Field == "" {
		return nil, fmt.Errorf("rule: aggregation function %q requires a field", a.Function)
	}
	return &aggregation.Node{
		Function:   fn,
		Field:      a.Field,
		Comparison: cmp,
		Threshold:  a.Threshold,
		ByField:    a.ByField,
		Window:     time.Duration(a.WindowSeconds) * time.Second,
	}, nil
}

// Rule is the parsed representation of one Sigma YAML document.
type Rule struct {
	ID             string    `yaml:"id" json:"id" validate:"required,sigmauuid"`
	Title          string    `yaml:"title" json:"title" validate:"required"`
	Description    string    `yaml:"description,omitempty" json:"description,omitempty"`
	Author         string    `yaml:"author,omitempty" json:"author,omitempty"`
	Level          string    `yaml:"level,omitempty" json:"level,omitempty"`
	Status         string    `yaml:"status,omitempty" json:"status,omitempty"`
	Date           string    `yaml:"date,omitempty" json:"date,omitempty"`
	Modified       string    `yaml:"modified,omitempty" json:"modified,omitempty"`
	References     []string  `yaml:"references,omitempty" json:"references,omitempty"`
	FalsePositives []string  `yaml:"falsepositives,omitempty" json:"falsepositives,omitempty"`
	Fields         []string  `yaml:"fields,omitempty" json:"fields,omitempty"`
	Logsource      Logsource    `yaml:"logsource" json:"logsource"`
	Detection      Detection    `yaml:"detection" json:"detection" validate:"required"`
	Tags           Tags         `yaml:"tags,omitempty" json:"tags,omitempty"`
	Aggregation    *Aggregation `yaml:"aggregation,omitempty" json:"aggregation,omitempty"`
}

// HasTags reports whether the rule carries every tag given.
func (r *Rule) HasTags(tags []string) bool {
	return r.Tags.HasAll(tags)
}

// FromYAML parses and validates one Sigma rule document.
func FromYAML(data []byte) (*Rule, error) {
	var raw struct {
		ID             string                 `yaml:"id"`
		Title          string                 `yaml:"title"`
		Description    string                 `yaml:"description"`
		Author         string                 `yaml:"author"`
		Level          string                 `yaml:"level"`
		Status         string                 `yaml:"status"`
		Date           string                 `yaml:"date"`
		Modified       string                 `yaml:"modified"`
		References     []string               `yaml:"references"`
		FalsePositives []string               `yaml:"falsepositives"`
		Fields         []string               `yaml:"fields"`
		Logsource      Logsource              `yaml:"logsource"`
		Detection      map[string]interface{} `yaml:"detection"`
		Tags           []string               `yaml:"tags"`
		Aggregation    *Aggregation           `yaml:"aggregation"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("rule: yaml decode: %w", err)
	}

	r := &Rule{
		ID:             raw.ID,
		Title:          raw.Title,
		Description:    raw.Description,
		Author:         raw.Author,
		Level:          raw.Level,
		Status:         raw.Status,
		Date:           raw.Date,
		Modified:       raw.Modified,
		References:     raw.References,
		FalsePositives: raw.FalsePositives,
		Fields:         raw.Fields,
		Logsource:      raw.Logsource,
		Detection:      Detection(deepStringKeys(raw.Detection)),
		Tags:           raw.Tags,
		Aggregation:    raw.Aggregation,
	}

	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// Validate checks structural requirements beyond struct tags: a condition
// must be present, and unless the condition is a trivial boolean literal
// there must be at least one selection to evaluate it against.
func (r *Rule) Validate() error {
	if strings.TrimSpace(r.Title) == "" {
		return &InvalidRuleError{Reason: "title cannot be empty"}
	}
	if !uuidPattern.MatchString(r.ID) {
		return &InvalidRuleError{Reason: fmt.Sprintf("rule ID %q is not a valid UUID format", r.ID)}
	}
	if _, err := uuid.Parse(r.ID); err != nil {
		return &InvalidRuleError{Reason: fmt.Sprintf("rule ID %q does not parse as a UUID: %s", r.ID, err)}
	}
	cond := r.Detection.Condition()
	if cond == "" {
		return ErrMissingCondition
	}
	for key := range r.Detection.Selections() {
		if key == "" {
			return &InvalidRuleError{Reason: "detection contains empty selection key"}
		}
	}
	switch strings.TrimSpace(cond) {
	case "true", "false", "1", "0":
		return nil
	}
	if r.Detection.SelectionCount() == 0 {
		return &InvalidRuleError{Reason: "detection must contain at least one selection"}
	}
	if r.Aggregation != nil {
		if _, err := r.Aggregation.Node(); err != nil {
			return &InvalidRuleError{Reason: err.Error()}
		}
	}
	return nil
}

// InvalidRuleError reports a structural problem with a rule document.
type InvalidRuleError struct {
	Reason string
}

func (e *InvalidRuleError) Error() string {
	return fmt.Sprintf("rule: invalid rule: %s", e.Reason)
}

// ErrMissingCondition is returned when a rule's detection block has no
// "condition" entry.
var ErrMissingCondition = fmt.Errorf("rule: detection is missing a condition")

// deepStringKeys recursively converts map[interface{}]interface{} produced
// by gopkg.in/yaml.v2 into map[string]any so downstream code (and JSON
// re-encoding) never has to special-case YAML's key type.
func deepStringKeys(v any) map[string]any {
	out := make(map[string]any)
	m, ok := v.(map[string]interface{})
	if !ok {
		return out
	}
	for k, val := range m {
		out[k] = normalizeYAML(val)
	}
	return out
}

func normalizeYAML(v any) any {
	switch val := v.(type) {
	case map[interface{}]interface{}:
		out := make(map[string]any, len(val))
		for k, vv := range val {
			out[fmt.Sprintf("%v", k)] = normalizeYAML(vv)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]any, len(val))
		for k, vv := range val {
			out[k] = normalizeYAML(vv)
		}
		return out
	case []interface{}:
		out := make([]any, len(val))
		for i, vv := range val {
			out[i] = normalizeYAML(vv)
		}
		return out
	default:
		return val
	}
}

// IsMultipart reports whether raw YAML contains a "---" document separator
// that is not simply a leading marker (a multi-document Sigma file).
func IsMultipart(data []byte) bool {
	s := string(data)
	startsWithSep := strings.HasPrefix(s, "---")
	containsSep := strings.Contains(s, "---")
	return !startsWithSep && containsSep
}

// Handle pairs a parsed rule with loader metadata used by the ruleset and
// compiler layers.
type Handle struct {
	Rule         *Rule
	Path         string
	Multipart    bool
	NoCollapseWS bool
}

func NewHandle(r *Rule, path string) *Handle {
	return &Handle{Rule: r, Path: path}
}

func (h *Handle) WithMultipart(multipart bool) *Handle {
	h.Multipart = multipart
	return h
}

func (h *Handle) WithNoCollapseWS(v bool) *Handle {
	h.NoCollapseWS = v
	return h
}
