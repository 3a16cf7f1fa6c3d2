// Package definitions loads YAML bundles of connections, data sources, actions
// and workflows and imports them into the store.
package definitions

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/rendis/idflow/pkg/schema"
)

// Bundle is the top-level document of a definitions file.
type Bundle struct {
	Connections []Connection `yaml:"connections" validate:"dive"`
	DataSources []DataSource `yaml:"datasources" validate:"dive"`
	Actions     []Action     `yaml:"actions" validate:"dive"`
	Workflows   []Workflow   `yaml:"workflows" validate:"dive"`
}

// Connection declares a named external database.
type Connection struct {
	Name           string `yaml:"name" validate:"required"`
	Driver         string `yaml:"driver" validate:"required,oneof=postgres sqlite"`
	DSN            string `yaml:"dsn" validate:"required"`
	TimeoutSeconds int    `yaml:"timeout_seconds" validate:"gte=0"`
	MaxRetries     int    `yaml:"max_retries" validate:"gte=0"`
	RetryDelayMs   int    `yaml:"retry_delay_ms" validate:"gte=0"`
}

// DataSource declares an upstream source and its field mappings.
type DataSource struct {
	Name                  string         `yaml:"name" validate:"required"`
	Type                  string         `yaml:"type" validate:"required,oneof=csv database directory"`
	Settings              map[string]any `yaml:"settings"`
	Active                *bool          `yaml:"active"`
	IdentityResolution    bool           `yaml:"identity_resolution"`
	MatchingMethod        string         `yaml:"matching_method" validate:"omitempty,oneof=exact case_insensitive fuzzy custom"`
	CreateMissingProfiles bool           `yaml:"create_missing_profiles"`
	SyncDeleted           bool           `yaml:"sync_deleted"`
	Mappings              []Mapping      `yaml:"mappings" validate:"dive"`
}

// Mapping routes one source field to one profile attribute.
type Mapping struct {
	SourceField      string `yaml:"source_field" validate:"required"`
	ProfileAttribute string `yaml:"profile_attribute" validate:"required"`
	Type             string `yaml:"type" validate:"omitempty,oneof=direct transform multi"`
	Key              bool   `yaml:"key"`
	Priority         int    `yaml:"priority"`
	Multivalued      bool   `yaml:"multivalued"`
	Disabled         bool   `yaml:"disabled"`
}

// Action declares a reusable action.
type Action struct {
	Name        string         `yaml:"name" validate:"required"`
	Description string         `yaml:"description"`
	Type        string         `yaml:"type" validate:"required"`
	Parameters  map[string]any `yaml:"parameters"`
	Active      *bool          `yaml:"active"`
}

// Workflow declares a workflow. Bindings drive sequential mode; a graph, when
// present, drives graph mode.
type Workflow struct {
	Name        string          `yaml:"name" validate:"required"`
	Description string          `yaml:"description"`
	Active      *bool           `yaml:"active"`
	Actions     []Binding       `yaml:"actions" validate:"dive"`
	Graph       map[string]Node `yaml:"graph" validate:"dive"`
}

// Binding places an action into a sequential workflow.
type Binding struct {
	Action          string         `yaml:"action" validate:"required"`
	Sequence        int            `yaml:"sequence" validate:"gte=0"`
	Condition       string         `yaml:"condition"`
	ContinueOnError bool           `yaml:"continue_on_error"`
	Parameters      map[string]any `yaml:"parameters"`
}

// Node is a graph node. Action nodes reference an action by name or id.
type Node struct {
	Type            string         `yaml:"type" validate:"required,oneof=start end action conditional"`
	Action          string         `yaml:"action"`
	ActionID        int64          `yaml:"actionId"`
	Condition       string         `yaml:"condition"`
	Parameters      map[string]any `yaml:"parameters"`
	ContinueOnError bool           `yaml:"continue_on_error"`
	Connections     []Edge         `yaml:"connections" validate:"dive"`
}

// Edge is an outgoing graph connection.
type Edge struct {
	Target        string `yaml:"target" validate:"required"`
	ConditionPath string `yaml:"conditionPath" validate:"omitempty,oneof=true false"`
}

// Parse decodes and validates a bundle.
func Parse(data []byte) (*Bundle, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "definitions bundle is empty")
	}
	var b Bundle
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "decode definitions bundle: %v", err).WithCause(err)
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return &b, nil
}

// Load reads a bundle from r.
func Load(r io.Reader) (*Bundle, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read definitions bundle: %w", err)
	}
	return Parse(data)
}

// LoadFile reads a bundle from path.
func LoadFile(path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	b, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return b, nil
}

var validate = validator.New()

// Validate checks field tags, action types, name uniqueness and references
// between entries. Graph semantics are checked at import, once action ids are
// known.
func (b *Bundle) Validate() error {
	if err := validate.Struct(b); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return schema.NewErrorf(schema.ErrCodeValidation, "invalid definitions bundle: %s", formatViolations(verrs)).
				WithDetails(map[string]any{"violations": violationList(verrs)})
		}
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid definitions bundle: %v", err).WithCause(err)
	}

	var problems []string
	unique := func(kind string, names []string) {
		seen := make(map[string]bool, len(names))
		for _, n := range names {
			if seen[n] {
				problems = append(problems, fmt.Sprintf("duplicate %s %q", kind, n))
			}
			seen[n] = true
		}
	}

	names := make([]string, 0, len(b.Connections))
	for _, c := range b.Connections {
		names = append(names, c.Name)
	}
	unique("connection", names)

	names = names[:0]
	for _, ds := range b.DataSources {
		names = append(names, ds.Name)
	}
	unique("datasource", names)

	names = names[:0]
	for _, a := range b.Actions {
		names = append(names, a.Name)
		if !schema.ActionType(a.Type).Known() {
			problems = append(problems, fmt.Sprintf("action %q: unknown type %q", a.Name, a.Type))
		}
	}
	unique("action", names)

	names = names[:0]
	for _, wf := range b.Workflows {
		names = append(names, wf.Name)
		seq := make(map[int]bool)
		for _, bind := range wf.Actions {
			if bind.Sequence > 0 && seq[bind.Sequence] {
				problems = append(problems, fmt.Sprintf("workflow %q: duplicate sequence %d", wf.Name, bind.Sequence))
			}
			seq[bind.Sequence] = true
		}
		for id, n := range wf.Graph {
			if n.Type == string(schema.NodeAction) && n.Action == "" && n.ActionID == 0 {
				problems = append(problems, fmt.Sprintf("workflow %q: node %q has no action", wf.Name, id))
			}
		}
	}
	unique("workflow", names)

	if len(problems) > 0 {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid definitions bundle: %s", strings.Join(problems, "; ")).
			WithDetails(map[string]any{"violations": problems})
	}
	return nil
}

func violationList(verrs validator.ValidationErrors) []string {
	out := make([]string, len(verrs))
	for i, fe := range verrs {
		if fe.Param() != "" {
			out[i] = fmt.Sprintf("%s: failed %s=%s", fe.Namespace(), fe.Tag(), fe.Param())
		} else {
			out[i] = fmt.Sprintf("%s: failed %s", fe.Namespace(), fe.Tag())
		}
	}
	return out
}

func formatViolations(verrs validator.ValidationErrors) string {
	return strings.Join(violationList(verrs), "; ")
}
