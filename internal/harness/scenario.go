package harness

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/fent/clusterhub/internal/store"
)

// Coordinator is the process name of the coordinator in steps and
// assertions. Participants are named p1, p2, ... in spawn order.
const Coordinator = "coordinator"

// Scenario is one scripted run of a group.
type Scenario struct {
	// Name identifies the scenario and names its golden file.
	Name string `yaml:"name"`

	// Description says what the scenario demonstrates.
	Description string `yaml:"description"`

	// Participants is how many participants to spawn.
	Participants int `yaml:"participants"`

	// Hub is the hub steps and assertions use when they name none.
	// Empty means the default hub.
	Hub string `yaml:"hub,omitempty"`

	Steps      []Step      `yaml:"steps"`
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// Step is one action by one process.
type Step struct {
	// Process is "coordinator" or a participant name.
	Process string `yaml:"process"`

	// Action is one of the Action* constants.
	Action string `yaml:"action"`

	Hub   string `yaml:"hub,omitempty"`
	Event string `yaml:"event,omitempty"`

	// Op is the store operation for exec steps.
	Op   string `yaml:"op,omitempty"`
	Args []any  `yaml:"args,omitempty"`
}

// Step actions.
const (
	ActionOn         = "on"
	ActionOff        = "off"
	ActionEmit       = "emit"
	ActionEmitRemote = "emit_remote"
	ActionEmitLocal  = "emit_local"
	ActionExec       = "exec"
	ActionReset      = "reset"
)

// Assertion checks the outcome of a run.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	Process string `yaml:"process,omitempty"`
	Hub     string `yaml:"hub,omitempty"`
	Event   string `yaml:"event,omitempty"`

	// Count is the exact number expected by delivered and interest. When
	// nil, delivered accepts any positive number.
	Count *int `yaml:"count,omitempty"`

	// Events is the expected order for delivery_order. Other events may
	// be interleaved.
	Events []string `yaml:"events,omitempty"`

	// Key and Expect are used by store.
	Key    string `yaml:"key,omitempty"`
	Expect any    `yaml:"expect,omitempty"`
}

// Assertion types.
const (
	AssertDelivered    = "delivered"
	AssertNotDelivered = "not_delivered"
	AssertOrder        = "delivery_order"
	AssertStore        = "store"
	AssertInterest     = "interest"
)

var participantName = regexp.MustCompile(`^p([1-9][0-9]*)$`)

// LoadScenario reads and validates a scenario file. Unknown keys are an
// error.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates a scenario document.
func ParseScenario(data []byte) (*Scenario, error) {
	var s Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&s); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to parse YAML: empty document")
		}
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &s, nil
}

// Validate checks required fields and that every step and assertion
// names a process that will exist.
func (s *Scenario) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Participants < 0 {
		return fmt.Errorf("participants must be non-negative")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	for i, step := range s.Steps {
		if err := s.validateProcess(step.Process); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
		switch step.Action {
		case ActionOn, ActionOff, ActionEmit, ActionEmitRemote, ActionEmitLocal:
			if step.Event == "" {
				return fmt.Errorf("steps[%d]: event is required for %s", i, step.Action)
			}
		case ActionExec:
			if _, ok := store.Lookup(step.Op); !ok {
				return fmt.Errorf("steps[%d]: unknown store operation %q", i, step.Op)
			}
		case ActionReset:
		case "":
			return fmt.Errorf("steps[%d]: action is required", i)
		default:
			return fmt.Errorf("steps[%d]: unknown action %q", i, step.Action)
		}
	}

	for i, a := range s.Assertions {
		if err := s.validateAssertion(a); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}
	return nil
}

func (s *Scenario) validateAssertion(a Assertion) error {
	switch a.Type {
	case AssertDelivered, AssertNotDelivered:
		if a.Event == "" {
			return fmt.Errorf("event is required for %s", a.Type)
		}
		return s.validateProcess(a.Process)
	case AssertOrder:
		if len(a.Events) == 0 {
			return fmt.Errorf("events list is required for %s", a.Type)
		}
		return s.validateProcess(a.Process)
	case AssertInterest:
		if a.Event == "" || a.Count == nil {
			return fmt.Errorf("event and count are required for %s", a.Type)
		}
		if a.Process == Coordinator {
			return fmt.Errorf("interest is counted for participants only")
		}
		return s.validateProcess(a.Process)
	case AssertStore:
		if a.Key == "" {
			return fmt.Errorf("key is required for %s", a.Type)
		}
		return nil
	case "":
		return fmt.Errorf("type is required")
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}

func (s *Scenario) validateProcess(name string) error {
	if name == Coordinator {
		return nil
	}
	m := participantName.FindStringSubmatch(name)
	if m == nil {
		return fmt.Errorf("unknown process %q", name)
	}
	n, _ := strconv.Atoi(m[1])
	if n > s.Participants {
		return fmt.Errorf("process %q but only %d participants", name, s.Participants)
	}
	return nil
}

func (s *Scenario) hubFor(id string) string {
	if id != "" {
		return id
	}
	return s.Hub
}
