package harness

import (
	"cmp"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/fent/clusterhub/internal/funcref"
	"github.com/fent/clusterhub/internal/wire"
)

// Delivery kinds.
const (
	KindEvent  = "event"
	KindResult = "result"
)

// Delivery is one thing a process observed: an event reaching one of its
// listeners, or the result of one of its store calls.
type Delivery struct {
	Kind   string `json:"kind"`
	Hub    string `json:"hub"`
	Event  string `json:"event"` // store operation for results
	Args   []any  `json:"args"`
	Remote bool   `json:"remote"`
}

// Trace is what every process of one run observed, in order, plus the
// coordinator's final store contents.
type Trace struct {
	Scenario string

	mu         sync.Mutex
	Deliveries map[string][]Delivery
	Store      map[string]map[string]any
}

func newTrace(scenario string) *Trace {
	return &Trace{Scenario: scenario, Deliveries: make(map[string][]Delivery)}
}

func (t *Trace) addProcess(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.Deliveries[name]; !ok {
		t.Deliveries[name] = []Delivery{}
	}
}

func (t *Trace) record(process string, d Delivery) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Deliveries[process] = append(t.Deliveries[process], d)
}

// For returns the deliveries of process.
func (t *Trace) For(process string) []Delivery {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Delivery(nil), t.Deliveries[process]...)
}

// Canonical renders the trace as canonical JSON.
func (t *Trace) Canonical() ([]byte, error) {
	return wire.MarshalCanonical(t.toCanonicalMap())
}

// toCanonicalMap converts the trace to the plain maps and slices
// wire.MarshalCanonical accepts.
func (t *Trace) toCanonicalMap() map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()

	deliveries := make(map[string]any, len(t.Deliveries))
	for process, list := range t.Deliveries {
		items := make([]any, len(list))
		for i, d := range list {
			items[i] = map[string]any{
				"kind":   d.Kind,
				"hub":    d.Hub,
				"event":  d.Event,
				"args":   canonicalArgs(d.Args),
				"remote": d.Remote,
			}
		}
		deliveries[process] = items
	}

	store := make(map[string]any, len(t.Store))
	for hubID, values := range t.Store {
		m := make(map[string]any, len(values))
		for k, v := range values {
			m[k] = canonicalValue(v)
		}
		store[hubID] = m
	}

	return map[string]any{
		"scenario":   t.Scenario,
		"deliveries": deliveries,
		"store":      store,
	}
}

func canonicalArgs(args []any) []any {
	out := make([]any, len(args))
	for i, a := range args {
		out[i] = canonicalValue(a)
	}
	return out
}

// canonicalValue replaces callables, which have no stable rendering, with
// a marker.
func canonicalValue(v any) any {
	if _, ok := funcref.AsFunc(v); ok {
		return "<function>"
	}
	switch val := v.(type) {
	case []any:
		return canonicalArgs(val)
	case map[string]any:
		m := make(map[string]any, len(val))
		for k, e := range val {
			m[k] = canonicalValue(e)
		}
		return m
	}
	return v
}

// compareNames orders the coordinator first and participants by number.
func compareNames(a, b string) int {
	if a == b {
		return 0
	}
	if a == Coordinator {
		return -1
	}
	if b == Coordinator {
		return 1
	}
	na, errA := strconv.Atoi(strings.TrimPrefix(a, "p"))
	nb, errB := strconv.Atoi(strings.TrimPrefix(b, "p"))
	if errA == nil && errB == nil {
		return cmp.Compare(na, nb)
	}
	return strings.Compare(a, b)
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every assertion held.
	Pass bool `json:"pass"`

	// Errors lists failed assertions.
	Errors []string `json:"errors,omitempty"`

	Trace *Trace `json:"-"`
}

// AddError records a failed assertion.
func (r *Result) AddError(msg string) {
	r.Errors = append(r.Errors, msg)
	r.Pass = false
}

// RunWithGolden runs scenario and compares its canonical trace with
// testdata/golden/<name>.golden. Regenerate with -update.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(t.Context(), scenario)
	if err != nil {
		return nil, err
	}
	AssertGolden(t, scenario.Name, result)
	return result, nil
}

// AssertGolden compares an existing result's trace with its golden file.
func AssertGolden(t *testing.T, name string, result *Result) {
	t.Helper()

	data, err := result.Trace.Canonical()
	if err != nil {
		t.Fatalf("render trace: %v", err)
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, data)
}
