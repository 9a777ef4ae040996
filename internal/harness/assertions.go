package harness

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/fent/clusterhub/internal/wire"
)

// evaluate checks every assertion of the scenario while the group is
// still running, so interest counts are live.
func (h *Harness) evaluate(result *Result) {
	for i, a := range h.scenario.Assertions {
		if err := h.check(a); err != nil {
			result.AddError(fmt.Sprintf("assertions[%d] (%s): %v", i, a.Type, err))
		}
	}
}

func (h *Harness) check(a Assertion) error {
	hubID := h.scenario.hubFor(a.Hub)
	if hubID == "" {
		hubID = h.coord.reg.Default().ID()
	}

	switch a.Type {
	case AssertDelivered:
		n := countEvents(h.trace.For(a.Process), hubID, a.Event)
		if a.Count != nil && n != *a.Count {
			return fmt.Errorf("%s saw %q %d times, want %d", a.Process, a.Event, n, *a.Count)
		}
		if a.Count == nil && n == 0 {
			return fmt.Errorf("%s never saw %q", a.Process, a.Event)
		}

	case AssertNotDelivered:
		if n := countEvents(h.trace.For(a.Process), hubID, a.Event); n != 0 {
			return fmt.Errorf("%s saw %q %d times, want none", a.Process, a.Event, n)
		}

	case AssertOrder:
		return checkOrder(h.trace.For(a.Process), hubID, a.Events)

	case AssertInterest:
		got := h.coord.reg.Interest(a.Process, hubID, a.Event)
		if got != *a.Count {
			return fmt.Errorf("interest of %s in %q is %d, want %d", a.Process, a.Event, got, *a.Count)
		}

	case AssertStore:
		v, err := h.coord.reg.Hub(hubID).ExecSync(context.Background(), "get", a.Key)
		if err != nil {
			return err
		}
		return sameValue(v, a.Expect)

	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}

func countEvents(list []Delivery, hubID, event string) int {
	n := 0
	for _, d := range list {
		if d.Kind == KindEvent && d.Hub == hubID && d.Event == event {
			n++
		}
	}
	return n
}

// checkOrder reports whether want appears in list as a subsequence of
// event names.
func checkOrder(list []Delivery, hubID string, want []string) error {
	var seen []string
	i := 0
	for _, d := range list {
		if d.Kind != KindEvent || d.Hub != hubID {
			continue
		}
		seen = append(seen, d.Event)
		if i < len(want) && d.Event == want[i] {
			i++
		}
	}
	if i < len(want) {
		return fmt.Errorf("want order [%s], saw [%s]", strings.Join(want, ", "), strings.Join(seen, ", "))
	}
	return nil
}

// sameValue compares through canonical JSON so that a YAML int matches
// the int64 a store returns.
func sameValue(got, want any) error {
	gb, err := wire.MarshalCanonical(canonicalValue(got))
	if err != nil {
		return err
	}
	wb, err := wire.MarshalCanonical(canonicalValue(want))
	if err != nil {
		return err
	}
	if !bytes.Equal(gb, wb) {
		return fmt.Errorf("got %s, want %s", gb, wb)
	}
	return nil
}
