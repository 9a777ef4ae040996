package cli

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/fent/clusterhub/internal/hub"
)

const (
	demoHub     = "demo"
	demoPing    = "ping"
	demoCounter = "pings"
)

// registerDemoParticipant answers every ping by bumping the shared
// counter and then calling the function that came with the ping.
func registerDemoParticipant(reg *hub.Registry) {
	h := reg.Hub(demoHub)
	h.OnFunc(demoPing, func(ev hub.Event) {
		reply, ok := ev.Func(0)
		if !ok {
			slog.Warn("ping without a reply function", "args", len(ev.Args))
			return
		}
		if err := h.Incr(demoCounter, nil); err != nil {
			slog.Warn("failed to count ping", "error", err)
		}
		reply(reg.ID())
	})
}

// DemoSummary is the outcome of a demo round.
type DemoSummary struct {
	Participants int                 `json:"participants"`
	Replies      []string            `json:"replies"`
	Pings        int64               `json:"pings"`
	Metrics      hub.MetricsSnapshot `json:"metrics"`
}

// Text renders the summary for the text output format.
func (s DemoSummary) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "participants: %d\n", s.Participants)
	fmt.Fprintf(&b, "replies:      %d\n", len(s.Replies))
	for _, id := range s.Replies {
		fmt.Fprintf(&b, "  - %s\n", id)
	}
	fmt.Fprintf(&b, "pings:        %d\n", s.Pings)
	fmt.Fprintf(&b, "messages:     sent=%d recv=%d buffered=%d dropped=%d\n",
		s.Metrics.MessagesSent, s.Metrics.MessagesRecv, s.Metrics.MessagesBuffered, s.Metrics.MessagesDropped)
	return b.String()
}

// runDemo waits for group readiness, pings every participant with a reply
// function and waits for all n replies. runErr reports an early exit of
// the coordinator's Run.
func runDemo(ctx context.Context, reg *hub.Registry, n int, runErr <-chan error) (*DemoSummary, error) {
	ready := make(chan struct{})
	reg.OnGroupReady(func() { close(ready) })

	select {
	case <-ready:
	case err := <-runErr:
		return nil, fmt.Errorf("coordinator stopped before group ready: %w", err)
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for group ready: %w", ctx.Err())
	}
	slog.Info("group ready, pinging", "participants", n)

	replies := make(chan string, n)
	reg.Hub(demoHub).Emit(demoPing, func(args ...any) {
		id, _ := firstString(args)
		replies <- id
	})

	summary := &DemoSummary{Participants: n, Replies: []string{}}
	for len(summary.Replies) < n {
		select {
		case id := <-replies:
			slog.Debug("ping answered", "participant", id)
			summary.Replies = append(summary.Replies, id)
		case err := <-runErr:
			return nil, fmt.Errorf("coordinator stopped during demo: %w", err)
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for replies (%d of %d): %w", len(summary.Replies), n, ctx.Err())
		}
	}
	slices.Sort(summary.Replies)

	v, err := reg.Hub(demoHub).ExecSync(ctx, "get", demoCounter)
	if err != nil {
		return nil, fmt.Errorf("read ping counter: %w", err)
	}
	summary.Pings, _ = v.(int64)
	summary.Metrics = reg.Metrics()
	return summary, nil
}

func firstString(args []any) (string, bool) {
	if len(args) == 0 {
		return "", false
	}
	s, ok := args[0].(string)
	return s, ok
}
