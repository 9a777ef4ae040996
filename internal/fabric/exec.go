package fabric

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
)

// Exec starts participants as child processes. Spawn's entry is a command
// line, split on whitespace; the child's stdin and stdout carry the
// channel and its stderr is logged line by line.
type Exec struct {
	// Env is added to every child's environment after os.Environ().
	Env []string
}

func (f *Exec) Spawn(ctx context.Context, id, entry string, env []string) (*Child, error) {
	argv := strings.Fields(entry)
	if len(argv) == 0 {
		return nil, fmt.Errorf("fabric: empty entry")
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(), f.Env...)
	cmd.Env = append(cmd.Env, env...)
	cmd.Env = append(cmd.Env, EnvParticipantID+"="+id)

	// Plain os.Pipe pairs instead of cmd.StdoutPipe: Wait must not close
	// the read side while frames are still buffered.
	childIn, parentOut, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("fabric: stdin pipe: %w", err)
	}
	parentIn, childOut, err := os.Pipe()
	if err != nil {
		closeAll(childIn, parentOut)
		return nil, fmt.Errorf("fabric: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		closeAll(childIn, parentOut, parentIn, childOut)
		return nil, fmt.Errorf("fabric: stderr pipe: %w", err)
	}
	cmd.Stdin = childIn
	cmd.Stdout = childOut

	if err := cmd.Start(); err != nil {
		closeAll(childIn, parentOut, parentIn, childOut)
		return nil, fmt.Errorf("fabric: start %s: %w", argv[0], err)
	}
	// The child holds its own copies now.
	closeAll(childIn, childOut)

	ch := NewStreamChannel(parentIn, parentOut, parentOut, parentIn)
	child := newChild(id, ch)

	logged := make(chan struct{})
	go func() {
		defer close(logged)
		logStderr(id, stderr)
	}()

	go func() {
		<-logged
		err := cmd.Wait()
		if err != nil && ctx.Err() == nil {
			slog.Warn("participant process exited", "participant", id, "error", err)
		} else {
			slog.Debug("participant process exited", "participant", id)
		}
		ch.Close()
		child.exit(err)
	}()

	slog.Debug("participant process started", "participant", id, "pid", cmd.Process.Pid)
	return child, nil
}

// logStderr forwards a child's stderr until it closes.
func logStderr(id string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		slog.Debug("participant stderr", "participant", id, "line", scanner.Text())
	}
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		f.Close()
	}
}
