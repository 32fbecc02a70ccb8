// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Plexus License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package shell implements the sandboxed shell executor (spec §4.5): an
// allowlist/denylist-gated subprocess runner with streaming output,
// per-command timeout, and cooperative cancellation.
package shell

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"
)

// DefaultDenylist blocks dangerous commands regardless of allowlist
// configuration, grounded on original_source/plexus/commands.py's
// DEFAULT_COMMAND_DENYLIST.
var DefaultDenylist = []string{
	"rm -rf *", "rm -rf /", "rm -rf /*",
	"dd *",
	"mkfs*",
	"shutdown*", "reboot*",
	"format*",
	"> /dev/*",
	":(){ :|:& };:",
}

// DefaultTimeout is the fallback per-command timeout (spec §4.5).
const DefaultTimeout = 300 * time.Second

// killGrace is how long SIGTERM is given before escalating to SIGKILL.
const killGrace = 5 * time.Second

// EventKind identifies a frame the executor emits over the control channel.
type EventKind string

const (
	EventAck     EventKind = "ack"
	EventStart   EventKind = "start"
	EventData    EventKind = "data"
	EventExit    EventKind = "exit"
	EventTimeout EventKind = "timeout"
	EventError   EventKind = "error"
)

// Event is one framed reply of the execution protocol (spec §4.5). Every
// Event carries the inbound correlation id.
type Event struct {
	ID      string
	Kind    EventKind
	Command string
	Data    string
	Code    int
	Err     string
}

// Emit is called once per Event, in order, for a given Execute call.
type Emit func(Event)

// Executor runs at most one shell command at a time per agent (spec §4.5).
type Executor struct {
	allowlist []string
	denylist  []string
	logger    *slog.Logger
	limiter   *lineLimiter

	mu      sync.Mutex
	current *exec.Cmd
}

// New constructs an Executor. A nil or empty allowlist means default-deny:
// every execution is refused (spec §4.5 "No allowlist configured ⇒ every
// shell execution is refused"), which is stricter than and supersedes
// original_source/plexus/commands.py's denylist-only fallback.
func New(allowlist, denylist []string, logger *slog.Logger) *Executor {
	if denylist == nil {
		denylist = DefaultDenylist
	}
	return &Executor{allowlist: allowlist, denylist: denylist, logger: logger, limiter: newLineLimiter(0)}
}

// IsAllowed reports whether command may run under the current policy, and
// if not, why. Denylist is checked first (defense in depth), then the
// allowlist; a configured allowlist is a strict subset filter, an empty one
// refuses everything.
func (e *Executor) IsAllowed(command string) (bool, string) {
	for _, pattern := range e.denylist {
		if globMatch(pattern, command) {
			return false, fmt.Sprintf("Command blocked by denylist: matches '%s'", pattern)
		}
	}

	if len(e.allowlist) == 0 {
		return false, "Shell execution disabled (no allowlist configured)"
	}

	for _, pattern := range e.allowlist {
		if globMatch(pattern, command) {
			return true, ""
		}
	}
	return false, "Command not in allowlist"
}

// globMatch matches a whole command string against a glob pattern. '/' is
// not treated as a separator, so '*' also spans path arguments ("dd *"
// matches "dd if=/dev/zero").
func globMatch(pattern, command string) bool {
	pattern = strings.ReplaceAll(pattern, "/", "\x00")
	command = strings.ReplaceAll(command, "/", "\x00")
	if ok, _ := filepath.Match(pattern, command); ok {
		return true
	}
	trimmed := trimSpace(command)
	ok, _ := filepath.Match(pattern, trimmed)
	return ok
}

func trimSpace(s string) string {
	start, end := 0, len(s)
	for start < end && isSpace(s[start]) {
		start++
	}
	for end > start && isSpace(s[end-1]) {
		end--
	}
	return s[start:end]
}

func isSpace(b byte) bool { return b == ' ' || b == '\t' || b == '\n' || b == '\r' }

// Execute runs command under ctx, enforcing timeout (DefaultTimeout if <=0)
// and streaming every step of the protocol through emit: a policy check
// that may short-circuit with a single error Event, otherwise
// ack→start→data*→{exit|timeout|error}. Only one command may be in flight;
// a concurrent call returns an error immediately without emitting frames.
func (e *Executor) Execute(ctx context.Context, id, command string, timeout time.Duration, emit Emit) error {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	allowed, reason := e.IsAllowed(command)
	if !allowed {
		emit(Event{ID: id, Kind: EventError, Command: command, Err: fmt.Sprintf("Command rejected: %s", reason)})
		return nil
	}

	args, err := tokenize(command)
	if err != nil {
		emit(Event{ID: id, Kind: EventError, Command: command, Err: err.Error()})
		return nil
	}
	if len(args) == 0 {
		emit(Event{ID: id, Kind: EventError, Command: command, Err: "empty command"})
		return nil
	}

	e.mu.Lock()
	if e.current != nil {
		e.mu.Unlock()
		return fmt.Errorf("shell: a command is already running")
	}

	emit(Event{ID: id, Kind: EventAck, Command: command})

	cmd := exec.Command(args[0], args[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	// Stdout and stderr are merged onto a single pipe, matching
	// original_source/plexus/commands.py's subprocess.Popen(stderr=STDOUT).
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		e.mu.Unlock()
		pw.Close()
		emit(Event{ID: id, Kind: EventError, Command: command, Err: err.Error()})
		return nil
	}

	e.current = cmd
	e.mu.Unlock()

	emit(Event{ID: id, Kind: EventStart, Command: command})

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	lineCh := make(chan string)
	go func() {
		defer close(lineCh)
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			lineCh <- scanner.Text()
		}
	}()

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
		pw.Close()
	}()

	var finalErr error

readLoop:
	for {
		select {
		case line, ok := <-lineCh:
			if !ok {
				lineCh = nil
				continue
			}
			e.limiter.throttle(runCtx)
			emit(Event{ID: id, Kind: EventData, Data: line + "\n"})
		case waitErr := <-done:
			drainRemaining(lineCh, func(line string) { emit(Event{ID: id, Kind: EventData, Data: line + "\n"}) })
			e.clearCurrent()
			if waitErr != nil {
				if exitErr, ok := waitErr.(*exec.ExitError); ok {
					emit(Event{ID: id, Kind: EventExit, Code: exitErr.ExitCode()})
					break readLoop
				}
				finalErr = waitErr
				emit(Event{ID: id, Kind: EventError, Command: command, Err: waitErr.Error()})
				break readLoop
			}
			emit(Event{ID: id, Kind: EventExit, Code: 0})
			break readLoop
		case <-runCtx.Done():
			e.killProcessGroup(cmd)
			<-done
			e.clearCurrent()
			emit(Event{ID: id, Kind: EventTimeout})
			break readLoop
		}
	}

	return finalErr
}

func drainRemaining(ch <-chan string, onLine func(string)) {
	if ch == nil {
		return
	}
	for line := range ch {
		onLine(line)
	}
}

func (e *Executor) clearCurrent() {
	e.mu.Lock()
	e.current = nil
	e.mu.Unlock()
}

// Cancel terminates the in-flight command, if any, with SIGTERM followed by
// SIGKILL after killGrace if it is still alive (spec §4.5 step 7).
func (e *Executor) Cancel() {
	e.mu.Lock()
	cmd := e.current
	e.mu.Unlock()
	if cmd == nil {
		return
	}
	e.killProcessGroup(cmd)
}

func (e *Executor) killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pgid := cmd.Process.Pid
	syscall.Kill(-pgid, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		_, _ = cmd.Process.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(killGrace):
		syscall.Kill(-pgid, syscall.SIGKILL)
	}
}
