// Package agentio manages one agent subprocess speaking newline-delimited
// JSON over its standard streams: it spawns the command through the shell,
// writes one compact JSON frame per line to stdin, and surfaces each
// complete line read from stdout as a parsed frame.
package agentio

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
)

// Agent is the send/receive surface of a running agent subprocess.
type Agent interface {
	// Send serializes v as compact JSON, appends a newline and writes it to
	// the child's stdin. Safe for concurrent use.
	Send(v any) error
	// Frames yields one parsed JSON value per complete line on the child's
	// stdout. The channel closes when the stream ends.
	Frames() <-chan json.RawMessage
	// Exited is closed exactly once when the process exits, whatever the cause.
	Exited() <-chan struct{}
	// ExitErr reports the process exit error, valid after Exited is closed.
	ExitErr() error
	// Kill terminates the process group.
	Kill()
}

// Process is a live agent subprocess.
type Process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	frames chan json.RawMessage
	exited chan struct{}
	logger *slog.Logger

	writeMu  sync.Mutex
	killOnce sync.Once

	mu      sync.Mutex
	waitErr error
}

// Start spawns command via the shell so PATH resolution and version managers
// behave as they would in a terminal. The command string must come from
// trusted configuration, never from per-request input.
func Start(command, cwd string, env []string, logger *slog.Logger) (*Process, error) {
	cmd := shellCommand(command)
	cmd.Dir = cwd
	cmd.Env = append(os.Environ(), env...)
	setProcGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start agent: %w", err)
	}

	p := &Process{
		cmd:    cmd,
		stdin:  stdin,
		frames: make(chan json.RawMessage, 64),
		exited: make(chan struct{}),
		logger: logger.With("pid", cmd.Process.Pid),
	}

	var readers sync.WaitGroup
	readers.Add(2)

	go func() {
		defer readers.Done()
		readFrames(stdout, p.frames, p.logger)
		close(p.frames)
	}()

	// Stderr carries diagnostics only; it never participates in the protocol.
	go func() {
		defer readers.Done()
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			p.logger.Debug("agent stderr", "line", scanner.Text())
		}
	}()

	go func() {
		readers.Wait()
		err := cmd.Wait()
		p.mu.Lock()
		p.waitErr = err
		p.mu.Unlock()
		close(p.exited)
	}()

	return p, nil
}

func (p *Process) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	data = append(data, '\n')

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if _, err := p.stdin.Write(data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (p *Process) Frames() <-chan json.RawMessage { return p.frames }

func (p *Process) Exited() <-chan struct{} { return p.exited }

func (p *Process) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitErr
}

// Kill terminates the whole process group so shell-spawned children do not
// outlive the session.
func (p *Process) Kill() {
	p.killOnce.Do(func() {
		_ = p.stdin.Close()
		killGroup(p.cmd)
	})
}

// readFrames emits one frame per newline-terminated line. Empty lines are
// skipped, lines that are not valid JSON are dropped with a log entry, and
// a trailing partial line is never emitted. A CR before the LF is left in
// place; JSON treats it as whitespace.
func readFrames(r io.Reader, out chan<- json.RawMessage, logger *slog.Logger) {
	br := bufio.NewReaderSize(r, 64*1024)
	for {
		line, err := br.ReadBytes('\n')
		if err != nil {
			// Partial trailing data (line without its newline) is dropped.
			if err != io.EOF {
				logger.Debug("agent stdout read error", "error", err)
			}
			return
		}
		line = line[:len(line)-1]
		if len(line) == 0 {
			continue
		}
		if !json.Valid(line) {
			logger.Warn("dropping invalid JSON line from agent", "bytes", len(line))
			continue
		}
		frame := make(json.RawMessage, len(line))
		copy(frame, line)
		out <- frame
	}
}
