// Package ptyio manages pseudo-terminal processes: spawning a command
// into a PTY, polling its output, writing input, and resizing (§4.C).
//
// A Handle owns exactly one PTY/process pair. Output polling runs on its
// own goroutine and delivers chunks to a caller-supplied callback; writes
// go through a separate mutex so a slow or backed-up consumer of output
// never blocks input delivery to the child process (§5).
package ptyio

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"

	"github.com/ccmux/ccmux/internal/ccmuxerr"
)

// SpawnConfig configures the command run inside a new PTY.
type SpawnConfig struct {
	Command string
	Args    []string
	Dir     string
	Env     []string
	Rows    uint16
	Cols    uint16
}

// OutputFunc receives a chunk of raw PTY output. Called from the poll
// goroutine; implementations must not block for long, since a slow
// OutputFunc delays delivery of subsequent chunks (it does not, however,
// block Write or Resize, which use an independent lock).
type OutputFunc func([]byte)

// ExitFunc is invoked once, from the poll goroutine, when the child
// process's output stream ends. code is nil if the exit status could not
// be determined.
type ExitFunc func(code *int)

// Handle is a single running (or exited) PTY-backed process.
type Handle struct {
	writeMu sync.Mutex
	ptyFile *os.File
	cmd     *exec.Cmd
	rows    uint16
	cols    uint16

	onOutput OutputFunc
	onExit   ExitFunc
	logger   *slog.Logger

	done     chan struct{}
	pollOnce sync.Once
	pollWg   sync.WaitGroup

	exitMu   sync.Mutex
	exited   bool
	exitCode *int
}

// Spawn starts cfg.Command in a new PTY of the given size and begins
// polling its output. onOutput and onExit must be non-nil; onExit is
// always called exactly once, even if Kill is called first.
func Spawn(cfg SpawnConfig, onOutput OutputFunc, onExit ExitFunc, logger *slog.Logger) (*Handle, error) {
	if logger == nil {
		logger = slog.Default()
	}

	args := cfg.Args
	command := cfg.Command
	if len(args) == 0 && command != "" {
		args = []string{"-c", command}
		command = "/bin/bash"
	}
	if command == "" {
		command = "/bin/bash"
	}

	cmd := exec.Command(command, args...)
	cmd.Dir = cfg.Dir
	if len(cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), cfg.Env...)
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: cfg.Rows, Cols: cfg.Cols})
	if err != nil {
		return nil, ccmuxerr.PTY(fmt.Sprintf("spawn %q", command), err)
	}

	h := &Handle{
		ptyFile:  ptmx,
		cmd:      cmd,
		rows:     cfg.Rows,
		cols:     cfg.Cols,
		onOutput: onOutput,
		onExit:   onExit,
		logger:   logger,
		done:     make(chan struct{}),
	}

	h.pollWg.Add(1)
	go h.pollLoop()

	return h, nil
}

// pollLoop reads from the PTY until EOF or error, delivering chunks to
// onOutput, then reaps the child and delivers the exit code to onExit.
func (h *Handle) pollLoop() {
	defer h.pollWg.Done()

	buf := make([]byte, 32*1024)
	for {
		n, err := h.ptyFile.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			h.onOutput(chunk)
		}
		if err != nil {
			if err != io.EOF {
				h.logger.Warn("pty read error", "error", err)
			}
			break
		}
	}
	h.finish()
}

// finish reaps the child process (if not already reaped by Kill) and
// fires onExit exactly once.
func (h *Handle) finish() {
	h.exitMu.Lock()
	defer h.exitMu.Unlock()
	if h.exited {
		return
	}
	h.exited = true

	if h.cmd != nil {
		err := h.cmd.Wait()
		if h.cmd.ProcessState != nil {
			code := h.cmd.ProcessState.ExitCode()
			h.exitCode = &code
		} else if err == nil {
			zero := 0
			h.exitCode = &zero
		}
	}
	h.onExit(h.exitCode)
}

// Write sends input bytes to the child process.
func (h *Handle) Write(p []byte) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	if h.ptyFile == nil {
		return ccmuxerr.PTY("write to closed pty", nil)
	}
	_, err := h.ptyFile.Write(p)
	if err != nil {
		return ccmuxerr.PTY("write", err)
	}
	return nil
}

// Resize changes the PTY's terminal dimensions.
func (h *Handle) Resize(rows, cols uint16) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	h.rows, h.cols = rows, cols
	if h.ptyFile == nil {
		return nil
	}
	if err := pty.Setsize(h.ptyFile, &pty.Winsize{Rows: rows, Cols: cols}); err != nil {
		return ccmuxerr.PTY("resize", err)
	}
	return nil
}

// Size reports the current terminal dimensions.
func (h *Handle) Size() (rows, cols uint16) {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	return h.rows, h.cols
}

// Kill terminates the child process and waits for the poll goroutine to
// observe EOF and finish. Safe to call multiple times and safe to call
// after the process has already exited on its own.
func (h *Handle) Kill(ctx context.Context) error {
	h.writeMu.Lock()
	proc := h.cmd.Process
	h.writeMu.Unlock()

	if proc != nil {
		_ = proc.Kill()
	}

	waitDone := make(chan struct{})
	go func() {
		h.pollWg.Wait()
		close(waitDone)
	}()

	select {
	case <-waitDone:
	case <-ctx.Done():
		return ccmuxerr.PTY("kill: timed out waiting for process exit", ctx.Err())
	}

	h.writeMu.Lock()
	if h.ptyFile != nil {
		_ = h.ptyFile.Close()
	}
	h.writeMu.Unlock()

	return nil
}

// ExitCode returns the child's exit code, if it has exited.
func (h *Handle) ExitCode() (code *int, exited bool) {
	h.exitMu.Lock()
	defer h.exitMu.Unlock()
	return h.exitCode, h.exited
}
