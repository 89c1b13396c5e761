package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/iambrandonn/runjoin/internal/ndjson"
	"github.com/iambrandonn/runjoin/internal/protocol"
)

// ErrNoSummary is returned by Wait when a worker exits cleanly without
// printing a summary line
var ErrNoSummary = errors.New("worker exited without a summary")

// stopGrace is how long Stop waits after interrupting a worker before killing it
const stopGrace = 5 * time.Second

// Options describes one worker process
type Options struct {
	Name    string
	Command []string
	Env     map[string]string
	Stderr  io.Writer // receives the worker's stderr lines; nil discards them
}

// WorkerSupervisor runs a single worker subprocess and collects the summary
// it prints on stdout
type WorkerSupervisor struct {
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	process *exec.Cmd
	running bool
	summary *protocol.Summary
	exitErr error
	done    chan struct{}
}

// NewWorkerSupervisor creates a new worker supervisor
func NewWorkerSupervisor(opts Options, logger *slog.Logger) *WorkerSupervisor {
	return &WorkerSupervisor{
		opts:   opts,
		logger: logger.With("worker", opts.Name),
	}
}

// Start launches the worker subprocess
func (s *WorkerSupervisor) Start(ctx context.Context) error {
	if len(s.opts.Command) == 0 {
		return fmt.Errorf("worker %s: empty command", s.opts.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return fmt.Errorf("worker %s already started", s.opts.Name)
	}

	proc := exec.CommandContext(ctx, s.opts.Command[0], s.opts.Command[1:]...)

	// Inherit the parent environment, then add worker specific vars
	proc.Env = os.Environ()
	for k, v := range s.opts.Env {
		proc.Env = append(proc.Env, fmt.Sprintf("%s=%s", k, v))
	}

	stdout, err := proc.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := proc.StderrPipe()
	if err != nil {
		stdout.Close()
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := proc.Start(); err != nil {
		return fmt.Errorf("failed to start worker %s: %w", s.opts.Name, err)
	}

	s.process = proc
	s.running = true
	s.done = make(chan struct{})
	s.logger.Debug("worker started", "pid", proc.Process.Pid, "cmd", s.opts.Command)

	// Pipes must be drained before Wait closes them
	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		s.readStdout(stdout)
	}()
	go func() {
		defer readers.Done()
		s.readStderr(stderr)
	}()
	go s.waitForExit(proc, &readers)

	return nil
}

// Wait blocks until the worker exits and returns its summary. A worker that
// exits with a non-zero status yields an error alongside any summary it
// printed before exiting.
func (s *WorkerSupervisor) Wait(ctx context.Context) (*protocol.Summary, error) {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return nil, fmt.Errorf("worker %s not started", s.opts.Name)
	}

	select {
	case <-done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exitErr != nil {
		return s.summary, fmt.Errorf("worker %s: %w", s.opts.Name, s.exitErr)
	}
	if s.summary == nil {
		return nil, fmt.Errorf("worker %s: %w", s.opts.Name, ErrNoSummary)
	}
	return s.summary, nil
}

// Stop interrupts the worker and kills it when it does not exit in time
func (s *WorkerSupervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	proc := s.process
	done := s.done
	s.mu.Unlock()

	s.logger.Info("stopping worker")
	if err := proc.Process.Signal(os.Interrupt); err != nil {
		s.logger.Debug("interrupt failed, killing worker", "error", err)
		proc.Process.Kill()
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		proc.Process.Kill()
		return ctx.Err()
	case <-time.After(stopGrace):
		s.logger.Warn("worker did not stop gracefully, killing")
		proc.Process.Kill()
		return fmt.Errorf("worker %s stop timeout", s.opts.Name)
	}
}

// IsRunning returns true if the worker is running
func (s *WorkerSupervisor) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *WorkerSupervisor) readStdout(stdout io.Reader) {
	dec := ndjson.NewDecoder(stdout, s.logger)
	for {
		line := dec.Line()
		msg, err := dec.DecodeEnvelope()
		if err == io.EOF {
			return
		}
		if err != nil {
			if dec.Line() == line {
				// The scanner gave up; keep the worker from blocking on a full pipe
				s.logger.Error("worker stdout unreadable", "error", err)
				io.Copy(io.Discard, stdout)
				return
			}
			s.logger.Debug("ignoring worker output", "line", dec.Line(), "error", err)
			continue
		}

		switch v := msg.(type) {
		case *protocol.Summary:
			s.mu.Lock()
			s.summary = v
			s.mu.Unlock()
		default:
			s.logger.Debug("unexpected message from worker", "msg_type", fmt.Sprintf("%T", msg))
		}
	}
}

func (s *WorkerSupervisor) readStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 4096), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if s.opts.Stderr != nil {
			fmt.Fprintln(s.opts.Stderr, line)
		}
	}

	if err := scanner.Err(); err != nil {
		s.logger.Error("error reading worker stderr", "error", err)
		io.Copy(io.Discard, stderr)
	}
}

func (s *WorkerSupervisor) waitForExit(proc *exec.Cmd, readers *sync.WaitGroup) {
	readers.Wait()
	err := proc.Wait()

	s.mu.Lock()
	s.running = false
	s.exitErr = err
	close(s.done)
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("worker exited", "error", err)
	} else {
		s.logger.Debug("worker exited cleanly")
	}
}
