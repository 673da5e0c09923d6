package classifier

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// defaultStartTimeout is how long a child may take to announce itself.
const defaultStartTimeout = 30 * time.Second

// ProcessClassifier runs an external model as a long-lived child process.
//
// The child announces itself with one JSON line {"labels": [...]} and then
// answers every {"features": [...]} line on stdin with one
// {"label": "...", "confidence": 0.9} line on stdout. An "error" field in a
// response fails that call without restarting the child.
type ProcessClassifier struct {
	command []string
	logger  *slog.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  *bufio.Reader
	started bool
	ready   bool
	labels  []string

	hello        chan reply
	startedAt    time.Time
	startTimeout time.Duration
}

type reply struct {
	resp processResponse
	err  error
}

type processRequest struct {
	Features []float64 `json:"features"`
}

type processResponse struct {
	Label      string   `json:"label"`
	Confidence float64  `json:"confidence"`
	Labels     []string `json:"labels,omitempty"`
	Error      string   `json:"error,omitempty"`
}

// NewProcessClassifier prepares a classifier for the given command line. The
// child is started lazily on the first call.
func NewProcessClassifier(command []string, logger *slog.Logger) (*ProcessClassifier, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("empty classifier command: %w", ErrUnavailable)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ProcessClassifier{
		command:      command,
		logger:       logger.With("component", "classifier"),
		startTimeout: defaultStartTimeout,
	}, nil
}

// Classify sends one feature vector to the child. If ctx expires before the
// child answers, the child is killed and restarted on the next call, since a
// late reply would otherwise be read as the answer to the following frame.
func (p *ProcessClassifier) Classify(ctx context.Context, features []float64) (Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ensureStarted(ctx); err != nil {
		return None, err
	}

	line, err := json.Marshal(processRequest{Features: features})
	if err != nil {
		return None, fmt.Errorf("encode request: %w", err)
	}
	line = append(line, '\n')

	done := make(chan reply, 1)
	stdin, stdout := p.stdin, p.stdout

	go func() {
		if _, err := stdin.Write(line); err != nil {
			done <- reply{err: fmt.Errorf("write request: %w", err)}
			return
		}
		resp, err := readResponse(stdout)
		done <- reply{resp: resp, err: err}
	}()

	select {
	case <-ctx.Done():
		p.abort()
		return None, ctx.Err()
	case r := <-done:
		if r.err != nil {
			p.abort()
			return None, r.err
		}
		if r.resp.Error != "" {
			return None, fmt.Errorf("classifier: %s", r.resp.Error)
		}
		return Result{Label: r.resp.Label, Confidence: r.resp.Confidence}, nil
	}
}

// Labels returns the labels announced by the child, starting it if needed.
// It does not wait for a child that is still loading and returns nil until
// the hello line has arrived.
func (p *ProcessClassifier) Labels() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.ensureStarted(ctx); err != nil {
		p.logger.Debug("classifier labels unavailable", "error", err)
		return nil
	}
	return append([]string(nil), p.labels...)
}

// Close stops the child. A child that never finished starting is killed.
func (p *ProcessClassifier) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started && !p.ready {
		p.abort()
		return nil
	}
	return p.shutdown()
}

// ensureStarted starts the child if needed and checks for its hello line.
// A child still loading when ctx ends is left running for the next call; one
// that has not announced itself within startTimeout is killed.
func (p *ProcessClassifier) ensureStarted(ctx context.Context) error {
	if p.ready {
		return nil
	}
	if !p.started {
		if err := p.start(); err != nil {
			return err
		}
	}

	select {
	case r := <-p.hello:
		return p.greet(r)
	default:
	}

	timer := time.NewTimer(p.startTimeout - time.Since(p.startedAt))
	defer timer.Stop()

	select {
	case r := <-p.hello:
		return p.greet(r)
	case <-timer.C:
		p.abort()
		return fmt.Errorf("no classifier hello within %s: %w", p.startTimeout, ErrUnavailable)
	case <-ctx.Done():
		return fmt.Errorf("classifier still starting: %v: %w", ctx.Err(), ErrUnavailable)
	}
}

func (p *ProcessClassifier) start() error {
	cmd := exec.Command(p.command[0], p.command[1:]...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("create stdout pipe: %w", err)
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start classifier %s: %v: %w", p.command[0], err, ErrUnavailable)
	}

	p.cmd = cmd
	p.stdin = stdin
	p.stdout = bufio.NewReader(stdout)
	p.started = true
	p.startedAt = time.Now()

	hello := make(chan reply, 1)
	go func(r *bufio.Reader) {
		resp, err := readResponse(r)
		hello <- reply{resp: resp, err: err}
	}(p.stdout)
	p.hello = hello

	return nil
}

func (p *ProcessClassifier) greet(r reply) error {
	if r.err != nil {
		p.abort()
		return fmt.Errorf("read classifier hello: %v: %w", r.err, ErrUnavailable)
	}
	p.labels = r.resp.Labels
	p.ready = true
	p.logger.Info("classifier started", "command", p.command[0], "pid", p.cmd.Process.Pid,
		"labels", len(p.labels), "startup", time.Since(p.startedAt))
	return nil
}

func readResponse(r *bufio.Reader) (processResponse, error) {
	line, err := r.ReadBytes('\n')
	if err != nil {
		return processResponse{}, fmt.Errorf("read response: %w", err)
	}
	var resp processResponse
	if err := json.Unmarshal(line, &resp); err != nil {
		return processResponse{}, fmt.Errorf("parse response: %w", err)
	}
	return resp, nil
}

func (p *ProcessClassifier) abort() {
	if p.cmd != nil && p.cmd.Process != nil {
		p.cmd.Process.Kill()
	}
	if err := p.shutdown(); err != nil {
		p.logger.Debug("classifier exited", "error", err)
	}
}

func (p *ProcessClassifier) shutdown() error {
	if !p.started {
		return nil
	}
	if p.stdin != nil {
		p.stdin.Close()
	}
	err := p.cmd.Wait()
	p.started = false
	p.ready = false
	p.hello = nil
	p.cmd = nil
	p.stdin = nil
	p.stdout = nil
	return err
}
