package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"sync"

	"github.com/google/uuid"
	"github.com/loqalabs/genpipe/internal/job"
	"github.com/mattn/go-shellwords"
)

type execAdapter struct {
	cmd []string

	mu   sync.Mutex
	runs map[Handle]*execRun
}

type execRun struct {
	done    chan struct{}
	cancel  context.CancelFunc
	payload []byte
	err     error
}

type execRequest struct {
	Kind   job.Kind `json:"kind"`
	Text   string   `json:"text,omitempty"`
	Prompt string   `json:"prompt,omitempty"`
	Voice  string   `json:"voice,omitempty"`
	Size   string   `json:"size,omitempty"`
}

type execResponse struct {
	PayloadBase64 string `json:"payload_base64"`
	Error         string `json:"error,omitempty"`
	Final         bool   `json:"final"`
}

// NewExec returns an adapter that runs command once per submission. The request
// is written to stdin as JSON; stdout carries JSON lines whose decoded payloads
// are concatenated until a line with final=true.
func NewExec(command string) (Adapter, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse provider command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("provider command empty")
	}
	return &execAdapter{cmd: args, runs: make(map[Handle]*execRun)}, nil
}

// Submit starts the command; it runs until it exits or ctx is done.
func (e *execAdapter) Submit(ctx context.Context, req job.Request) (Handle, error) {
	data, err := json.Marshal(execRequest{
		Kind:   req.Kind,
		Text:   req.Text,
		Prompt: req.Prompt,
		Voice:  req.Voice,
		Size:   req.Size,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", job.ErrInvalidRequest, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	run := &execRun{done: make(chan struct{}), cancel: cancel}
	h := Handle(uuid.NewString())

	e.mu.Lock()
	e.runs[h] = run
	e.mu.Unlock()

	go func() {
		defer close(run.done)
		defer cancel()
		run.payload, run.err = e.run(runCtx, data)
	}()
	return h, nil
}

func (e *execAdapter) run(ctx context.Context, input []byte) ([]byte, error) {
	base := e.cmd[0]
	args := append([]string{}, e.cmd[1:]...)
	cmd := exec.CommandContext(ctx, base, args...)
	cmd.Stdin = bytes.NewReader(input)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	var payload []byte
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var resp execResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			_ = cmd.Wait()
			return nil, fmt.Errorf("decode provider output: %w", err)
		}
		if resp.Error != "" {
			_ = cmd.Wait()
			return nil, errors.New(resp.Error)
		}
		chunk, err := base64.StdEncoding.DecodeString(resp.PayloadBase64)
		if err != nil {
			_ = cmd.Wait()
			return nil, fmt.Errorf("decode provider payload: %w", err)
		}
		payload = append(payload, chunk...)
		if resp.Final {
			break
		}
	}
	if err := cmd.Wait(); err != nil {
		return nil, fmt.Errorf("provider command failed: %w", err)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(payload) == 0 {
		return nil, errors.New("provider produced no payload")
	}
	return payload, nil
}

func (e *execAdapter) FetchResult(ctx context.Context, handle Handle) (Result, error) {
	e.mu.Lock()
	run, ok := e.runs[handle]
	e.mu.Unlock()
	if !ok {
		return Result{Status: StatusError, Err: fmt.Errorf("unknown handle %q", handle)}, nil
	}

	select {
	case <-run.done:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	default:
		return Result{Status: StatusPending}, nil
	}

	e.mu.Lock()
	delete(e.runs, handle)
	e.mu.Unlock()
	if run.err != nil {
		return Result{Status: StatusError, Err: run.err}, nil
	}
	return Result{Status: StatusDone, Payload: run.payload}, nil
}

func (e *execAdapter) Cancel(_ context.Context, handle Handle) error {
	e.mu.Lock()
	run, ok := e.runs[handle]
	delete(e.runs, handle)
	e.mu.Unlock()
	if ok {
		run.cancel()
	}
	return nil
}
