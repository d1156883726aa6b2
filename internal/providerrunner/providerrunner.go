// Package providerrunner fronts the external reasoning-provider subprocess
// (C4): it never blocks a caller longer than the requested timeout and
// keeps a running cost/token tally so callers don't need to scan the
// ledger just to know what they've spent so far.
package providerrunner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Strategy selects how the subprocess fans a prompt out to providers.
type Strategy string

const (
	All         Strategy = "ALL"
	Dialectical Strategy = "DIALECTICAL"
	First       Strategy = "FIRST"
)

// Response is what one Query call returns, whatever strategy produced it.
type Response struct {
	ProviderIDs []string
	Responses   map[string]string
	Strategy    Strategy
	TotalTokens int
	TotalCost   float64
	Success     bool
	Error       string
	Summary     string
}

// Statistics is the running tally exposed by GetStatistics.
type Statistics struct {
	TotalCost   float64
	TotalTokens int
	Invocations int
}

// Runner is satisfied by both the default exec backend and the optional
// Docker-sandboxed backend.
type Runner interface {
	Query(ctx context.Context, prompt string, strategy Strategy, providers []string, timeout time.Duration) Response
	GetStatistics() Statistics
}

// ExecRunner shells out to a configured subprocess for every call. This is
// the default backend (config.Strategies.Backend == "exec").
type ExecRunner struct {
	Cmd     string
	Args    []string
	Limiter *rate.Limiter // optional local throttle, independent of C9's provider-reported limits

	mu    sync.Mutex
	stats Statistics
}

// NewExecRunner builds a Runner that invokes cmd with args, piping a JSON
// request on stdin and reading a JSON Response from stdout. limiter may be
// nil to disable local throttling (the orchestrator still honors C9's
// provider-reported thresholds independently).
func NewExecRunner(cmd string, args []string, limiter *rate.Limiter) *ExecRunner {
	return &ExecRunner{Cmd: cmd, Args: args, Limiter: limiter}
}

type execRequest struct {
	Prompt    string   `json:"prompt"`
	Strategy  string   `json:"strategy"`
	Providers []string `json:"providers,omitempty"`
}

type execResponse struct {
	ProviderIDs []string          `json:"provider_ids"`
	Responses   map[string]string `json:"responses"`
	TotalTokens int               `json:"total_tokens"`
	TotalCost   float64           `json:"total_cost"`
	Summary     string            `json:"summary,omitempty"`
}

func (r *ExecRunner) Query(ctx context.Context, prompt string, strategy Strategy, providers []string, timeout time.Duration) Response {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if r.Limiter != nil {
		if err := r.Limiter.Wait(ctx); err != nil {
			return Response{Strategy: strategy, Success: false, Error: "timeout"}
		}
	}

	reqBody, err := json.Marshal(execRequest{Prompt: prompt, Strategy: string(strategy), Providers: providers})
	if err != nil {
		return Response{Strategy: strategy, Success: false, Error: err.Error()}
	}

	cmd := exec.CommandContext(ctx, r.Cmd, r.Args...)
	cmd.Stdin = bytes.NewReader(reqBody)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err = cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return Response{Strategy: strategy, Success: false, Error: "timeout"}
	}
	if err != nil {
		return Response{Strategy: strategy, Success: false, Error: strings.TrimSpace(stderr.String())}
	}

	var parsed execResponse
	if err := json.Unmarshal(stdout.Bytes(), &parsed); err != nil {
		return Response{Strategy: strategy, Success: false, Error: fmt.Sprintf("malformed provider-runner output: %v", err)}
	}

	r.mu.Lock()
	r.stats.TotalCost += parsed.TotalCost
	r.stats.TotalTokens += parsed.TotalTokens
	r.stats.Invocations++
	r.mu.Unlock()

	return Response{
		ProviderIDs: parsed.ProviderIDs,
		Responses:   parsed.Responses,
		Strategy:    strategy,
		TotalTokens: parsed.TotalTokens,
		TotalCost:   parsed.TotalCost,
		Success:     true,
		Summary:     parsed.Summary,
	}
}

func (r *ExecRunner) GetStatistics() Statistics {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}
