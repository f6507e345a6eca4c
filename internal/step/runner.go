// Package step invokes the external builder/auditor process and
// classifies its outcome. The orchestrator never interprets the step's
// internals, only the StepResult it produces.
package step

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hochfrequenz/claude-phase-orchestrator/internal/domain"
)

// sessionNamespace is a fixed UUID namespace for deterministic session
// ids, so the same run/phase pair always resumes the same session
var sessionNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

// Request describes one step invocation
type Request struct {
	RunID    string
	PhaseID  string
	Prompt   string
	WorkDir  string
	Escalate bool // use the escalated model
	Resume   bool // resume the phase's session instead of starting fresh
}

// Config holds the runner knobs
type Config struct {
	Command        string // executable name, e.g. "claude"
	Model          string
	EscalatedModel string
	Timeout        time.Duration
	LogsDir        string
}

// Runner executes steps as external processes with stream-json output
type Runner struct {
	cfg    Config
	logger *log.Logger
}

// NewRunner creates a runner
func NewRunner(cfg Config) *Runner {
	if cfg.Command == "" {
		cfg.Command = "claude"
	}
	return &Runner{
		cfg:    cfg,
		logger: log.New(os.Stderr, "[step] ", log.LstdFlags),
	}
}

// SessionID returns the deterministic session id for a run/phase pair
func SessionID(runID, phaseID string) string {
	return uuid.NewSHA1(sessionNamespace, []byte(runID+"/"+phaseID)).String()
}

// Run invokes the step and blocks until it finishes or the timeout
// elapses. The result is always non-nil: failures are classified into
// ErrorKind rather than returned as errors.
func (r *Runner) Run(ctx context.Context, req Request) *domain.StepResult {
	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	cmd := r.buildCommand(ctx, req)

	var logFile *os.File
	if r.cfg.LogsDir != "" {
		if err := os.MkdirAll(r.cfg.LogsDir, 0755); err == nil {
			path := filepath.Join(r.cfg.LogsDir, fmt.Sprintf("%s-%s.log", req.RunID, req.PhaseID))
			logFile, _ = os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		}
	}
	if logFile != nil {
		defer logFile.Close()
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return internalFailure(err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return internalFailure(err)
	}
	if err := cmd.Start(); err != nil {
		return internalFailure(fmt.Errorf("starting %s: %w", r.cfg.Command, err))
	}

	var p streamParser
	var wg sync.WaitGroup
	wg.Add(2)
	readLines := func(rd io.Reader) {
		defer wg.Done()
		scanner := bufio.NewScanner(rd)
		buf := make([]byte, 0, 64*1024)
		scanner.Buffer(buf, 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			p.feed(line)
			if logFile != nil {
				logFile.WriteString(line + "\n")
			}
		}
	}
	go readLines(stdout)
	go readLines(stderr)
	wg.Wait()

	waitErr := cmd.Wait()
	result := p.result()

	if ctx.Err() == context.DeadlineExceeded {
		result.Success = false
		result.ErrorKind = domain.ErrorKindTimeout
		result.ErrorMessage = fmt.Sprintf("step timed out after %s", r.cfg.Timeout)
		return result
	}
	if waitErr != nil && result.Success {
		// Non-zero exit overrules whatever the stream claimed
		result.Success = false
		result.ErrorKind = domain.ErrorKindStep
		result.ErrorMessage = waitErr.Error()
	}
	if !result.Success && result.ErrorKind == "" {
		result.ErrorKind = domain.ErrorKindStep
		if result.ErrorMessage == "" && waitErr != nil {
			result.ErrorMessage = waitErr.Error()
		}
	}
	return result
}

func (r *Runner) buildCommand(ctx context.Context, req Request) *exec.Cmd {
	args := []string{
		"--print",
		"--verbose",
		"--dangerously-skip-permissions",
		"--output-format", "stream-json",
	}

	sessionID := SessionID(req.RunID, req.PhaseID)
	if req.Resume {
		args = append(args, "--resume", sessionID)
	} else {
		args = append(args, "--session-id", sessionID)
	}

	model := r.cfg.Model
	if req.Escalate && r.cfg.EscalatedModel != "" {
		model = r.cfg.EscalatedModel
	}
	if model != "" {
		args = append(args, "--model", model)
	}

	if !req.Resume {
		args = append(args, "-p", req.Prompt)
	}

	cmd := exec.CommandContext(ctx, r.cfg.Command, args...)
	if req.WorkDir != "" {
		cmd.Dir = req.WorkDir
	}
	return cmd
}

func internalFailure(err error) *domain.StepResult {
	return &domain.StepResult{
		Success:      false,
		ErrorKind:    domain.ErrorKindInternal,
		ErrorMessage: err.Error(),
	}
}

// streamMessage covers the stream-json message shapes the parser cares
// about: the final result message, error messages, and side-effect
// markers emitted by the step.
type streamMessage struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`
	IsError bool   `json:"is_error,omitempty"`
	Result  string `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
	Usage   struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage,omitempty"`
	CostUSD float64 `json:"cost_usd,omitempty"`

	// side_effect marker fields
	Key         string `json:"key,omitempty"`
	Description string `json:"description,omitempty"`

	// checkpoint marker field
	Checkpoint string `json:"checkpoint,omitempty"`
}

// streamParser folds stream-json lines into a StepResult
type streamParser struct {
	mu          sync.Mutex
	sawResult   bool
	success     bool
	resultText  string
	errorText   string
	sideEffects []domain.SideEffect
	checkpoint  string
	tokensIn    int
	tokensOut   int
	costUSD     float64
}

func (p *streamParser) feed(line string) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "{") {
		return
	}
	var msg streamMessage
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	switch msg.Type {
	case "result":
		p.sawResult = true
		p.success = !msg.IsError && msg.Subtype != "error_during_execution"
		p.resultText = msg.Result
		p.tokensIn = msg.Usage.InputTokens
		p.tokensOut = msg.Usage.OutputTokens
		p.costUSD = msg.CostUSD
	case "error":
		if msg.Error != "" {
			p.errorText = msg.Error
		}
	case "side_effect":
		if msg.Key != "" {
			p.sideEffects = append(p.sideEffects, domain.SideEffect{
				Key:         msg.Key,
				Description: msg.Description,
			})
		}
	case "checkpoint":
		if msg.Checkpoint != "" {
			p.checkpoint = msg.Checkpoint
		}
	}
}

func (p *streamParser) result() *domain.StepResult {
	p.mu.Lock()
	defer p.mu.Unlock()

	res := &domain.StepResult{
		Success:      p.sawResult && p.success,
		Output:       p.resultText,
		SideEffects:  p.sideEffects,
		Checkpoint:   p.checkpoint,
		TokensInput:  p.tokensIn,
		TokensOutput: p.tokensOut,
		CostUSD:      p.costUSD,
	}
	if !res.Success {
		switch {
		case p.errorText != "":
			res.ErrorMessage = p.errorText
		case p.sawResult && !p.success:
			res.ErrorMessage = p.resultText
		case !p.sawResult:
			res.ErrorMessage = "step produced no result message"
		}
	}
	return res
}

// ErrNoPrompt is returned by Validate for requests missing a prompt
var ErrNoPrompt = errors.New("step request has no prompt")

// Validate checks a request before execution
func (req *Request) Validate() error {
	if req.RunID == "" || req.PhaseID == "" {
		return fmt.Errorf("step request needs run and phase ids")
	}
	if !req.Resume && req.Prompt == "" {
		return ErrNoPrompt
	}
	return nil
}
