// Package agent supervises one Agent CLI subprocess per prompt. Each run
// is give-prompt, stream output, collect result, exit; the process never
// outlives its task.
package agent

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/remotewiz/remotewiz/internal/agent/stream"
	"github.com/remotewiz/remotewiz/internal/common/logger"
	"github.com/remotewiz/remotewiz/internal/config"
	v1 "github.com/remotewiz/remotewiz/pkg/api/v1"
)

const (
	// maxLineBytes caps one stream-json line. Large tool results can
	// produce very long lines, so the scanner buffer is generous.
	maxLineBytes = 10 * 1024 * 1024

	// stderrTailBytes is how much trailing stderr is kept for diagnostics.
	stderrTailBytes = 4096

	// rawTailBytes is how much trailing stdout is kept as the result
	// fallback when no assistant text could be extracted.
	rawTailBytes = 4096

	// termGrace is the window between SIGTERM and SIGKILL.
	termGrace = 5 * time.Second

	// monitorInterval is how often the watchdog re-checks its limits.
	monitorInterval = 200 * time.Millisecond
)

type killReason int

const (
	killNone killReason = iota
	killSilence
	killTimeout
	killBudget
	killCanceled
)

// RunSpec describes one subprocess attempt.
type RunSpec struct {
	TaskID  string
	Prompt  string
	Project *config.Project

	// SessionRef resumes a previous CLI session when set.
	SessionRef string
	// HistorySummary is prepended to the prompt on the fallback run after
	// a failed resume, so the fresh session keeps the thread's context.
	HistorySummary string

	// ReplayMode marks the post-approval re-run: replay timeout applies
	// and tool activity is collected as replay actions.
	ReplayMode bool
	// ForceSkipPermissions passes the skip flag regardless of the
	// project setting. Only the approval replay path sets it.
	ForceSkipPermissions bool

	TokenBudget int
	Timeout     time.Duration

	// OnStart is invoked once the subprocess is alive, before any output
	// is consumed. The engine records the identity for crash recovery.
	OnStart func(Identity)
	// OnTokens receives throttled token-count updates while the run is
	// in flight, so progress survives a crash.
	OnTokens func(tokens int)
}

// Outcome is everything a finished run reports back to the engine.
type Outcome struct {
	Status   v1.TaskStatus
	Error    v1.ErrorCode
	Canceled bool

	ResultText string
	Record     stream.Record

	TokensUsed int
	RawBytes   int64
	ExitCode   int
	StderrTail string
	Duration   time.Duration

	// ResumeFellBack marks outcomes produced by the fresh-session re-run
	// after a dead session reference; ResumeFailure keeps an excerpt of
	// the failed attempt's output for the audit trail.
	ResumeFellBack bool
	ResumeFailure  string
	SchemaDrift    bool
	Identity       Identity
}

// Runner spawns and supervises Agent CLI subprocesses.
type Runner struct {
	binary       string
	apiKeyEnv    string
	silence      time.Duration
	replayWindow time.Duration
	log          *logger.Logger
}

// NewRunner builds a Runner from the agent and engine configuration.
func NewRunner(cfg *config.Config, log *logger.Logger) *Runner {
	return &Runner{
		binary:       cfg.Agent.Binary,
		apiKeyEnv:    cfg.Agent.APIKeyEnv,
		silence:      cfg.Engine.SilenceTimeout(),
		replayWindow: cfg.Engine.ReplayTimeout(),
		log:          log.WithFields(zap.String("component", "agent-runner")),
	}
}

// Binary returns the configured agent binary path.
func (r *Runner) Binary() string { return r.binary }

// Run executes one prompt. A failed session resume triggers exactly one
// fallback attempt on a fresh session with the thread summary prepended;
// every other failure is final.
func (r *Runner) Run(ctx context.Context, spec RunSpec) Outcome {
	if err := r.checkWorkdir(spec.Project); err != nil {
		return Outcome{
			Status:     v1.TaskStatusFailed,
			Error:      v1.ErrorCLIError,
			ResultText: err.Error(),
		}
	}

	out := r.runOnce(ctx, spec, spec.SessionRef, spec.Prompt)
	if spec.SessionRef != "" && resumeFailed(out) {
		r.log.WithTaskID(spec.TaskID).Warn("session resume failed, retrying on a fresh session",
			zap.Int("exit_code", out.ExitCode),
			zap.String("session_ref", spec.SessionRef))
		excerpt := resumeFailureExcerpt(out)
		out = r.runOnce(ctx, spec, "", fallbackPrompt(spec.HistorySummary, spec.Prompt))
		out.ResumeFellBack = true
		out.ResumeFailure = excerpt
	}
	return out
}

// resumeFailureExcerpt keeps a short trace of why the resume attempt died.
func resumeFailureExcerpt(out Outcome) string {
	s := strings.TrimSpace(out.Record.CombinedText())
	if s == "" {
		s = strings.TrimSpace(out.StderrTail)
	}
	if s == "" {
		s = out.Record.FirstBadLine
	}
	if len(s) > 300 {
		s = s[:300]
	}
	return fmt.Sprintf("exit %d: %s", out.ExitCode, s)
}

var (
	resumeSubjects = []string{"resume", "session", "conversation"}
	resumeFailures = []string{"not found", "invalid", "unable", "expired", "no such", "does not exist"}
)

// resumeFailed detects a dead session reference: non-zero exit with output
// that names the session and a failure to use it. Watchdog kills and
// permission stops are never resume failures.
func resumeFailed(out Outcome) bool {
	if out.Canceled || out.Status == v1.TaskStatusNeedsApproval {
		return false
	}
	if out.ExitCode == 0 {
		return false
	}
	switch out.Error {
	case v1.ErrorSilenceTimeout, v1.ErrorTimeout, v1.ErrorBudgetExceeded:
		return false
	}
	combined := strings.ToLower(out.Record.CombinedText() + "\n" + out.StderrTail + "\n" + out.Record.FirstBadLine)
	if !containsAny(combined, resumeSubjects) {
		return false
	}
	return containsAny(combined, resumeFailures)
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

// fallbackPrompt rebuilds the prompt for a fresh session after a failed
// resume, carrying the thread history as leading context.
func fallbackPrompt(history, prompt string) string {
	if history == "" {
		return prompt
	}
	return fmt.Sprintf("Context from the previous conversation (the session could not be resumed):\n%s\n\n%s", history, prompt)
}

// checkWorkdir re-verifies the project directory immediately before each
// spawn. The canonical path was captured at config load; if the directory
// has since been replaced by a symlink elsewhere, the run aborts rather
// than executing in the wrong tree.
func (r *Runner) checkWorkdir(p *config.Project) error {
	resolved, err := filepath.EvalSymlinks(p.CanonicalPath)
	if err != nil {
		return fmt.Errorf("project directory %s is not accessible: %w", p.CanonicalPath, err)
	}
	if resolved != p.CanonicalPath {
		return fmt.Errorf("project path %s no longer resolves to its configured location (got %s)", p.CanonicalPath, resolved)
	}
	info, err := os.Stat(p.CanonicalPath)
	if err != nil {
		return fmt.Errorf("project directory %s is not accessible: %w", p.CanonicalPath, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("project path %s is not a directory", p.CanonicalPath)
	}
	return nil
}

func (r *Runner) runOnce(ctx context.Context, spec RunSpec, sessionRef, prompt string) Outcome {
	start := time.Now()
	log := r.log.WithTaskID(spec.TaskID).WithProject(spec.Project.Alias)

	args := buildArgs(spec.Project, sessionRef, prompt, spec.ForceSkipPermissions)
	cmd := exec.Command(r.binary, args...)
	cmd.Dir = spec.Project.CanonicalPath
	cmd.Env = r.buildEnv()
	// Own process group so signals reach the CLI and everything it spawns;
	// Pdeathsig reaps the group if the gateway itself dies.
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGTERM,
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return failedOutcome(v1.ErrorCLIError, fmt.Sprintf("stdout pipe: %v", err), start)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return failedOutcome(v1.ErrorCLIError, fmt.Sprintf("stderr pipe: %v", err), start)
	}

	if err := cmd.Start(); err != nil {
		return failedOutcome(v1.ErrorCLIError, fmt.Sprintf("start %s: %v", r.binary, err), start)
	}

	identity, err := SnapshotIdentity(cmd.Process.Pid)
	if err != nil {
		// Identity inspection is best effort at spawn; the process is
		// provably ours here, so synthesize what the snapshot would hold.
		identity = Identity{
			PID:     cmd.Process.Pid,
			StartTS: time.Now().Unix(),
			Comm:    baseName(r.binary),
		}
	}
	log.Info("agent subprocess started",
		zap.Int("pid", identity.PID),
		zap.Bool("replay", spec.ReplayMode),
		zap.Bool("resume", sessionRef != ""))
	if spec.OnStart != nil {
		spec.OnStart(identity)
	}

	var (
		rawBytes     atomic.Int64
		lastActivity atomic.Int64
		usageTokens  atomic.Int64
		usageSeen    atomic.Bool
		reason       atomic.Int32

		recMu sync.Mutex
		rec   = stream.NewRecord(spec.ReplayMode)

		stderrMu   sync.Mutex
		stderrTail string
		rawMu      sync.Mutex
		rawTail    string
	)
	lastActivity.Store(start.UnixNano())

	var readers sync.WaitGroup
	readers.Add(2)

	go func() {
		defer readers.Done()
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
		for scanner.Scan() {
			line := scanner.Bytes()
			rawBytes.Add(int64(len(line)) + 1)
			lastActivity.Store(time.Now().UnixNano())

			recMu.Lock()
			rec = stream.Consume(rec, line)
			if rec.HasUsage {
				usageTokens.Store(int64(rec.TokensUsed))
				usageSeen.Store(true)
			}
			recMu.Unlock()

			rawMu.Lock()
			rawTail = appendTail(rawTail, string(line), rawTailBytes)
			rawMu.Unlock()
		}
	}()

	// stderr is collected for diagnostics only; it does not count as
	// liveness, so a process that only complains still trips the silence
	// watchdog.
	go func() {
		defer readers.Done()
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
		for scanner.Scan() {
			stderrMu.Lock()
			stderrTail = appendTail(stderrTail, scanner.Text(), stderrTailBytes)
			stderrMu.Unlock()
		}
	}()

	timeout := spec.Timeout
	if spec.ReplayMode {
		timeout = r.replayWindow
	}

	exited := make(chan struct{})
	var monitor sync.WaitGroup
	monitor.Add(1)
	go func() {
		defer monitor.Done()
		ticker := time.NewTicker(monitorInterval)
		defer ticker.Stop()
		lastReported := -1
		sinceReport := time.Time{}
		for {
			select {
			case <-exited:
				return
			case <-ctx.Done():
				reason.CompareAndSwap(int32(killNone), int32(killCanceled))
			case <-ticker.C:
				now := time.Now()
				tokens := effectiveTokens(usageSeen.Load(), usageTokens.Load(), rawBytes.Load())
				if spec.OnTokens != nil && tokens != lastReported && now.Sub(sinceReport) >= time.Second {
					spec.OnTokens(tokens)
					lastReported = tokens
					sinceReport = now
				}
				switch {
				case now.Sub(time.Unix(0, lastActivity.Load())) > r.silence:
					reason.CompareAndSwap(int32(killNone), int32(killSilence))
				case timeout > 0 && now.Sub(start) > timeout:
					reason.CompareAndSwap(int32(killNone), int32(killTimeout))
				case spec.TokenBudget > 0 && tokens > spec.TokenBudget:
					reason.CompareAndSwap(int32(killNone), int32(killBudget))
				}
			}
			if killReason(reason.Load()) != killNone {
				log.Warn("terminating agent subprocess",
					zap.Int("pid", identity.PID),
					zap.String("reason", reasonString(killReason(reason.Load()))))
				if err := TerminateVerified(log, identity, r.binary, termGrace); err != nil {
					log.WithError(err).Error("subprocess termination skipped")
				}
				return
			}
		}
	}()

	readers.Wait()
	waitErr := cmd.Wait()
	close(exited)
	monitor.Wait()

	exitCode := 0
	if waitErr != nil {
		exitCode = -1
		if ee, ok := waitErr.(*exec.ExitError); ok {
			exitCode = ee.ExitCode()
		}
	}

	recMu.Lock()
	finalRec := rec
	recMu.Unlock()
	stderrMu.Lock()
	finalStderr := stderrTail
	stderrMu.Unlock()
	rawMu.Lock()
	finalRaw := rawTail
	rawMu.Unlock()

	out := Outcome{
		Record:      finalRec,
		RawBytes:    rawBytes.Load(),
		ExitCode:    exitCode,
		StderrTail:  finalStderr,
		Duration:    time.Since(start),
		Identity:    identity,
		SchemaDrift: finalRec.SchemaDrift(),
		TokensUsed:  effectiveTokens(finalRec.HasUsage, int64(finalRec.TokensUsed), rawBytes.Load()),
	}

	skipMode := spec.ForceSkipPermissions || spec.Project.SkipPermissions
	why := killReason(reason.Load())
	switch {
	case finalRec.PermissionDenied() && !skipMode:
		out.Status = v1.TaskStatusNeedsApproval
		out.ResultText = finalRec.CombinedText()
	case why == killCanceled:
		out.Status = v1.TaskStatusFailed
		out.Canceled = true
		out.Error = v1.ErrorCancelledByUser
	case why == killSilence:
		out.Status = v1.TaskStatusFailed
		out.Error = v1.ErrorSilenceTimeout
		out.ResultText = fmt.Sprintf("no output for %s", r.silence)
	case why == killTimeout:
		out.Status = v1.TaskStatusFailed
		out.Error = v1.ErrorTimeout
		out.ResultText = fmt.Sprintf("exceeded %s run limit", timeout)
	case why == killBudget:
		out.Status = v1.TaskStatusFailed
		out.Error = v1.ErrorBudgetExceeded
		out.ResultText = fmt.Sprintf("token budget of %d exceeded (used ~%d)", spec.TokenBudget, out.TokensUsed)
	case exitCode != 0 && finalRec.CombinedText() == "":
		out.Status = v1.TaskStatusFailed
		out.Error = v1.ErrorCLIError
		out.ResultText = cliErrorText(exitCode, finalStderr, finalRec)
	default:
		// A non-zero exit with captured text still counts as a result;
		// the CLI is known to exit 1 after printing a perfectly good
		// answer.
		out.Status = v1.TaskStatusDone
		out.ResultText = finalRec.CombinedText()
		if out.ResultText == "" {
			out.ResultText = strings.TrimSpace(appendTail(finalRaw, finalStderr, rawTailBytes))
		}
	}

	log.Info("agent subprocess finished",
		zap.String("status", string(out.Status)),
		zap.String("error", string(out.Error)),
		zap.Int("exit_code", exitCode),
		zap.Int("tokens_used", out.TokensUsed),
		zap.Duration("duration", out.Duration))
	return out
}

// buildArgs assembles the CLI invocation. Single-shot mode with stream-json
// output is fixed; resume, prompt, and the permission skip flag vary.
func buildArgs(p *config.Project, sessionRef, prompt string, forceSkip bool) []string {
	args := []string{"--print", "--output-format", "stream-json"}
	if sessionRef != "" {
		args = append(args, "--resume", sessionRef)
	}
	args = append(args, "-p", prompt)
	if p.SkipPermissions || forceSkip {
		args = append(args, "--dangerously-skip-permissions")
	}
	return args
}

// buildEnv passes through only what the CLI needs. The gateway's own
// environment (tokens, DSNs, unrelated secrets) stays out of the child.
func (r *Runner) buildEnv() []string {
	env := make([]string, 0, 4)
	for _, key := range []string{"PATH", "HOME", "NODE_ENV"} {
		if v := os.Getenv(key); v != "" {
			env = append(env, key+"="+v)
		}
	}
	if r.apiKeyEnv != "" {
		if v := os.Getenv(r.apiKeyEnv); v != "" {
			env = append(env, r.apiKeyEnv+"="+v)
		}
	}
	return env
}

// effectiveTokens is parsed usage when the stream reported any, otherwise
// the bytes/4 approximation.
func effectiveTokens(seen bool, tokens, raw int64) int {
	if seen {
		return int(tokens)
	}
	return int(raw / 4)
}

func reasonString(r killReason) string {
	switch r {
	case killSilence:
		return "silence_timeout"
	case killTimeout:
		return "timeout"
	case killBudget:
		return "budget_exceeded"
	case killCanceled:
		return "canceled"
	default:
		return "none"
	}
}

// cliErrorText composes the failure message for a non-zero exit.
func cliErrorText(exitCode int, stderrTail string, rec stream.Record) string {
	msg := fmt.Sprintf("agent exited with code %d", exitCode)
	if text := rec.CombinedText(); text != "" {
		return msg + ": " + text
	}
	if s := strings.TrimSpace(stderrTail); s != "" {
		return msg + ": " + s
	}
	if rec.FirstBadLine != "" {
		return msg + ": " + rec.FirstBadLine
	}
	return msg
}

// appendTail appends a line to a bounded tail buffer, trimming from the
// front when it outgrows the cap.
func appendTail(tail, line string, max int) string {
	if tail == "" {
		tail = line
	} else {
		tail = tail + "\n" + line
	}
	if len(tail) > max {
		tail = tail[len(tail)-max:]
	}
	return tail
}

func failedOutcome(code v1.ErrorCode, msg string, start time.Time) Outcome {
	return Outcome{
		Status:     v1.TaskStatusFailed,
		Error:      code,
		ResultText: msg,
		Duration:   time.Since(start),
	}
}
