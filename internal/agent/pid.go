package agent

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/remotewiz/remotewiz/internal/common/logger"
)

// startDriftMax is how far a live process's start time may differ from the
// recorded one before it is treated as a different process. PIDs are
// recycled by the kernel, so a bare PID is never trusted on its own.
const startDriftMax = 5 * time.Second

// ErrIdentityMismatch is returned when the process behind a PID is not the
// one that was recorded. No signal is ever sent in that case.
var ErrIdentityMismatch = errors.New("pid identity mismatch")

// linuxClockTick is the kernel USER_HZ value exposed through /proc.
const linuxClockTick = 100

// Identity pins a subprocess to more than its PID: the start timestamp and
// command name recorded at spawn time.
type Identity struct {
	PID     int
	StartTS int64
	Comm    string
}

// SnapshotIdentity inspects a live process and returns its identity.
// On Linux it reads /proc; elsewhere it shells out to ps.
func SnapshotIdentity(pid int) (Identity, error) {
	if runtime.GOOS == "linux" {
		return procIdentity(pid)
	}
	return psIdentity(pid)
}

// Matches reports whether live describes the same process as the recorded
// identity: start times within the drift window and a command name that
// looks like the agent binary.
func (id Identity) Matches(live Identity, binary string) bool {
	if id.PID != live.PID {
		return false
	}
	drift := id.StartTS - live.StartTS
	if drift < 0 {
		drift = -drift
	}
	if time.Duration(drift)*time.Second > startDriftMax {
		return false
	}
	return commLooksLikeAgent(live.Comm, binary)
}

// commLooksLikeAgent accepts the known agent process names plus the base
// name of the configured binary. The kernel truncates comm to 15 bytes, so
// the binary name is truncated the same way before comparing.
func commLooksLikeAgent(comm, binary string) bool {
	comm = strings.ToLower(strings.TrimSpace(comm))
	if comm == "" {
		return false
	}
	if strings.Contains(comm, "claude") || strings.Contains(comm, "node") {
		return true
	}
	base := strings.ToLower(baseName(binary))
	if base == "" {
		return false
	}
	if len(base) > 15 {
		base = base[:15]
	}
	return strings.Contains(comm, base)
}

func baseName(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}

// TerminateVerified ends the process group behind id: verify, SIGTERM,
// wait out the grace window, then SIGKILL whatever is left. It returns
// ErrIdentityMismatch without signalling when the PID now belongs to
// someone else.
func TerminateVerified(log *logger.Logger, id Identity, binary string, grace time.Duration) error {
	live, err := SnapshotIdentity(id.PID)
	if err != nil {
		// Process already gone.
		return nil
	}
	if !id.Matches(live, binary) {
		log.Warn("refusing to signal: pid identity mismatch",
			zap.Int("pid", id.PID),
			zap.String("expected_comm", id.Comm),
			zap.String("live_comm", live.Comm))
		return ErrIdentityMismatch
	}

	// Negative PID addresses the whole process group set up at spawn.
	_ = syscall.Kill(-id.PID, syscall.SIGTERM)

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if _, err := SnapshotIdentity(id.PID); err != nil {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}

	// The grace window is long enough for the PID to have been freed and
	// handed to someone else, so the identity is checked once more before
	// the hard kill.
	live, err = SnapshotIdentity(id.PID)
	if err != nil {
		return nil
	}
	if !id.Matches(live, binary) {
		log.Warn("pid recycled during grace window, skipping SIGKILL",
			zap.Int("pid", id.PID),
			zap.String("live_comm", live.Comm))
		return nil
	}
	_ = syscall.Kill(-id.PID, syscall.SIGKILL)
	return nil
}

// procIdentity parses /proc/<pid>/stat. The comm field is wrapped in
// parentheses and may itself contain spaces, so parsing anchors on the
// last closing paren.
func procIdentity(pid int) (Identity, error) {
	raw, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return Identity{}, fmt.Errorf("read stat for pid %d: %w", pid, err)
	}
	stat := string(raw)

	open := strings.IndexByte(stat, '(')
	closing := strings.LastIndexByte(stat, ')')
	if open < 0 || closing < 0 || closing < open {
		return Identity{}, fmt.Errorf("malformed stat for pid %d", pid)
	}
	comm := stat[open+1 : closing]

	// Fields after the comm: state is index 0, starttime is index 19.
	rest := strings.Fields(stat[closing+1:])
	if len(rest) < 20 {
		return Identity{}, fmt.Errorf("short stat for pid %d", pid)
	}
	ticks, err := strconv.ParseInt(rest[19], 10, 64)
	if err != nil {
		return Identity{}, fmt.Errorf("parse starttime for pid %d: %w", pid, err)
	}

	btime, err := bootTime()
	if err != nil {
		return Identity{}, err
	}
	return Identity{
		PID:     pid,
		StartTS: btime + ticks/linuxClockTick,
		Comm:    comm,
	}, nil
}

// bootTime reads the btime line from /proc/stat.
func bootTime() (int64, error) {
	raw, err := os.ReadFile("/proc/stat")
	if err != nil {
		return 0, fmt.Errorf("read /proc/stat: %w", err)
	}
	for _, line := range strings.Split(string(raw), "\n") {
		if !strings.HasPrefix(line, "btime ") {
			continue
		}
		v, err := strconv.ParseInt(strings.TrimSpace(strings.TrimPrefix(line, "btime ")), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse btime: %w", err)
		}
		return v, nil
	}
	return 0, errors.New("btime not found in /proc/stat")
}

// psIdentity is the non-Linux fallback.
func psIdentity(pid int) (Identity, error) {
	out, err := exec.Command("ps", "-o", "lstart=,comm=", "-p", strconv.Itoa(pid)).Output()
	if err != nil {
		return Identity{}, fmt.Errorf("ps for pid %d: %w", pid, err)
	}
	line := strings.TrimSpace(string(out))
	if line == "" {
		return Identity{}, fmt.Errorf("pid %d not found", pid)
	}
	// lstart is a fixed-width 24-char timestamp like
	// "Mon Jan  2 15:04:05 2006"; comm follows.
	if len(line) < 25 {
		return Identity{}, fmt.Errorf("unexpected ps output for pid %d: %q", pid, line)
	}
	started, err := time.ParseInLocation("Mon Jan  2 15:04:05 2006", line[:24], time.Local)
	if err != nil {
		return Identity{}, fmt.Errorf("parse ps lstart for pid %d: %w", pid, err)
	}
	return Identity{
		PID:     pid,
		StartTS: started.Unix(),
		Comm:    strings.TrimSpace(line[24:]),
	}, nil
}
