// Package harness provides the exec-based adapters behind the orchestrator's
// narrow ports: an agent launched as a subprocess, a verifier that runs
// configured level commands, and a workspace snapshotter that content-hashes
// the working tree. The control plane itself stays agnostic of what the
// commands do.
package harness

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"foreman/internal/logging"
	"foreman/internal/orchestrator"
	"foreman/internal/workorder"
)

// ExecAgent runs the coding agent as a subprocess. The command receives the
// task on stdin and the iteration number in the environment; its stdout is
// the agent output the strategies inspect.
type ExecAgent struct {
	Command []string
	Dir     string
	Env     map[string]string
	Logger  logging.Logger
}

// Execute runs one agent iteration. The subprocess is killed when ctx ends.
func (a *ExecAgent) Execute(ctx context.Context, wo *workorder.WorkOrder, iteration int) (*orchestrator.AgentResult, error) {
	if len(a.Command) == 0 {
		return nil, fmt.Errorf("harness: agent command not configured")
	}

	cmd := exec.CommandContext(ctx, a.Command[0], a.Command[1:]...)
	cmd.Dir = a.Dir
	cmd.Stdin = strings.NewReader(wo.Task)
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("FOREMAN_WORK_ORDER_ID=%s", wo.ID),
		fmt.Sprintf("FOREMAN_ITERATION=%d", iteration),
		fmt.Sprintf("FOREMAN_AGENT_TYPE=%s", wo.AgentType),
	)
	for key, value := range a.Env {
		cmd.Env = append(cmd.Env, key+"="+value)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil {
		if _, ok := err.(*exec.ExitError); !ok {
			return nil, fmt.Errorf("harness: launch agent: %w", err)
		}
	}

	logging.OrNop(a.Logger).Debug("Agent iteration %d for %s finished in %v (exit ok=%v)",
		iteration, wo.ID, time.Since(start), err == nil)

	return &orchestrator.AgentResult{
		SessionID: fmt.Sprintf("%s-%d", wo.ID, iteration),
		Success:   err == nil,
		Output:    stdout.String() + stderr.String(),
	}, nil
}

// CommandVerifier runs one command per verification level, in order. A level
// passes when its command exits zero; an empty command list marks the level
// skipped.
type CommandVerifier struct {
	Levels [][]string
	Dir    string
	Logger logging.Logger
}

// Verify runs every configured level. All non-skipped levels must pass for
// the overall report to pass.
func (v *CommandVerifier) Verify(ctx context.Context, snapshot *workorder.Snapshot) (*workorder.VerificationReport, error) {
	report := &workorder.VerificationReport{Passed: true}
	start := time.Now()

	for level, command := range v.Levels {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		result := workorder.LevelResult{Level: level}
		if len(command) == 0 {
			result.Skipped = true
			report.Levels = append(report.Levels, result)
			continue
		}

		levelStart := time.Now()
		cmd := exec.CommandContext(ctx, command[0], command[1:]...)
		cmd.Dir = v.Dir
		var output bytes.Buffer
		cmd.Stdout = &output
		cmd.Stderr = &output

		err := cmd.Run()
		result.Passed = err == nil
		result.Checks = []string{strings.Join(command, " ")}
		result.DurationMs = time.Since(levelStart).Milliseconds()
		report.Levels = append(report.Levels, result)

		if err != nil {
			report.Passed = false
			diagnostic := fmt.Sprintf("L%d: %s", level, firstLine(output.String()))
			report.Diagnostics = append(report.Diagnostics, diagnostic)
			logging.OrNop(v.Logger).Debug("Verification level %d failed: %v", level, err)
		}
	}

	report.DurationMs = time.Since(start).Milliseconds()
	return report, nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// TreeWorkspace snapshots the working tree by hashing file paths, sizes, and
// modification times. Consecutive snapshots with the same hash mean the
// agent changed nothing. Safe for concurrent runs sharing one instance: the
// previous-snapshot state sits behind a mutex.
type TreeWorkspace struct {
	Root string

	mu        sync.Mutex
	prevSha   string
	prevFiles map[string]string
}

// Snapshot walks the tree and returns a content-addressed capture. Hidden
// directories (.git and friends) are skipped.
func (w *TreeWorkspace) Snapshot(ctx context.Context, iteration int) (*workorder.Snapshot, error) {
	files := make(map[string]string)
	err := filepath.WalkDir(w.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != w.Root {
				return filepath.SkipDir
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(w.Root, path)
		if err != nil {
			return err
		}
		files[rel] = fmt.Sprintf("%d:%d", info.Size(), info.ModTime().UnixNano())
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("harness: snapshot %s: %w", w.Root, err)
	}

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	hasher := sha256.New()
	for _, name := range names {
		fmt.Fprintf(hasher, "%s=%s\n", name, files[name])
	}
	sha := hex.EncodeToString(hasher.Sum(nil))

	w.mu.Lock()
	defer w.mu.Unlock()

	changed := 0
	for name, fingerprint := range files {
		if w.prevFiles[name] != fingerprint {
			changed++
		}
	}
	for name := range w.prevFiles {
		if _, still := files[name]; !still {
			changed++
		}
	}
	if w.prevSha == "" {
		changed = 0
	}

	w.prevSha = sha
	w.prevFiles = files

	return &workorder.Snapshot{
		AfterSha:     sha,
		FilesChanged: changed,
		Iteration:    iteration,
	}, nil
}
