package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/chainguard-dev/clog"

	"github.com/joescharf/codebot/internal/git"
	"github.com/joescharf/codebot/internal/models"
)

// ErrRunner is wrapped by errors that prevented the agent from running at all.
// Failures of the agent itself are reported through RunResult.ExitStatus.
var ErrRunner = errors.New("agent runner error")

const (
	// MountPoint is where the working directory appears inside the container.
	MountPoint = "/mnt"

	defaultDocker    = "docker"
	defaultTimeout   = 30 * time.Minute
	defaultWaitDelay = 10 * time.Second
	killTimeout      = 30 * time.Second

	agentConfigTarget = "/home/node/.claude.json"
	containerPrefix   = "codebot-"

	// DefaultScript runs inside the container; %s is the prompt path.
	DefaultScript = `sudo /usr/local/bin/init-firewall.sh > /dev/null 2>&1 && claude --dangerously-skip-permissions -p "$(cat %s)"`
)

// Options configures the docker runner.
type Options struct {
	Docker string
	Image  string
	// WorkDir is mounted at MountPoint; the working copy must live under it.
	WorkDir    string
	ConfigPath string
	Timeout    time.Duration
	// WaitDelay bounds how long Run waits for output pipes after a kill.
	WaitDelay time.Duration
	// Script overrides DefaultScript.
	Script string
}

// Request describes one agent invocation.
type Request struct {
	IssueID             string
	IssueKey            string
	Prompt              string
	OriginalDescription string
}

// Docker runs the coding agent in a throwaway container.
type Docker struct {
	opts Options
	now  func() time.Time
}

// New returns a Docker runner, filling defaults for unset options.
func New(opts Options) (*Docker, error) {
	if opts.Image == "" {
		return nil, fmt.Errorf("%w: agent image is required", ErrRunner)
	}
	if opts.WorkDir == "" {
		return nil, fmt.Errorf("%w: working directory is required", ErrRunner)
	}
	abs, err := filepath.Abs(opts.WorkDir)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve %s: %w", ErrRunner, opts.WorkDir, err)
	}
	opts.WorkDir = abs
	if opts.Docker == "" {
		opts.Docker = defaultDocker
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.WaitDelay <= 0 {
		opts.WaitDelay = defaultWaitDelay
	}
	if opts.Script == "" {
		opts.Script = DefaultScript
	}
	if opts.ConfigPath != "" {
		if opts.ConfigPath, err = filepath.Abs(opts.ConfigPath); err != nil {
			return nil, fmt.Errorf("%w: resolve agent config: %w", ErrRunner, err)
		}
	}
	return &Docker{opts: opts, now: time.Now}, nil
}

// Check verifies the docker client works and the image is present locally.
func (d *Docker) Check(ctx context.Context) error {
	out, err := exec.CommandContext(ctx, d.opts.Docker, "image", "inspect", d.opts.Image).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: image %s not available (pull it first): %s", ErrRunner, d.opts.Image, strings.TrimSpace(string(out)))
	}
	return nil
}

// Run executes the agent against wc and returns how it ended. The call
// returns within Timeout plus the kill grace period.
func (d *Docker) Run(ctx context.Context, wc *git.WorkingCopy, req Request) (*models.RunResult, error) {
	if wc == nil {
		return nil, fmt.Errorf("%w: no working copy", ErrRunner)
	}
	abs, err := filepath.Abs(wc.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve %s: %w", ErrRunner, wc.Path, err)
	}
	rel, err := filepath.Rel(d.opts.WorkDir, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return nil, fmt.Errorf("%w: working copy %s is outside %s", ErrRunner, wc.Path, d.opts.WorkDir)
	}

	if err := d.Check(ctx); err != nil {
		return nil, err
	}

	started := d.now()
	runName := fmt.Sprintf("%s_%d", safeName(req.IssueKey), started.Unix())
	runDir := filepath.Join(d.opts.WorkDir, "runs", runName)
	if err := writeArtifacts(runDir, req, started); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRunner, err)
	}

	container := containerPrefix + strings.ToLower(strings.ReplaceAll(runName, "_", "-"))
	promptPath := containerPath(MountPoint, "runs", runName, "prompt.txt")
	args := []string{
		"run", "--rm",
		"--name", container,
		"--cap-add=NET_RAW",
		"--cap-add=NET_ADMIN",
		"-v", d.opts.WorkDir + ":" + MountPoint,
	}
	if d.opts.ConfigPath != "" {
		args = append(args, "-v", d.opts.ConfigPath+":"+agentConfigTarget)
	}
	args = append(args,
		"-w", containerPath(MountPoint, filepath.ToSlash(rel)),
		d.opts.Image,
		"/bin/sh", "-c", fmt.Sprintf(d.opts.Script, promptPath),
	)

	log := clog.FromContext(ctx).With("issue", req.IssueKey, "container", container)
	log.Infof("starting agent (timeout %s)", d.opts.Timeout)

	runCtx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(runCtx, d.opts.Docker, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = d.opts.WaitDelay
	configureProcess(cmd)

	runErr := cmd.Run()
	res := &models.RunResult{
		Output:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: d.now().Sub(started),
	}

	if runErr != nil && runCtx.Err() != nil {
		d.kill(ctx, container)
	}

	status, code, err := classify(runErr, runCtx.Err(), ctx.Err())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRunner, err)
	}
	res.ExitStatus, res.ExitCode = status, code
	switch status {
	case models.ExitSuccess:
		log.Infof("agent finished in %s", res.Duration.Round(time.Second))
	case models.ExitTimeout:
		log.Warnf("agent timed out after %s", res.Duration.Round(time.Second))
	default:
		log.Warnf("agent exited with code %d", res.ExitCode)
	}

	if err := writeOutput(runDir, res); err != nil {
		log.Warnf("write run output: %v", err)
	}
	return res, nil
}

// classify maps how the docker client ended to a run status. A clean exit
// wins over a deadline that expired after it.
func classify(runErr, runCtxErr, parentErr error) (models.ExitStatus, int, error) {
	var exitErr *exec.ExitError
	switch {
	case runErr == nil:
		return models.ExitSuccess, 0, nil
	case errors.Is(runCtxErr, context.DeadlineExceeded) && parentErr == nil:
		return models.ExitTimeout, -1, nil
	case parentErr != nil:
		return "", 0, fmt.Errorf("interrupted: %w", parentErr)
	case errors.As(runErr, &exitErr):
		return models.ExitFailure, exitErr.ExitCode(), nil
	}
	return "", 0, fmt.Errorf("start docker: %w", runErr)
}

// Sweep kills agent containers left behind by a previous process, e.g. one
// stopped with SIGKILL mid-run. It returns how many were killed.
func (d *Docker) Sweep(ctx context.Context) (int, error) {
	out, err := exec.CommandContext(ctx, d.opts.Docker, "ps", "-q", "--filter", "name="+containerPrefix).Output()
	if err != nil {
		return 0, fmt.Errorf("%w: list leftover containers: %w", ErrRunner, err)
	}
	ids := strings.Fields(string(out))
	if len(ids) == 0 {
		return 0, nil
	}
	clog.FromContext(ctx).Warnf("killing %d leftover agent containers", len(ids))
	args := append([]string{"kill"}, ids...)
	if out, err := exec.CommandContext(ctx, d.opts.Docker, args...).CombinedOutput(); err != nil {
		return 0, fmt.Errorf("%w: kill leftover containers: %w: %s", ErrRunner, err, strings.TrimSpace(string(out)))
	}
	return len(ids), nil
}

// kill stops the container. Killing the docker client alone leaves it running.
func (d *Docker) kill(ctx context.Context, container string) {
	killCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), killTimeout)
	defer cancel()
	if out, err := exec.CommandContext(killCtx, d.opts.Docker, "kill", container).CombinedOutput(); err != nil {
		clog.FromContext(ctx).Warnf("docker kill %s: %v: %s", container, err, strings.TrimSpace(string(out)))
	}
}

type runInput struct {
	OriginalDescription  string   `json:"original_description"`
	FormattedDescription string   `json:"formatted_description"`
	Metadata             metadata `json:"metadata"`
}

type metadata struct {
	Timestamp string `json:"timestamp"`
	IssueID   string `json:"issue_id"`
	IssueKey  string `json:"issue_key,omitempty"`
}

func writeArtifacts(dir string, req Request, started time.Time) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create run dir: %w", err)
	}
	input, err := json.MarshalIndent(runInput{
		OriginalDescription:  req.OriginalDescription,
		FormattedDescription: req.Prompt,
		Metadata: metadata{
			Timestamp: strconv.FormatInt(started.Unix(), 10),
			IssueID:   req.IssueID,
			IssueKey:  req.IssueKey,
		},
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal input: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "input.json"), input, 0o644); err != nil {
		return fmt.Errorf("write input: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "prompt.txt"), []byte(req.Prompt), 0o644); err != nil {
		return fmt.Errorf("write prompt: %w", err)
	}
	return nil
}

func writeOutput(dir string, res *models.RunResult) error {
	if err := os.WriteFile(filepath.Join(dir, "stdout.txt"), []byte(res.Output), 0o644); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "stderr.txt"), []byte(res.Stderr), 0o644)
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)

func safeName(s string) string {
	s = unsafeChars.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-.")
	if s == "" {
		return "issue"
	}
	return s
}

// containerPath joins container paths, which are always slash-separated.
func containerPath(elem ...string) string {
	return strings.Join(elem, "/")
}
