package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"
)

// Repository shells out to the system git binary to inspect and push a local
// working copy.
type Repository struct {
	// Binary is the git binary to execute. Defaults to "git" when empty.
	Binary string

	// Dir is the working copy every command runs in.
	Dir string

	// RemoteName is the remote managed by EnsureRemote. Defaults to "platform".
	RemoteName string

	// CommandTimeout bounds local, non-interactive commands. When zero, a
	// default of 30 seconds is used. Push is never bounded.
	CommandTimeout time.Duration

	// Stdin, Stdout and Stderr are inherited by Push. They default to the
	// process streams.
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	Logger *slog.Logger

	sshCommand string
}

// NewRepository returns a Repository rooted at dir.
func NewRepository(dir string) *Repository {
	return &Repository{Dir: dir}
}

func (r *Repository) gitBinary() string {
	if r.Binary == "" {
		return "git"
	}
	return r.Binary
}

func (r *Repository) remoteName() string {
	if r.RemoteName == "" {
		return DefaultRemoteName
	}
	return r.RemoteName
}

func (r *Repository) commandTimeout() time.Duration {
	if r.CommandTimeout <= 0 {
		return 30 * time.Second
	}
	return r.CommandTimeout
}

// Remote returns the name of the managed remote.
func (r *Repository) Remote() string {
	return r.remoteName()
}

// ResolveRevision returns the commit a ref points at. An unresolvable ref, or
// any failure running git, reports false rather than an error.
func (r *Repository) ResolveRevision(ctx context.Context, ref string) (string, bool) {
	out, err := r.captureGit(ctx, "rev-parse", "--verify", "--quiet", ref+"^{commit}")
	if err != nil {
		if r.Logger != nil {
			r.Logger.Debug("revision did not resolve", "ref", ref, "error", err)
		}
		return "", false
	}
	rev := strings.TrimSpace(out)
	return rev, rev != ""
}

// CurrentBranch returns the checked out branch. A detached HEAD reports false.
func (r *Repository) CurrentBranch(ctx context.Context) (string, bool) {
	out, err := r.captureGit(ctx, "symbolic-ref", "-q", "--short", "HEAD")
	if err != nil {
		return "", false
	}
	branch := strings.TrimSpace(out)
	return branch, branch != ""
}

// SetSSHCommand sets the transport command used by every later network
// operation of this Repository.
func (r *Repository) SetSSHCommand(cmd string) {
	r.sshCommand = cmd
}

// SSHCommand returns the configured transport command.
func (r *Repository) SSHCommand() string {
	return r.sshCommand
}

// Push runs git push with args, inheriting the standard streams so progress and
// rejection messages reach the user. env is merged over the process
// environment.
func (r *Repository) Push(ctx context.Context, args []string, env map[string]string) error {
	fullArgs := append([]string{"push"}, args...)

	cmd := exec.CommandContext(ctx, r.gitBinary(), fullArgs...)
	cmd.Dir = r.Dir
	cmd.Env = r.environ(env)
	cmd.Stdin = r.stdin()
	cmd.Stdout = r.stdout()
	cmd.Stderr = r.stderr()

	if r.Logger != nil {
		r.Logger.Debug("running git", "args", fullArgs, "ssh_command", r.sshCommand)
	}

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return &GitError{Args: fullArgs, Err: err}
	}
	return nil
}

// EnsureRemote makes the managed remote point at url, adding it when missing
// and repairing it when it points elsewhere.
func (r *Repository) EnsureRemote(ctx context.Context, url string) error {
	if strings.TrimSpace(url) == "" {
		return errors.New("git remote url is required")
	}

	name := r.remoteName()
	current, err := r.captureGit(ctx, "remote", "get-url", name)
	if err != nil {
		if !isMissingRemote(err) {
			return err
		}
		if r.Logger != nil {
			r.Logger.Debug("adding git remote", "remote", name, "url", url)
		}
		return r.runGit(ctx, "remote", "add", name, url)
	}

	if strings.TrimSpace(current) == url {
		return nil
	}

	if r.Logger != nil {
		r.Logger.Debug("updating git remote", "remote", name, "from", strings.TrimSpace(current), "to", url)
	}
	return r.runGit(ctx, "remote", "set-url", name, url)
}

func (r *Repository) environ(extra map[string]string) []string {
	env := os.Environ()
	if r.sshCommand != "" {
		env = append(env, "GIT_SSH_COMMAND="+r.sshCommand)
	}

	keys := make([]string, 0, len(extra))
	for key := range extra {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		env = append(env, key+"="+extra[key])
	}
	return env
}

func (r *Repository) stdin() io.Reader {
	if r.Stdin == nil {
		return os.Stdin
	}
	return r.Stdin
}

func (r *Repository) stdout() io.Writer {
	if r.Stdout == nil {
		return os.Stdout
	}
	return r.Stdout
}

func (r *Repository) stderr() io.Writer {
	if r.Stderr == nil {
		return os.Stderr
	}
	return r.Stderr
}

func (r *Repository) runGit(ctx context.Context, args ...string) error {
	_, err := r.captureGit(ctx, args...)
	return err
}

func (r *Repository) captureGit(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.commandTimeout())
	defer cancel()

	cmd := exec.CommandContext(ctx, r.gitBinary(), args...)
	cmd.Dir = r.Dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	setProcessGroup(cmd)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return "", &GitError{Args: args, Err: err}
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	select {
	case <-ctx.Done():
		terminateProcessGroup(cmd)
		<-done
		return "", ctx.Err()
	case err := <-done:
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", ctxErr
			}
			return "", &GitError{Args: args, Output: stderr.String(), Err: err}
		}
	}

	return stdout.String(), nil
}

// GitError wraps failures when invoking the git binary.
type GitError struct {
	Args   []string
	Output string
	Err    error
}

func (e *GitError) Error() string {
	if e == nil {
		return ""
	}
	if e.Output == "" {
		return fmt.Sprintf("git %s: %v", strings.Join(e.Args, " "), e.Err)
	}
	return fmt.Sprintf("git %s: %v\n%s", strings.Join(e.Args, " "), e.Err, e.Output)
}

func (e *GitError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// ExitCode returns the git process exit status, or -1 when git did not run.
func (e *GitError) ExitCode() int {
	var exitErr *exec.ExitError
	if e == nil || !errors.As(e.Err, &exitErr) {
		return -1
	}
	return exitErr.ExitCode()
}

// git remote get-url exits 2 for an unknown remote.
func isMissingRemote(err error) bool {
	var gitErr *GitError
	if !errors.As(err, &gitErr) {
		return false
	}
	return gitErr.ExitCode() == 2 || strings.Contains(gitErr.Output, "No such remote")
}
