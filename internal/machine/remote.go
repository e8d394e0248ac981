package machine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/sjoeboo/chatmux/internal/logging"
	"github.com/sjoeboo/chatmux/internal/tmux"
)

const (
	sshDialTimeout = 10 * time.Second

	// remoteEnterDelay separates the paste from the Enter keystroke. The two
	// are independent SSH round-trips; sending them back to back races the
	// multiplexer's paste handling.
	remoteEnterDelay = 500 * time.Millisecond

	// remoteOpsPerSecond caps command volume on the shared SSH link so a
	// burst of transcript polls cannot starve interactive operations.
	remoteOpsPerSecond = 20
)

// Remote is the Connection implementation for machines reached over SSH.
// It keeps exactly one shared *ssh.Client, created lazily. A command that
// fails at the transport level invalidates the cached client and retries
// once against a fresh connection; concurrent reconnect attempts are joined
// so only one dial is ever in flight.
type Remote struct {
	id          string
	host        string
	user        string
	claudeCmd   string
	projectsDir string
	tmuxSession string
	log         *slog.Logger
	limiter     *rate.Limiter

	mu     sync.Mutex
	client *ssh.Client
	dial   singleflight.Group
}

// NewRemote creates a remote machine connection. No network activity happens
// until the first command.
func NewRemote(id, host, user, claudeCmd, projectsDir, tmuxSession string) *Remote {
	return &Remote{
		id:          id,
		host:        host,
		user:        user,
		claudeCmd:   claudeCmd,
		projectsDir: projectsDir,
		tmuxSession: tmuxSession,
		log: logging.ForComponent(logging.CompMachine).With(
			slog.String("machine", id), slog.String("host", host)),
		limiter: rate.NewLimiter(rate.Limit(remoteOpsPerSecond), remoteOpsPerSecond),
	}
}

func (r *Remote) ID() string { return r.id }

func (r *Remote) Host() string { return r.host }

func (r *Remote) ProjectsDir() string { return r.projectsDir }

// conn returns the shared SSH client, dialing if necessary. Concurrent
// callers racing on a dead connection join the same dial via singleflight.
func (r *Remote) conn(ctx context.Context) (*ssh.Client, error) {
	r.mu.Lock()
	client := r.client
	r.mu.Unlock()
	if client != nil {
		return client, nil
	}

	v, err, _ := r.dial.Do("dial", func() (interface{}, error) {
		client, err := r.connect(ctx)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.client = client
		r.mu.Unlock()
		r.log.Info("ssh_connected")
		return client, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*ssh.Client), nil
}

// invalidate drops the cached client if it is still the one that failed.
func (r *Remote) invalidate(old *ssh.Client) {
	r.mu.Lock()
	if r.client == old {
		r.client = nil
	}
	r.mu.Unlock()
	if old != nil {
		old.Close()
	}
}

// Close tears down the cached connection, if any.
func (r *Remote) Close() {
	r.mu.Lock()
	client := r.client
	r.client = nil
	r.mu.Unlock()
	if client != nil {
		client.Close()
	}
}

func (r *Remote) connect(ctx context.Context) (*ssh.Client, error) {
	cfg := &ssh.ClientConfig{
		User:            r.user,
		Auth:            sshAuthMethods(),
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         sshDialTimeout,
	}
	addr := r.host
	if !strings.Contains(addr, ":") {
		addr = net.JoinHostPort(addr, "22")
	}

	type dialResult struct {
		client *ssh.Client
		err    error
	}
	done := make(chan dialResult, 1)
	go func() {
		client, err := ssh.Dial("tcp", addr, cfg)
		done <- dialResult{client, err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if res := <-done; res.client != nil {
				res.client.Close()
			}
		}()
		return nil, ctx.Err()
	case res := <-done:
		if res.err != nil {
			return nil, fmt.Errorf("dial %s: %w", addr, res.err)
		}
		return res.client, nil
	}
}

// sshAuthMethods collects auth from the SSH agent and the default key files.
func sshAuthMethods() []ssh.AuthMethod {
	var methods []ssh.AuthMethod
	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if conn, err := net.Dial("unix", sock); err == nil {
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
		}
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return methods
	}
	for _, name := range []string{"id_ed25519", "id_rsa"} {
		key, err := os.ReadFile(filepath.Join(home, ".ssh", name))
		if err != nil {
			continue
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			continue
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	return methods
}

// run executes cmd over the shared connection, reconnecting and retrying
// once on a transport-level failure. A nonzero exit status is not an error
// here: the command's stdout (possibly empty) is returned, matching how the
// per-method contracts interpret absence.
func (r *Remote) run(ctx context.Context, cmd string) ([]byte, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	client, err := r.conn(ctx)
	if err != nil {
		return nil, err
	}
	out, err := r.exec(ctx, client, cmd)
	if err == nil {
		return out, nil
	}

	r.log.Warn("ssh_command_failed_reconnecting", slog.String("error", err.Error()))
	r.invalidate(client)
	client, err = r.conn(ctx)
	if err != nil {
		return nil, err
	}
	return r.exec(ctx, client, cmd)
}

// exec runs cmd in a fresh SSH session. Transport failures are returned as
// errors; a command that ran but exited nonzero returns its stdout and nil.
func (r *Remote) exec(ctx context.Context, client *ssh.Client, cmd string) ([]byte, error) {
	sess, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	defer sess.Close()

	var stdout bytes.Buffer
	sess.Stdout = &stdout

	done := make(chan error, 1)
	go func() { done <- sess.Run(cmd) }()

	select {
	case <-ctx.Done():
		sess.Close()
		<-done
		return nil, ctx.Err()
	case err := <-done:
		if err != nil {
			var exitErr *ssh.ExitError
			if errors.As(err, &exitErr) {
				return stdout.Bytes(), nil
			}
			return nil, err
		}
		return stdout.Bytes(), nil
	}
}

func (r *Remote) ListDir(ctx context.Context, path string) []string {
	cmd := fmt.Sprintf(
		"find %s -maxdepth 1 -mindepth 1 -type d -not -name '.*' -printf '%%f\\n' 2>/dev/null | sort",
		shellPath(path))
	out, err := r.run(ctx, cmd)
	if err != nil {
		r.log.Warn("list_dir_failed", slog.String("path", path), slog.String("error", err.Error()))
		return nil
	}
	var names []string
	for _, line := range strings.Split(string(out), "\n") {
		if line != "" {
			names = append(names, line)
		}
	}
	return names
}

func (r *Remote) FileSize(ctx context.Context, path string) (int64, bool) {
	out, err := r.run(ctx, fmt.Sprintf("stat -c %%s %s 2>/dev/null", shellPath(path)))
	if err != nil {
		r.log.Warn("file_size_failed", slog.String("path", path), slog.String("error", err.Error()))
		return 0, false
	}
	text := strings.TrimSpace(string(out))
	if text == "" {
		return 0, false
	}
	size, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return 0, false
	}
	return size, true
}

func (r *Remote) ReadFileFromOffset(ctx context.Context, path string, offset int64) []byte {
	// tail -c reads only the suffix; the transcript is never shipped whole.
	out, err := r.run(ctx, fmt.Sprintf("tail -c +%d %s 2>/dev/null", offset+1, shellPath(path)))
	if err != nil {
		r.log.Warn("read_from_offset_failed", slog.String("path", path), slog.String("error", err.Error()))
		return nil
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func (r *Remote) ListWindows(ctx context.Context) []Window {
	cmd := fmt.Sprintf("tmux list-windows -t %s -F %s 2>/dev/null",
		shellQuote(r.tmuxSession), shellQuote(tmux.WindowFormat))
	out, err := r.run(ctx, cmd)
	if err != nil {
		r.log.Warn("list_windows_failed", slog.String("error", err.Error()))
		return nil
	}
	parsed := tmux.ParseWindows(string(out))
	windows := make([]Window, len(parsed))
	for i, w := range parsed {
		windows[i] = Window{ID: w.ID, Name: w.Name, Cwd: w.Cwd, Command: w.Command}
	}
	return windows
}

func (r *Remote) FindWindowByID(ctx context.Context, windowID string) *Window {
	for _, w := range r.ListWindows(ctx) {
		if w.ID == windowID {
			return &w
		}
	}
	return nil
}

func (r *Remote) SendKeys(ctx context.Context, windowID, text string, enter, literal bool) bool {
	target := r.tmuxSession + ":" + windowID
	literalFlag := ""
	if literal {
		literalFlag = " -l"
	}
	cmd := fmt.Sprintf("tmux send-keys -t %s%s %s",
		shellQuote(target), literalFlag, shellQuote(text))
	if _, err := r.run(ctx, cmd); err != nil {
		r.log.Warn("send_keys_failed",
			slog.String("window", windowID), slog.String("error", err.Error()))
		return false
	}
	if enter {
		select {
		case <-time.After(remoteEnterDelay):
		case <-ctx.Done():
			return false
		}
		cmd := fmt.Sprintf("tmux send-keys -t %s Enter", shellQuote(target))
		if _, err := r.run(ctx, cmd); err != nil {
			r.log.Warn("send_enter_failed",
				slog.String("window", windowID), slog.String("error", err.Error()))
			return false
		}
	}
	return true
}

func (r *Remote) CapturePane(ctx context.Context, windowID string, withANSI bool) (string, bool) {
	target := r.tmuxSession + ":" + windowID
	ansiFlag := ""
	if withANSI {
		ansiFlag = " -e"
	}
	out, err := r.run(ctx, fmt.Sprintf("tmux capture-pane -p%s -t %s", ansiFlag, shellQuote(target)))
	if err != nil {
		r.log.Warn("capture_pane_failed",
			slog.String("window", windowID), slog.String("error", err.Error()))
		return "", false
	}
	return string(out), true
}

func (r *Remote) CreateWindow(ctx context.Context, workDir, name string, dangerous bool) (Window, error) {
	if name == "" {
		name = filepath.Base(workDir)
		if name == "" || name == "." || name == "/" {
			name = "claude"
		}
	}
	cmd := fmt.Sprintf("tmux new-window -t %s -c %s -n %s -P -F '#{window_id}' %s",
		shellQuote(r.tmuxSession), shellPath(workDir), shellQuote(name),
		shellQuote(agentCommand(r.claudeCmd, dangerous)))
	out, err := r.run(ctx, cmd)
	if err != nil {
		return Window{}, fmt.Errorf("create window on %s: %w", r.id, err)
	}
	windowID := strings.TrimSpace(string(out))
	if windowID == "" {
		return Window{}, fmt.Errorf("create window on %s: no window id returned", r.id)
	}
	return Window{ID: windowID, Name: name, Cwd: workDir}, nil
}

func (r *Remote) KillWindow(ctx context.Context, windowID string) bool {
	target := r.tmuxSession + ":" + windowID
	if _, err := r.run(ctx, fmt.Sprintf("tmux kill-window -t %s 2>/dev/null", shellQuote(target))); err != nil {
		r.log.Warn("kill_window_failed",
			slog.String("window", windowID), slog.String("error", err.Error()))
		return false
	}
	return true
}

// shellQuote single-quotes s for POSIX shells.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// shellPath quotes a path while leaving a leading ~/ to the remote shell as
// $HOME, since a quoted tilde would not expand.
func shellPath(path string) string {
	if path == "~" {
		return `"$HOME"`
	}
	if strings.HasPrefix(path, "~/") {
		return `"$HOME"` + shellQuote(path[1:])
	}
	return shellQuote(path)
}
