// Package tmux wraps the local tmux binary for the window operations chatmux
// needs: one named session holding one window per tracked conversation.
package tmux

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/sjoeboo/chatmux/internal/logging"
)

// mainWindowName is the placeholder window created with the session so the
// session survives its last real window being killed. It is hidden from
// ListWindows.
const mainWindowName = "__main__"

// enterDelay is the pause between pasting text and pressing Enter. Without
// it tmux can fold the Enter into the paste and the target program sees a
// single multi-line input.
const enterDelay = 500 * time.Millisecond

// Window describes one tmux window at query time. Never cached.
type Window struct {
	ID      string // tmux window id, e.g. "@3"
	Name    string
	Cwd     string
	Command string // pane_current_command
}

// Client runs tmux commands against one named session.
type Client struct {
	bin     string
	session string
	log     *slog.Logger
}

// NewClient creates a tmux client for the given session name.
func NewClient(session string) *Client {
	return &Client{
		bin:     findTmuxPath(),
		session: session,
		log:     logging.ForComponent(logging.CompTmux),
	}
}

// Session returns the tmux session name this client operates on.
func (c *Client) Session() string {
	return c.session
}

// findTmuxPath locates the tmux binary, checking common Homebrew paths that
// GUI apps don't have in their default PATH.
func findTmuxPath() string {
	if path, err := exec.LookPath("tmux"); err == nil {
		return path
	}
	for _, p := range []string{
		"/opt/homebrew/bin/tmux",
		"/usr/local/bin/tmux",
		"/usr/bin/tmux",
	} {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return "tmux"
}

func (c *Client) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, c.bin, args...)
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("tmux %s: %w", args[0], err)
	}
	return string(out), nil
}

// EnsureSession creates the session with a placeholder window if it does not
// exist yet.
func (c *Client) EnsureSession(ctx context.Context, dir string) error {
	if _, err := c.run(ctx, "has-session", "-t", c.session); err == nil {
		return nil
	}
	if dir == "" {
		dir, _ = os.UserHomeDir()
	}
	_, err := c.run(ctx, "new-session", "-d", "-s", c.session, "-n", mainWindowName, "-c", dir)
	if err != nil {
		return err
	}
	c.log.Info("tmux_session_created", slog.String("session", c.session))
	return nil
}

// WindowFormat is the list-windows format string matching the fields of
// Window, colon-separated. Shared with the remote machine path, which runs
// the same tmux command over SSH.
const WindowFormat = "#{window_id}:#{window_name}:#{pane_current_path}:#{pane_current_command}"

// ListWindows returns all windows in the session except the placeholder.
func (c *Client) ListWindows(ctx context.Context) ([]Window, error) {
	out, err := c.run(ctx, "list-windows", "-t", c.session, "-F", WindowFormat)
	if err != nil {
		return nil, err
	}
	return ParseWindows(out), nil
}

// ParseWindows decodes list-windows output in WindowFormat, skipping the
// placeholder window and malformed lines.
func ParseWindows(out string) []Window {
	var windows []Window
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, ":", 4)
		if len(parts) != 4 {
			continue
		}
		if parts[1] == mainWindowName {
			continue
		}
		windows = append(windows, Window{
			ID:      parts[0],
			Name:    parts[1],
			Cwd:     parts[2],
			Command: parts[3],
		})
	}
	return windows
}

// FindWindowByID returns the window with the given id, or nil if absent.
func (c *Client) FindWindowByID(ctx context.Context, windowID string) (*Window, error) {
	windows, err := c.ListWindows(ctx)
	if err != nil {
		return nil, err
	}
	for i := range windows {
		if windows[i].ID == windowID {
			return &windows[i], nil
		}
	}
	return nil, nil
}

// SendKeys types text into a window. With enter set, a separate Enter
// keystroke follows after a short delay. With literal set, text is sent with
// -l so tmux does not interpret key names.
func (c *Client) SendKeys(ctx context.Context, windowID, text string, enter, literal bool) error {
	target := c.session + ":" + windowID
	args := []string{"send-keys", "-t", target}
	if literal {
		args = append(args, "-l")
	}
	args = append(args, text)
	if _, err := c.run(ctx, args...); err != nil {
		return err
	}
	if enter {
		select {
		case <-time.After(enterDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if _, err := c.run(ctx, "send-keys", "-t", target, "Enter"); err != nil {
			return err
		}
	}
	return nil
}

// CapturePane returns the visible content of a window's active pane.
func (c *Client) CapturePane(ctx context.Context, windowID string, withANSI bool) (string, error) {
	target := c.session + ":" + windowID
	args := []string{"capture-pane", "-p"}
	if withANSI {
		args = append(args, "-e")
	}
	args = append(args, "-t", target)
	return c.run(ctx, args...)
}

// CreateWindow creates a new window running command in dir and returns its
// window id. An empty name defaults to the directory basename.
func (c *Client) CreateWindow(ctx context.Context, dir, name, command string) (string, error) {
	if name == "" {
		name = filepath.Base(dir)
		if name == "" || name == "." || name == "/" {
			name = "claude"
		}
	}
	out, err := c.run(ctx, "new-window", "-t", c.session, "-c", dir, "-n", name,
		"-P", "-F", "#{window_id}", command)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// KillWindow kills a window by id.
func (c *Client) KillWindow(ctx context.Context, windowID string) error {
	_, err := c.run(ctx, "kill-window", "-t", c.session+":"+windowID)
	return err
}
