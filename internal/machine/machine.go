// Package machine presents a uniform filesystem and terminal-window interface
// over the local machine and remote machines reached over SSH.
//
// Every Connection method that can fail converts the failure into its
// documented zero-ish return value (nil slice, false, empty bytes) after
// logging. Callers on the delivery path never see an error cross this
// boundary; an unreachable machine degrades to "nothing to report".
package machine

import "context"

// Window describes one terminal window on some machine, sourced fresh on
// every query.
type Window struct {
	ID      string // opaque multiplexer window id, e.g. "@3"
	Name    string
	Cwd     string
	Command string
}

// Connection is the per-machine capability object. Implementations: Local
// (direct filesystem + local tmux) and Remote (shell commands over a
// persistent SSH connection).
type Connection interface {
	// ID returns the machine id this connection is bound to.
	ID() string

	// ListDir returns sorted non-hidden immediate subdirectory names.
	// Returns nil on any failure.
	ListDir(ctx context.Context, path string) []string

	// FileSize returns the file size in bytes. The second return is false
	// if the file does not exist or is unreadable.
	FileSize(ctx context.Context, path string) (int64, bool)

	// ReadFileFromOffset returns bytes from offset through end-of-file.
	// Returns nil if offset >= size or on any I/O failure.
	ReadFileFromOffset(ctx context.Context, path string, offset int64) []byte

	// ListWindows lists the terminal windows chatmux owns on this machine.
	ListWindows(ctx context.Context) []Window

	// FindWindowByID returns the window with the given id, or nil.
	FindWindowByID(ctx context.Context, windowID string) *Window

	// SendKeys types text into a window, optionally followed by Enter.
	SendKeys(ctx context.Context, windowID, text string, enter, literal bool) bool

	// CapturePane returns the visible pane content. Second return is false
	// on failure.
	CapturePane(ctx context.Context, windowID string, withANSI bool) (string, bool)

	// CreateWindow creates a window in workDir and starts the agent command,
	// with permission prompts skipped when dangerous is set.
	CreateWindow(ctx context.Context, workDir, name string, dangerous bool) (Window, error)

	// KillWindow kills a window by id.
	KillWindow(ctx context.Context, windowID string) bool

	// ProjectsDir is the transcript root on this machine. Local
	// implementations return an absolute path; remote ones may return a
	// ~/-prefixed path expanded by the remote shell.
	ProjectsDir() string
}

// dangerousFlag is appended to the agent command for windows created with
// permission prompts disabled.
const dangerousFlag = "--dangerously-skip-permissions"

func agentCommand(base string, dangerous bool) string {
	if dangerous {
		return base + " " + dangerousFlag
	}
	return base
}
