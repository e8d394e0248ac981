package machine

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/sjoeboo/chatmux/internal/logging"
	"github.com/sjoeboo/chatmux/internal/tmux"
)

// Local is the Connection implementation backed by the local filesystem and
// the local tmux server.
type Local struct {
	id          string
	tmux        *tmux.Client
	claudeCmd   string
	projectsDir string
	log         *slog.Logger
}

// NewLocal creates a local machine connection. projectsDir should already be
// expanded to an absolute path.
func NewLocal(id string, tm *tmux.Client, claudeCmd, projectsDir string) *Local {
	return &Local{
		id:          id,
		tmux:        tm,
		claudeCmd:   claudeCmd,
		projectsDir: projectsDir,
		log:         logging.ForComponent(logging.CompMachine).With(slog.String("machine", id)),
	}
}

func (l *Local) ID() string { return l.id }

func (l *Local) ProjectsDir() string { return l.projectsDir }

func (l *Local) ListDir(ctx context.Context, path string) []string {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		if len(name) > 0 && name[0] == '.' {
			continue
		}
		names = append(names, name)
	}
	// os.ReadDir returns entries sorted by name already.
	return names
}

func (l *Local) FileSize(ctx context.Context, path string) (int64, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, false
	}
	return info.Size(), true
}

func (l *Local) ReadFileFromOffset(ctx context.Context, path string, offset int64) []byte {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil
	}
	data, err := io.ReadAll(f)
	if err != nil || len(data) == 0 {
		return nil
	}
	return data
}

func (l *Local) ListWindows(ctx context.Context) []Window {
	windows, err := l.tmux.ListWindows(ctx)
	if err != nil {
		l.log.Warn("list_windows_failed", slog.String("error", err.Error()))
		return nil
	}
	out := make([]Window, len(windows))
	for i, w := range windows {
		out[i] = Window{ID: w.ID, Name: w.Name, Cwd: w.Cwd, Command: w.Command}
	}
	return out
}

func (l *Local) FindWindowByID(ctx context.Context, windowID string) *Window {
	w, err := l.tmux.FindWindowByID(ctx, windowID)
	if err != nil {
		l.log.Warn("find_window_failed",
			slog.String("window", windowID), slog.String("error", err.Error()))
		return nil
	}
	if w == nil {
		return nil
	}
	return &Window{ID: w.ID, Name: w.Name, Cwd: w.Cwd, Command: w.Command}
}

func (l *Local) SendKeys(ctx context.Context, windowID, text string, enter, literal bool) bool {
	if err := l.tmux.SendKeys(ctx, windowID, text, enter, literal); err != nil {
		l.log.Warn("send_keys_failed",
			slog.String("window", windowID), slog.String("error", err.Error()))
		return false
	}
	return true
}

func (l *Local) CapturePane(ctx context.Context, windowID string, withANSI bool) (string, bool) {
	out, err := l.tmux.CapturePane(ctx, windowID, withANSI)
	if err != nil {
		l.log.Warn("capture_pane_failed",
			slog.String("window", windowID), slog.String("error", err.Error()))
		return "", false
	}
	return out, true
}

func (l *Local) CreateWindow(ctx context.Context, workDir, name string, dangerous bool) (Window, error) {
	id, err := l.tmux.CreateWindow(ctx, workDir, name, agentCommand(l.claudeCmd, dangerous))
	if err != nil {
		return Window{}, err
	}
	w := l.FindWindowByID(ctx, id)
	if w == nil {
		return Window{ID: id, Name: name, Cwd: workDir}, nil
	}
	return *w, nil
}

func (l *Local) KillWindow(ctx context.Context, windowID string) bool {
	if err := l.tmux.KillWindow(ctx, windowID); err != nil {
		l.log.Warn("kill_window_failed",
			slog.String("window", windowID), slog.String("error", err.Error()))
		return false
	}
	return true
}
