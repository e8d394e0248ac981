package machine

import (
	"encoding/json"
	"log/slog"
	"os"
	"sort"

	"github.com/sjoeboo/chatmux/internal/config"
	"github.com/sjoeboo/chatmux/internal/logging"
	"github.com/sjoeboo/chatmux/internal/tmux"
)

// DefaultLocalID is the machine id synthesized when the fleet file declares
// no local machine.
const DefaultLocalID = "local"

// defaultHookPort is used when machines.json does not set hook_port.
const defaultHookPort = 8080

// fleetFile is the on-disk shape of machines.json.
type fleetFile struct {
	HookPort int                   `json:"hook_port"`
	Machines map[string]fleetEntry `json:"machines"`
}

type fleetEntry struct {
	Type        string `json:"type,omitempty"` // "local" or omitted for remote
	Host        string `json:"host,omitempty"`
	User        string `json:"user,omitempty"`
	Display     string `json:"display,omitempty"`
	ProjectsDir string `json:"projects_dir,omitempty"`
}

// Options carries the pieces every connection needs at construction time.
type Options struct {
	Tmux          *tmux.Client // local tmux client; its session name is reused remotely
	ClaudeCommand string
	ProjectsDir   string // default transcript root, usually ~/.claude/projects
}

// Registry owns one Connection per configured machine and is the sole lookup
// point for the rest of the system. Lookups never fail: unknown ids resolve
// to the designated local machine.
type Registry struct {
	machines map[string]Connection
	display  map[string]string
	localID  string
	hookPort int
	log      *slog.Logger
}

// LoadRegistry reads the fleet file at path and builds a Connection per
// entry. A missing or malformed file, or an empty machine set, falls back to
// a single local machine; a misconfigured remote entry is skipped. The
// registry is always usable after this returns.
func LoadRegistry(path string, opts Options) *Registry {
	log := logging.ForComponent(logging.CompMachine)
	r := &Registry{
		machines: make(map[string]Connection),
		display:  make(map[string]string),
		hookPort: defaultHookPort,
		log:      log,
	}

	var fleet fleetFile
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		log.Info("machines_file_missing_local_only", slog.String("path", path))
	case err != nil:
		log.Warn("machines_file_unreadable_local_only",
			slog.String("path", path), slog.String("error", err.Error()))
	default:
		if err := json.Unmarshal(data, &fleet); err != nil {
			log.Warn("machines_file_malformed_local_only",
				slog.String("path", path), slog.String("error", err.Error()))
			fleet = fleetFile{}
		}
	}
	if fleet.HookPort > 0 {
		r.hookPort = fleet.HookPort
	}

	localProjects := config.ExpandTilde(opts.ProjectsDir)

	// Deterministic construction order; the last local entry in sorted
	// order is the designated local machine.
	ids := make([]string, 0, len(fleet.Machines))
	for id := range fleet.Machines {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		entry := fleet.Machines[id]
		if entry.Display != "" {
			r.display[id] = entry.Display
		}
		if entry.Type == "local" {
			r.machines[id] = NewLocal(id, opts.Tmux, opts.ClaudeCommand,
				projectsDirFor(entry, localProjects, true))
			r.localID = id
			continue
		}
		if entry.Host == "" || entry.User == "" {
			log.Warn("machine_entry_skipped_missing_host_or_user", slog.String("machine", id))
			continue
		}
		r.machines[id] = NewRemote(id, entry.Host, entry.User, opts.ClaudeCommand,
			projectsDirFor(entry, opts.ProjectsDir, false), opts.Tmux.Session())
	}

	if r.localID == "" {
		r.machines[DefaultLocalID] = NewLocal(DefaultLocalID, opts.Tmux,
			opts.ClaudeCommand, localProjects)
		r.localID = DefaultLocalID
	}
	return r
}

func projectsDirFor(entry fleetEntry, fallback string, local bool) string {
	dir := entry.ProjectsDir
	if dir == "" {
		dir = fallback
	}
	if local {
		return config.ExpandTilde(dir)
	}
	return dir
}

// Get returns the connection for id. Unknown ids resolve to the designated
// local machine so a stale binding degrades instead of failing delivery.
func (r *Registry) Get(id string) Connection {
	if m, ok := r.machines[id]; ok {
		return m
	}
	return r.machines[r.localID]
}

// All returns every connection, sorted by machine id.
func (r *Registry) All() []Connection {
	ids := make([]string, 0, len(r.machines))
	for id := range r.machines {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]Connection, len(ids))
	for i, id := range ids {
		out[i] = r.machines[id]
	}
	return out
}

// DisplayName returns the configured display name for id, or id itself.
func (r *Registry) DisplayName(id string) string {
	if name, ok := r.display[id]; ok {
		return name
	}
	return id
}

// LocalID returns the designated local machine id.
func (r *Registry) LocalID() string {
	return r.localID
}

// HookPort returns the configured hook server port.
func (r *Registry) HookPort() int {
	return r.hookPort
}

// Close tears down any persistent remote connections.
func (r *Registry) Close() {
	for _, m := range r.machines {
		if remote, ok := m.(*Remote); ok {
			remote.Close()
		}
	}
}
