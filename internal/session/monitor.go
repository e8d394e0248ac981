package session

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/sjoeboo/chatmux/internal/logging"
	"github.com/sjoeboo/chatmux/internal/machine"
)

// defaultPollInterval is used when MonitorConfig.Interval is zero.
const defaultPollInterval = time.Second

// Machines is the lookup surface the monitor needs from the machine
// registry.
type Machines interface {
	Get(id string) machine.Connection
	LocalID() string
}

// Consumer receives each decoded transcript entry, in file order. Delivery
// is at-least-once per byte range; consumers dedupe on record identity.
type Consumer func(windowID string, entry Entry)

// Tracked is one (window, backing session) pair under monitoring. Offset is
// the only field that changes during normal operation; it is monotonic
// except on truncation recovery.
type Tracked struct {
	SessionID string `json:"session_id"`
	FilePath  string `json:"file_path"`
	Offset    int64  `json:"last_byte_offset"`
	MachineID string `json:"machine_id"`
}

// monitorState is the persisted shape of the monitor's offset cursors.
type monitorState struct {
	Sessions  map[string]*Tracked `json:"sessions"`
	UpdatedAt time.Time           `json:"updated_at"`
}

// MonitorConfig wires a Monitor.
type MonitorConfig struct {
	Machines Machines
	Registry *Registry // optional; window states are mirrored into it
	Consumer Consumer

	// SessionMapFile is the externally written map of window -> backing
	// session, keyed "<namespace>:<window_id>".
	SessionMapFile string

	// StateFile persists offsets across restarts.
	StateFile string

	// LocalNamespace is the local multiplexer's session name; session-map
	// keys with this prefix belong to the local machine.
	LocalNamespace string

	Interval time.Duration
}

// Monitor tails the transcript files of every tracked session and hands
// decoded entries to the consumer. Sessions are polled concurrently; a
// stalled machine delays only the sessions routed through it.
type Monitor struct {
	machines  Machines
	registry  *Registry
	consumer  Consumer
	mapFile   string
	stateFile string
	localNS   string
	interval  time.Duration
	log       *slog.Logger

	mu       sync.Mutex
	tracked  map[string]*Tracked // window id -> cursor
	inflight map[string]bool     // window id -> poll in progress

	// saveMu serializes state commits; polls of different sessions finish
	// concurrently and would otherwise interleave backup rotation.
	saveMu sync.Mutex

	wg sync.WaitGroup
}

// NewMonitor creates a Monitor; call Run to start polling.
func NewMonitor(cfg MonitorConfig) *Monitor {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	consumer := cfg.Consumer
	if consumer == nil {
		consumer = func(string, Entry) {}
	}
	return &Monitor{
		machines:  cfg.Machines,
		registry:  cfg.Registry,
		consumer:  consumer,
		mapFile:   cfg.SessionMapFile,
		stateFile: cfg.StateFile,
		localNS:   cfg.LocalNamespace,
		interval:  interval,
		log:       logging.ForComponent(logging.CompMonitor),
		tracked:   make(map[string]*Tracked),
		inflight:  make(map[string]bool),
	}
}

// Run restores persisted offsets and polls until ctx is cancelled. The
// session-map file is additionally watched so new sessions are picked up
// without waiting for the next tick. Returns nil on clean shutdown.
func (m *Monitor) Run(ctx context.Context) error {
	m.loadState()

	mapChanged := m.watchSessionMap(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.wg.Wait()
			m.saveState()
			return nil
		case <-ticker.C:
		case <-mapChanged:
		}
		m.Reconcile(ctx)
		m.pollAll(ctx)
	}
}

// watchSessionMap sets up an fsnotify watcher on the session-map directory
// (the file itself is replaced atomically, so the directory is watched) and
// returns a coalescing notification channel. Watch failures degrade to
// tick-only reconciliation.
func (m *Monitor) watchSessionMap(ctx context.Context) <-chan struct{} {
	changed := make(chan struct{}, 1)
	if m.mapFile == "" {
		return changed
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		m.log.Warn("session_map_watch_unavailable", slog.String("error", err.Error()))
		return changed
	}
	dir := filepath.Dir(m.mapFile)
	if err := os.MkdirAll(dir, 0700); err != nil || watcher.Add(dir) != nil {
		m.log.Warn("session_map_watch_failed", slog.String("dir", dir))
		watcher.Close()
		return changed
	}
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != filepath.Base(m.mapFile) {
					continue
				}
				if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
					continue
				}
				select {
				case changed <- struct{}{}:
				default:
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return changed
}

// windowSession is one parsed session-map row.
type windowSession struct {
	SessionID string
	Cwd       string
	MachineID string
}

type sessionMapEntry struct {
	SessionID string `json:"session_id"`
	Cwd       string `json:"cwd"`
	Machine   string `json:"machine,omitempty"`
}

// loadSessionMap parses the externally written session map. Keys prefixed
// with the local multiplexer namespace are local; any other prefix is a
// remote entry tagged with its machine field (falling back to the prefix).
func (m *Monitor) loadSessionMap() map[string]windowSession {
	data, err := os.ReadFile(m.mapFile)
	if err != nil {
		return nil
	}
	var raw map[string]sessionMapEntry
	if err := json.Unmarshal(data, &raw); err != nil {
		m.log.Warn("session_map_malformed", slog.String("error", err.Error()))
		return nil
	}
	out := make(map[string]windowSession, len(raw))
	for key, entry := range raw {
		ns, windowID, ok := strings.Cut(key, ":")
		if !ok || windowID == "" || entry.SessionID == "" {
			continue
		}
		machineID := entry.Machine
		if ns == m.localNS {
			machineID = m.machines.LocalID()
		} else if machineID == "" {
			machineID = ns
		}
		out[windowID] = windowSession{
			SessionID: entry.SessionID,
			Cwd:       entry.Cwd,
			MachineID: machineID,
		}
	}
	return out
}

// Reconcile folds the current session map into the tracked set. A new or
// changed session id replaces the window's cursor starting at offset 0; an
// unchanged id keeps its offset. Windows absent from the map stay tracked:
// the map is written append-style, absence is not a kill signal.
func (m *Monitor) Reconcile(ctx context.Context) {
	current := m.loadSessionMap()
	if len(current) == 0 {
		return
	}

	var replaced []string
	m.mu.Lock()
	for windowID, ws := range current {
		existing, ok := m.tracked[windowID]
		if ok && existing.SessionID == ws.SessionID {
			continue
		}
		conn := m.machines.Get(ws.MachineID)
		m.tracked[windowID] = &Tracked{
			SessionID: ws.SessionID,
			FilePath:  transcriptPath(conn.ProjectsDir(), ws.Cwd, ws.SessionID),
			MachineID: ws.MachineID,
		}
		replaced = append(replaced, windowID)
	}
	m.mu.Unlock()

	if len(replaced) == 0 {
		return
	}
	for _, windowID := range replaced {
		ws := current[windowID]
		m.log.Info("session_tracked",
			slog.String("window", windowID),
			slog.String("session", ws.SessionID),
			slog.String("machine", ws.MachineID))
		if m.registry != nil {
			if err := m.registry.SetWindowSession(windowID, ws.SessionID, ws.Cwd); err != nil {
				m.log.Warn("window_state_update_failed",
					slog.String("window", windowID), slog.String("error", err.Error()))
			}
		}
	}
	m.saveState()
}

// pollAll launches one poll per tracked session that is not already in
// flight. Polls do not wait on each other; an unreachable machine holds up
// only its own sessions.
func (m *Monitor) pollAll(ctx context.Context) {
	jobs := make(map[string]Tracked)
	m.mu.Lock()
	for windowID, t := range m.tracked {
		if m.inflight[windowID] {
			continue
		}
		m.inflight[windowID] = true
		jobs[windowID] = *t
	}
	m.mu.Unlock()

	for windowID, t := range jobs {
		m.wg.Add(1)
		go func(windowID string, t Tracked) {
			defer m.wg.Done()
			defer func() {
				m.mu.Lock()
				delete(m.inflight, windowID)
				m.mu.Unlock()
			}()
			m.pollOne(ctx, windowID, &t)
		}(windowID, t)
	}
}

// pollOne reads newly appended bytes for one session, commits the advanced
// offset in memory, delivers decoded entries in file order, then persists
// the cursor. Persisting after delivery means a crash mid-poll redelivers
// the byte range on restart instead of dropping it.
func (m *Monitor) pollOne(ctx context.Context, windowID string, t *Tracked) {
	before := t.Offset
	entries := m.readNewLines(ctx, t)

	if t.Offset != before {
		m.mu.Lock()
		current, ok := m.tracked[windowID]
		// The cursor may have been replaced by reconciliation mid-read;
		// never write an old generation's offset onto a new session.
		if ok && current.SessionID == t.SessionID {
			current.Offset = t.Offset
		}
		m.mu.Unlock()
	}

	for i := range entries {
		m.deliver(windowID, entries[i])
	}

	if t.Offset != before {
		m.saveState()
	}
}

// deliver hands one entry to the consumer, containing any panic so a broken
// consumer cannot stop the poll loop or corrupt the already-advanced offset.
func (m *Monitor) deliver(windowID string, entry Entry) {
	defer func() {
		if rec := recover(); rec != nil {
			m.log.Error("consumer_panic",
				slog.String("window", windowID),
				slog.Any("panic", rec))
		}
	}()
	m.consumer(windowID, entry)
}

// readNewLines reads from t's offset through end-of-file and decodes the
// complete records found, advancing t.Offset past exactly the consumed
// bytes. Recovery cases:
//
//   - file absent: skip this cycle (not yet created, or deleted)
//   - reported size < offset: truncation; reset to 0 and re-read, accepting
//     redelivery of content that survived the truncation
//   - first record fails to decode: the offset landed mid-record (stale
//     cursor from a different file generation); advance to the next line
//     boundary and decode nothing this cycle
//
// A trailing record with no terminating newline is never consumed.
func (m *Monitor) readNewLines(ctx context.Context, t *Tracked) []Entry {
	conn := m.machines.Get(t.MachineID)

	size, ok := conn.FileSize(ctx, t.FilePath)
	if !ok {
		return nil
	}
	if size < t.Offset {
		m.log.Warn("transcript_truncated",
			slog.String("session", t.SessionID),
			slog.Int64("offset", t.Offset),
			slog.Int64("size", size))
		t.Offset = 0
	}
	if size == t.Offset {
		return nil
	}

	data := conn.ReadFileFromOffset(ctx, t.FilePath, t.Offset)
	if len(data) == 0 {
		return nil
	}

	entries, consumed, realigned := decodeRecords(data)
	if realigned {
		m.log.Warn("offset_realigned",
			slog.String("session", t.SessionID),
			slog.Int64("offset", t.Offset),
			slog.Int64("skipped", consumed))
	}
	t.Offset += consumed
	return entries
}

// decodeRecords splits data on newlines and decodes each complete record.
// consumed is the exact byte count the caller may advance past. When the
// very first record fails to decode, consumed covers only that record and
// realigned is true: the next read starts at a record boundary.
func decodeRecords(data []byte) (entries []Entry, consumed int64, realigned bool) {
	pos := 0
	first := true
	for {
		idx := bytes.IndexByte(data[pos:], '\n')
		if idx < 0 {
			break // trailing partial record: leave unconsumed
		}
		line := data[pos : pos+idx]
		next := pos + idx + 1

		trimmed := bytes.TrimSpace(line)
		if len(trimmed) == 0 {
			pos = next
			continue
		}

		entry, err := decodeEntry(trimmed)
		if err != nil {
			if first {
				return nil, int64(next), true
			}
			// Interior corruption: consume the bad record and continue.
			pos = next
			first = false
			continue
		}
		entries = append(entries, entry)
		pos = next
		first = false
	}
	return entries, int64(pos), false
}

// transcriptPath builds the transcript file path for a session: the
// projects root, the cwd flattened the way the agent names its project
// directories, then "<session_id>.jsonl". Always slash-separated; the path
// may target a remote machine.
func transcriptPath(projectsDir, cwd, sessionID string) string {
	flattened := strings.ReplaceAll(cwd, "/", "-")
	return projectsDir + "/" + flattened + "/" + sessionID + ".jsonl"
}

// TrackedSession returns a copy of the cursor for a window, for tests and
// introspection.
func (m *Monitor) TrackedSession(windowID string) (Tracked, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tracked[windowID]
	if !ok {
		return Tracked{}, false
	}
	return *t, true
}

// Track registers or replaces a cursor directly. Used by tests and by
// callers that learn of a session outside the session map.
func (m *Monitor) Track(windowID string, t Tracked) {
	m.mu.Lock()
	m.tracked[windowID] = &t
	m.mu.Unlock()
}

func (m *Monitor) loadState() {
	if m.stateFile == "" {
		return
	}
	data, err := loadWithBackups(m.stateFile, m.log)
	if err != nil || data == nil {
		if err != nil {
			m.log.Warn("monitor_state_unreadable", slog.String("error", err.Error()))
		}
		return
	}
	var state monitorState
	if err := json.Unmarshal(data, &state); err != nil {
		m.log.Warn("monitor_state_malformed", slog.String("error", err.Error()))
		return
	}
	m.mu.Lock()
	for windowID, t := range state.Sessions {
		if t != nil && t.SessionID != "" {
			m.tracked[windowID] = t
		}
	}
	m.mu.Unlock()
}

func (m *Monitor) saveState() {
	if m.stateFile == "" {
		return
	}
	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	m.mu.Lock()
	state := monitorState{
		Sessions:  make(map[string]*Tracked, len(m.tracked)),
		UpdatedAt: time.Now(),
	}
	for windowID, t := range m.tracked {
		copied := *t
		state.Sessions[windowID] = &copied
	}
	m.mu.Unlock()

	payload, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		m.log.Warn("monitor_state_marshal_failed", slog.String("error", err.Error()))
		return
	}
	if err := atomicWrite(m.stateFile, payload, m.log); err != nil {
		m.log.Warn("monitor_state_save_failed", slog.String("error", err.Error()))
	}
}
