package session

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sjoeboo/chatmux/internal/machine"
)

// fakeMachines routes every id to one local connection rooted at a temp
// projects dir.
type fakeMachines struct {
	conn machine.Connection
}

func (f *fakeMachines) Get(id string) machine.Connection { return f.conn }
func (f *fakeMachines) LocalID() string                  { return "local" }

func newTestMonitor(t *testing.T, cfg MonitorConfig) (*Monitor, string) {
	t.Helper()
	projectsDir := t.TempDir()
	cfg.Machines = &fakeMachines{
		conn: machine.NewLocal("local", nil, "claude", projectsDir),
	}
	if cfg.LocalNamespace == "" {
		cfg.LocalNamespace = "chatmux"
	}
	return NewMonitor(cfg), projectsDir
}

func writeTranscript(t *testing.T, dir, name string, lines ...string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	var data []byte
	for _, line := range lines {
		data = append(data, line...)
		data = append(data, '\n')
	}
	require.NoError(t, os.WriteFile(path, data, 0600))
	return path
}

func TestReadNewLinesFromStart(t *testing.T) {
	m, dir := newTestMonitor(t, MonitorConfig{})
	path := writeTranscript(t, dir, "s1.jsonl",
		`{"type":"user","sessionId":"s1","uuid":"u1"}`,
		`{"type":"assistant","sessionId":"s1","uuid":"u2"}`,
	)
	info, err := os.Stat(path)
	require.NoError(t, err)

	tracked := &Tracked{SessionID: "s1", FilePath: path, MachineID: "local"}
	entries := m.readNewLines(context.Background(), tracked)

	require.Len(t, entries, 2)
	assert.Equal(t, "user", entries[0].Type)
	assert.Equal(t, "assistant", entries[1].Type)
	assert.Equal(t, info.Size(), tracked.Offset)
}

func TestReadNewLinesMidRecordOffsetRealigns(t *testing.T) {
	m, dir := newTestMonitor(t, MonitorConfig{})
	line1 := `{"type":"user","sessionId":"s1"}`
	line2 := `{"type":"assistant","sessionId":"s1"}`
	path := writeTranscript(t, dir, "s1.jsonl", line1, line2)

	// Offset landing inside the first record: the partial JSON fails to
	// decode, the cursor realigns to the next line boundary, nothing is
	// delivered this cycle.
	tracked := &Tracked{SessionID: "s1", FilePath: path, Offset: 5, MachineID: "local"}
	entries := m.readNewLines(context.Background(), tracked)

	assert.Empty(t, entries)
	assert.Equal(t, int64(len(line1)+1), tracked.Offset)

	// The next cycle decodes the second record cleanly.
	entries = m.readNewLines(context.Background(), tracked)
	require.Len(t, entries, 1)
	assert.Equal(t, "assistant", entries[0].Type)
	assert.Equal(t, int64(len(line1)+len(line2)+2), tracked.Offset)
}

func TestReadNewLinesTruncationResetsToStart(t *testing.T) {
	m, dir := newTestMonitor(t, MonitorConfig{})
	path := writeTranscript(t, dir, "s1.jsonl",
		`{"type":"user","sessionId":"s1"}`,
	)
	info, err := os.Stat(path)
	require.NoError(t, err)

	tracked := &Tracked{SessionID: "s1", FilePath: path, Offset: 9999, MachineID: "local"}
	entries := m.readNewLines(context.Background(), tracked)

	// Content before the truncation point is redelivered.
	require.Len(t, entries, 1)
	assert.Equal(t, "user", entries[0].Type)
	assert.Equal(t, info.Size(), tracked.Offset)
}

func TestReadNewLinesPartialTrailingRecord(t *testing.T) {
	m, dir := newTestMonitor(t, MonitorConfig{})
	path := writeTranscript(t, dir, "s1.jsonl",
		`{"type":"user","sessionId":"s1"}`,
		`{"type":"assistant","sessionId":"s1"}`,
	)
	info, err := os.Stat(path)
	require.NoError(t, err)

	tracked := &Tracked{SessionID: "s1", FilePath: path, MachineID: "local"}
	entries := m.readNewLines(context.Background(), tracked)
	require.Len(t, entries, 2)
	require.Equal(t, info.Size(), tracked.Offset)

	// Writer appends part of a record with no terminating newline: nothing
	// is consumed.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0600)
	require.NoError(t, err)
	_, err = f.WriteString(`{"ty`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	entries = m.readNewLines(context.Background(), tracked)
	assert.Empty(t, entries)
	assert.Equal(t, info.Size(), tracked.Offset)

	// The newline arrives: the completed record is delivered exactly once.
	f, err = os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0600)
	require.NoError(t, err)
	_, err = f.WriteString(`pe":"system","sessionId":"s1"}` + "\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	entries = m.readNewLines(context.Background(), tracked)
	require.Len(t, entries, 1)
	assert.Equal(t, "system", entries[0].Type)

	final, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, final.Size(), tracked.Offset)
}

func TestReadNewLinesMissingFile(t *testing.T) {
	m, dir := newTestMonitor(t, MonitorConfig{})

	tracked := &Tracked{SessionID: "s1", FilePath: filepath.Join(dir, "gone.jsonl"), Offset: 10, MachineID: "local"}
	entries := m.readNewLines(context.Background(), tracked)

	assert.Empty(t, entries)
	assert.Equal(t, int64(10), tracked.Offset)
}

func TestReadNewLinesInteriorCorruptRecordSkipped(t *testing.T) {
	m, dir := newTestMonitor(t, MonitorConfig{})
	path := writeTranscript(t, dir, "s1.jsonl",
		`{"type":"user","sessionId":"s1"}`,
		`this is not json`,
		`{"type":"assistant","sessionId":"s1"}`,
	)
	info, err := os.Stat(path)
	require.NoError(t, err)

	tracked := &Tracked{SessionID: "s1", FilePath: path, MachineID: "local"}
	entries := m.readNewLines(context.Background(), tracked)

	require.Len(t, entries, 2)
	assert.Equal(t, "user", entries[0].Type)
	assert.Equal(t, "assistant", entries[1].Type)
	assert.Equal(t, info.Size(), tracked.Offset)
}

func TestLoadSessionMapKeyParsing(t *testing.T) {
	mapFile := filepath.Join(t.TempDir(), "session_map.json")
	m, _ := newTestMonitor(t, MonitorConfig{SessionMapFile: mapFile, LocalNamespace: "chatmux"})

	payload := map[string]sessionMapEntry{
		"chatmux:@1": {SessionID: "sid-local", Cwd: "/home/u/app"},
		"devbox:@2":  {SessionID: "sid-remote", Cwd: "/srv/api", Machine: "devbox"},
		"other:@3":   {SessionID: "sid-prefix", Cwd: "/tmp"},
		"chatmux:@4": {SessionID: "", Cwd: "/ignored"},
		"nocolon":    {SessionID: "sid-bad", Cwd: "/ignored"},
	}
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(mapFile, data, 0600))

	parsed := m.loadSessionMap()
	require.Len(t, parsed, 3)

	assert.Equal(t, "local", parsed["@1"].MachineID)
	assert.Equal(t, "sid-local", parsed["@1"].SessionID)
	assert.Equal(t, "devbox", parsed["@2"].MachineID)
	// Machine field absent: the key prefix is the machine id.
	assert.Equal(t, "other", parsed["@3"].MachineID)
}

func TestReconcileTracksNewAndChangedSessions(t *testing.T) {
	mapFile := filepath.Join(t.TempDir(), "session_map.json")
	m, projectsDir := newTestMonitor(t, MonitorConfig{SessionMapFile: mapFile, LocalNamespace: "chatmux"})

	writeMap := func(sessionID string) {
		payload := map[string]sessionMapEntry{
			"chatmux:@1": {SessionID: sessionID, Cwd: "/home/u/app"},
		}
		data, err := json.Marshal(payload)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(mapFile, data, 0600))
	}

	writeMap("sid-1")
	m.Reconcile(context.Background())

	tracked, ok := m.TrackedSession("@1")
	require.True(t, ok)
	assert.Equal(t, "sid-1", tracked.SessionID)
	assert.Equal(t, int64(0), tracked.Offset)
	assert.Equal(t, projectsDir+"/-home-u-app/sid-1.jsonl", tracked.FilePath)

	// Same session id keeps its offset.
	m.Track("@1", Tracked{SessionID: "sid-1", FilePath: tracked.FilePath, Offset: 77, MachineID: "local"})
	m.Reconcile(context.Background())
	tracked, ok = m.TrackedSession("@1")
	require.True(t, ok)
	assert.Equal(t, int64(77), tracked.Offset)

	// A new session id replaces the cursor from offset zero.
	writeMap("sid-2")
	m.Reconcile(context.Background())
	tracked, ok = m.TrackedSession("@1")
	require.True(t, ok)
	assert.Equal(t, "sid-2", tracked.SessionID)
	assert.Equal(t, int64(0), tracked.Offset)
}

func TestReconcileUpdatesRegistryWindowState(t *testing.T) {
	dir := t.TempDir()
	mapFile := filepath.Join(dir, "session_map.json")
	registry, err := NewRegistry(filepath.Join(dir, "registry.json"))
	require.NoError(t, err)

	m, _ := newTestMonitor(t, MonitorConfig{
		SessionMapFile: mapFile,
		LocalNamespace: "chatmux",
		Registry:       registry,
	})

	payload := map[string]sessionMapEntry{
		"chatmux:@1": {SessionID: "sid-1", Cwd: "/home/u/app"},
	}
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(mapFile, data, 0600))

	m.Reconcile(context.Background())

	state := registry.WindowState("@1")
	assert.Equal(t, "sid-1", state.SessionID)
	assert.Equal(t, "/home/u/app", state.Cwd)
}

func TestMonitorStatePersistence(t *testing.T) {
	stateFile := filepath.Join(t.TempDir(), "monitor_state.json")

	m, _ := newTestMonitor(t, MonitorConfig{StateFile: stateFile})
	m.Track("@1", Tracked{SessionID: "sid-1", FilePath: "/p/sid-1.jsonl", Offset: 42, MachineID: "devbox"})
	m.saveState()

	m2, _ := newTestMonitor(t, MonitorConfig{StateFile: stateFile})
	m2.loadState()

	tracked, ok := m2.TrackedSession("@1")
	require.True(t, ok)
	assert.Equal(t, "sid-1", tracked.SessionID)
	assert.Equal(t, int64(42), tracked.Offset)
	assert.Equal(t, "devbox", tracked.MachineID)
}

func TestConsumerPanicDoesNotStopDelivery(t *testing.T) {
	var delivered []string
	m, dir := newTestMonitor(t, MonitorConfig{
		Consumer: func(windowID string, e Entry) {
			if e.Type == "user" {
				panic("consumer bug")
			}
			delivered = append(delivered, e.Type)
		},
	})
	path := writeTranscript(t, dir, "s1.jsonl",
		`{"type":"user","sessionId":"s1"}`,
		`{"type":"assistant","sessionId":"s1"}`,
	)

	m.Track("@1", Tracked{SessionID: "s1", FilePath: path, MachineID: "local"})
	tracked, _ := m.TrackedSession("@1")
	m.pollOne(context.Background(), "@1", &tracked)

	assert.Equal(t, []string{"assistant"}, delivered)

	// The offset advanced despite the panic; the bad record is not re-read.
	after, ok := m.TrackedSession("@1")
	require.True(t, ok)
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, info.Size(), after.Offset)
}

func TestOffsetPersistedAfterDelivery(t *testing.T) {
	stateFile := filepath.Join(t.TempDir(), "monitor_state.json")

	// Capture what was durable at delivery time: nothing should be, so a
	// crash mid-poll redelivers the range instead of dropping it.
	var persistedAtDelivery [][]byte
	cfg := MonitorConfig{
		StateFile: stateFile,
		Consumer: func(windowID string, e Entry) {
			data, _ := os.ReadFile(stateFile)
			persistedAtDelivery = append(persistedAtDelivery, data)
		},
	}
	m, dir := newTestMonitor(t, cfg)
	path := writeTranscript(t, dir, "s1.jsonl",
		`{"type":"user","sessionId":"s1"}`,
	)

	m.Track("@1", Tracked{SessionID: "s1", FilePath: path, MachineID: "local"})
	tracked, _ := m.TrackedSession("@1")
	m.pollOne(context.Background(), "@1", &tracked)

	require.Len(t, persistedAtDelivery, 1)
	assert.Nil(t, persistedAtDelivery[0])

	// After the poll completes the advanced offset is durable.
	data, err := os.ReadFile(stateFile)
	require.NoError(t, err)
	var state monitorState
	require.NoError(t, json.Unmarshal(data, &state))
	require.Contains(t, state.Sessions, "@1")
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, info.Size(), state.Sessions["@1"].Offset)
}

func TestTranscriptPath(t *testing.T) {
	assert.Equal(t,
		"/home/u/.claude/projects/-home-u-my-app/sid.jsonl",
		transcriptPath("/home/u/.claude/projects", "/home/u/my-app", "sid"))
	assert.Equal(t,
		"~/.claude/projects/-srv-api/sid.jsonl",
		transcriptPath("~/.claude/projects", "/srv/api", "sid"))
}
