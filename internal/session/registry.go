// Package session maintains the binding between conversation threads and
// terminal windows, and incrementally tails the transcript files of the
// sessions running in those windows.
package session

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sjoeboo/chatmux/internal/logging"
	"github.com/sjoeboo/chatmux/internal/machine"
)

// groupNilThreadKey is the reserved sentinel for a nil thread id in the
// group-chat table. Distinct from thread id 0, which is a real thread.
const groupNilThreadKey = "none"

// Binding associates a conversation thread with a window on a machine.
type Binding struct {
	WindowID  string `json:"window_id"`
	Machine   string `json:"machine"`
	Dangerous bool   `json:"dangerous,omitempty"`
}

// Key returns the reverse-lookup key "machine:window".
func (b Binding) Key() string {
	return b.Machine + ":" + b.WindowID
}

// UnmarshalJSON accepts both the current object form and the legacy form
// where a binding was persisted as a bare window-id string.
func (b *Binding) UnmarshalJSON(data []byte) error {
	var windowID string
	if err := json.Unmarshal(data, &windowID); err == nil {
		b.WindowID = windowID
		b.Machine = machine.DefaultLocalID
		b.Dangerous = false
		return nil
	}
	type alias Binding
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*b = Binding(a)
	if b.Machine == "" {
		b.Machine = machine.DefaultLocalID
	}
	return nil
}

// WindowState is the last-known backing session for a window. An empty
// SessionID means "no active session" and is a valid state, not an error.
type WindowState struct {
	SessionID string `json:"session_id"`
	Cwd       string `json:"cwd"`
}

// ThreadBinding pairs a binding with the thread it belongs to, for iteration.
type ThreadBinding struct {
	UserID   int64
	ThreadID int64
	Binding  Binding
}

// registryData is the persisted shape of the registry.
type registryData struct {
	ThreadBindings map[string]Binding     `json:"thread_bindings"`
	WindowStates   map[string]WindowState `json:"window_states"`
	DisplayNames   map[string]string      `json:"window_display_names"`
	GroupChatIDs   map[string]int64       `json:"group_chat_ids"`
	UpdatedAt      time.Time              `json:"updated_at"`
}

// Registry is the persisted session/binding store. Every mutating method
// commits the entire state atomically before returning and is safe for
// concurrent use from multiple request handlers.
type Registry struct {
	mu   sync.Mutex
	path string
	log  *slog.Logger

	threadBindings map[string]Binding
	windowStates   map[string]WindowState
	displayNames   map[string]string
	groupChatIDs   map[string]int64
}

// NewRegistry loads the registry persisted at path, recovering from backups
// if the main file is corrupt. A missing file yields an empty registry.
func NewRegistry(path string) (*Registry, error) {
	r := &Registry{
		path:           path,
		log:            logging.ForComponent(logging.CompRegistry),
		threadBindings: make(map[string]Binding),
		windowStates:   make(map[string]WindowState),
		displayNames:   make(map[string]string),
		groupChatIDs:   make(map[string]int64),
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

func threadKey(userID, threadID int64) string {
	return strconv.FormatInt(userID, 10) + ":" + strconv.FormatInt(threadID, 10)
}

func groupKey(userID int64, threadID *int64) string {
	if threadID == nil {
		return strconv.FormatInt(userID, 10) + ":" + groupNilThreadKey
	}
	return threadKey(userID, *threadID)
}

// BindThread attaches a thread to a window, replacing any prior binding for
// that thread unconditionally. machineID defaults to the local machine; a
// non-empty windowName is recorded as the window's display name.
func (r *Registry) BindThread(userID, threadID int64, windowID, windowName, machineID string, dangerous bool) error {
	if machineID == "" {
		machineID = machine.DefaultLocalID
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.threadBindings[threadKey(userID, threadID)] = Binding{
		WindowID:  windowID,
		Machine:   machineID,
		Dangerous: dangerous,
	}
	if windowName != "" {
		r.displayNames[windowID] = windowName
	}
	return r.save()
}

// UnbindThread removes the binding for a thread, returning the window id it
// pointed at, if any.
func (r *Registry) UnbindThread(userID, threadID int64) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := threadKey(userID, threadID)
	binding, ok := r.threadBindings[key]
	if !ok {
		return "", nil
	}
	delete(r.threadBindings, key)
	return binding.WindowID, r.save()
}

// BindingForThread returns the binding for a thread.
func (r *Registry) BindingForThread(userID, threadID int64) (Binding, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.threadBindings[threadKey(userID, threadID)]
	return b, ok
}

// WindowForThread resolves a thread to its bound window id. A nil thread id
// never resolves: private chats have no per-thread windows.
func (r *Registry) WindowForThread(userID int64, threadID *int64) (string, bool) {
	if threadID == nil {
		return "", false
	}
	b, ok := r.BindingForThread(userID, *threadID)
	if !ok {
		return "", false
	}
	return b.WindowID, true
}

// ThreadBindings returns a snapshot of every thread binding.
func (r *Registry) ThreadBindings() []ThreadBinding {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ThreadBinding, 0, len(r.threadBindings))
	for key, b := range r.threadBindings {
		userPart, threadPart, ok := strings.Cut(key, ":")
		if !ok {
			continue
		}
		userID, err1 := strconv.ParseInt(userPart, 10, 64)
		threadID, err2 := strconv.ParseInt(threadPart, 10, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		out = append(out, ThreadBinding{UserID: userID, ThreadID: threadID, Binding: b})
	}
	return out
}

// WindowState returns the state for a window, creating the empty "no active
// session" state if none is recorded.
func (r *Registry) WindowState(windowID string) WindowState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.windowStates[windowID]
}

// SetWindowSession records the backing session id and working directory for
// a window.
func (r *Registry) SetWindowSession(windowID, sessionID, cwd string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.windowStates[windowID] = WindowState{SessionID: sessionID, Cwd: cwd}
	return r.save()
}

// ClearWindowSession resets a window to the "no active session" state.
func (r *Registry) ClearWindowSession(windowID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	state := r.windowStates[windowID]
	state.SessionID = ""
	r.windowStates[windowID] = state
	return r.save()
}

// DisplayName returns the recorded display name for a window, falling back
// to the window id.
func (r *Registry) DisplayName(windowID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if name, ok := r.displayNames[windowID]; ok && name != "" {
		return name
	}
	return windowID
}

// SetDisplayName records a display name for a window.
func (r *Registry) SetDisplayName(windowID, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.displayNames[windowID] = name
	return r.save()
}

// SetGroupChatID records the canonical chat id for messages belonging to
// (userID, threadID). Needed for forum-style group chats, where the chat to
// send to differs from the requesting user id.
func (r *Registry) SetGroupChatID(userID int64, threadID *int64, chatID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.groupChatIDs[groupKey(userID, threadID)] = chatID
	return r.save()
}

// ResolveChatID returns the stored group chat id for (userID, threadID), or
// userID when none is stored. A nil thread id always resolves to userID:
// group addresses are thread-scoped only.
func (r *Registry) ResolveChatID(userID int64, threadID *int64) int64 {
	if threadID == nil {
		return userID
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if chatID, ok := r.groupChatIDs[groupKey(userID, threadID)]; ok {
		return chatID
	}
	return userID
}

// GroupChatID returns the raw stored group chat id for a key, for callers
// that need presence rather than fallback resolution.
func (r *Registry) GroupChatID(userID int64, threadID *int64) (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	chatID, ok := r.groupChatIDs[groupKey(userID, threadID)]
	return chatID, ok
}

// IsWindowID reports whether s is a literal window id ("@" followed by
// digits) rather than a window display name.
func IsWindowID(s string) bool {
	if len(s) < 2 || s[0] != '@' {
		return false
	}
	for _, c := range s[1:] {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// load reads the persisted registry, trying backups if the main file fails
// to parse.
func (r *Registry) load() error {
	if r.path == "" {
		return nil
	}
	data, err := loadWithBackups(r.path, r.log)
	if err != nil {
		return err
	}
	if data == nil {
		return nil
	}
	var persisted registryData
	if err := json.Unmarshal(data, &persisted); err != nil {
		return fmt.Errorf("parse registry %s: %w", r.path, err)
	}
	if persisted.ThreadBindings != nil {
		r.threadBindings = persisted.ThreadBindings
	}
	if persisted.WindowStates != nil {
		r.windowStates = persisted.WindowStates
	}
	if persisted.DisplayNames != nil {
		r.displayNames = persisted.DisplayNames
	}
	if persisted.GroupChatIDs != nil {
		r.groupChatIDs = persisted.GroupChatIDs
	}
	return nil
}

// save persists the entire registry state atomically. Caller holds r.mu.
func (r *Registry) save() error {
	if r.path == "" {
		return nil
	}
	data := registryData{
		ThreadBindings: r.threadBindings,
		WindowStates:   r.windowStates,
		DisplayNames:   r.displayNames,
		GroupChatIDs:   r.groupChatIDs,
		UpdatedAt:      time.Now(),
	}
	payload, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal registry: %w", err)
	}
	return atomicWrite(r.path, payload, r.log)
}

// loadWithBackups reads path, falling back through rolling backups when the
// main file is corrupt. Returns nil data when nothing exists.
func loadWithBackups(path string, log *slog.Logger) ([]byte, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if json.Valid(data) {
		return data, nil
	}
	log.Warn("state_file_corrupt_trying_backups", slog.String("path", path))
	for i := 0; i < maxBackupGenerations; i++ {
		bakPath := backupPath(path, i)
		bak, err := os.ReadFile(bakPath)
		if err != nil {
			continue
		}
		if json.Valid(bak) {
			log.Info("state_recovered_from_backup", slog.String("path", bakPath))
			return bak, nil
		}
	}
	return nil, fmt.Errorf("state file %s corrupt and no valid backup", path)
}
