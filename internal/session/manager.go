package session

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fleetshell/sctl/internal/buffer"
	"github.com/fleetshell/sctl/internal/journal"
)

// namePattern validates session display names: alphanumeric + hyphens,
// 1-32 chars, starting alphanumeric.
var namePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9-]{0,31}$`)

const (
	aiIdleTimeout  = 60 * time.Second
	defaultIdleGap = 60 * time.Second // threshold used to derive "idle" in List()
)

// ErrSessionLimit is returned by CreateSession when the manager is at
// max-sessions capacity.
var ErrSessionLimit = fmt.Errorf("session: at capacity")

// ErrNotFound is returned by any per-id operation on an unknown session.
var ErrNotFound = fmt.Errorf("session: not found")

// ErrAINotAllowed is returned by SetAIStatus(working=true) when the
// session's user_allows_ai gate is false.
var ErrAINotAllowed = fmt.Errorf("session: AI control not permitted")

// Entry wraps a Managed Session with pool bookkeeping.
type Entry struct {
	Session *Session

	mu             sync.Mutex
	Persistent     bool
	Attached       bool
	LastActivity   time.Time
	IdleTimeout    time.Duration // 0 = never auto-kill
	Name           string
	CreatedAt      time.Time
	UserAllowsAI   bool
	AIWorking      bool
	AIActivity     string
	AIMessage      string
	AILastActivity time.Time
}

func (e *Entry) touch() {
	e.mu.Lock()
	e.LastActivity = time.Now()
	e.mu.Unlock()
}

// Info is a point-in-time snapshot of an Entry for listing.
type Info struct {
	ID           string
	Name         string
	PID          int
	PTY          bool
	Persistent   bool
	Attached     bool
	Idle         bool
	IdleTimeout  time.Duration
	Status       string
	ExitCode     *int
	CreatedAt    time.Time
	LastActivity time.Time
	UserAllowsAI bool
	AIWorking    bool
	AIActivity   string
	AIMessage    string
}

// EventKind discriminates Manager lifecycle events returned by Sweep (and,
// for single operations, by the caller wrapping a direct call).
type EventKind string

const (
	EventDestroyed         EventKind = "destroyed"
	EventAIAutoCleared     EventKind = "ai_auto_cleared"
	EventAIPermissionChanged EventKind = "ai_permission_changed"
	EventAIStatusChanged   EventKind = "ai_status_changed"
)

// Event is a Manager-level lifecycle notification the caller (WS protocol
// layer) broadcasts to subscribed clients.
type Event struct {
	Kind      EventKind
	SessionID string
	Reason    string // for Destroyed: "exited" | "idle_timeout" | "killed"
	AIWorking bool
}

// Config holds the pool-wide limits applied to every session.
type Config struct {
	MaxSessions int
	BufferSize  int
	DataDir     string
	JournalOn   bool
}

// Manager pools Sessions behind a single write-lock-protected map.
type Manager struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	cfg     Config
}

// NewManager creates an empty Manager with the given pool-wide limits.
func NewManager(cfg Config) *Manager {
	return &Manager{
		entries: make(map[string]*Entry),
		cfg:     cfg,
	}
}

// CreateOpts are the per-session parameters accepted by CreateSession.
type CreateOpts struct {
	ShellPath    string
	Args         []string
	WorkingDir   string
	Env          []string
	Persistent   bool
	PTY          bool
	Rows, Cols   uint16
	IdleTimeout  time.Duration
	Name         string
	UserAllowsAI bool
}

// CreateSession allocates a UUIDv4 session id, spawns the shell, and
// inserts the resulting Entry. The limit check and the insert happen
// under the same write lock to prevent a TOCTOU race between two
// concurrent creates. A leading ~ in WorkingDir is expanded to $HOME.
func (m *Manager) CreateSession(opts CreateOpts) (*Entry, error) {
	wd := expandHome(opts.WorkingDir)

	m.mu.Lock()
	if m.cfg.MaxSessions > 0 && len(m.entries) >= m.cfg.MaxSessions {
		m.mu.Unlock()
		return nil, ErrSessionLimit
	}

	id := uuid.NewString()

	var sink buffer.Sink
	if m.cfg.JournalOn {
		w, err := journal.Create(filepath.Join(m.cfg.DataDir, "sessions"), id, journal.Metadata{
			V:          journal.MetaVersion,
			Shell:      opts.ShellPath,
			WorkingDir: wd,
			Persistent: opts.Persistent,
			PTY:        opts.PTY,
			Created:    time.Now().UnixMilli(),
		})
		if err != nil {
			m.mu.Unlock()
			return nil, fmt.Errorf("creating journal: %w", err)
		}
		sink = w
	}

	sess, err := Launch(id, LaunchOpts{
		ShellPath:  opts.ShellPath,
		Args:       opts.Args,
		WorkingDir: wd,
		Env:        opts.Env,
		PTY:        opts.PTY,
		Rows:       opts.Rows,
		Cols:       opts.Cols,
		BufferCap:  m.cfg.BufferSize,
		Sink:       sink,
	})
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}

	now := time.Now()
	entry := &Entry{
		Session:      sess,
		Persistent:   opts.Persistent,
		LastActivity: now,
		IdleTimeout:  opts.IdleTimeout,
		Name:         opts.Name,
		CreatedAt:    now,
		UserAllowsAI: opts.UserAllowsAI,
	}
	m.entries[id] = entry
	m.mu.Unlock()

	return entry, nil
}

func expandHome(wd string) string {
	if wd == "~" || strings.HasPrefix(wd, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(wd, "~"))
		}
	}
	return wd
}

func (m *Manager) get(id string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e, nil
}

// Attach marks a session attached, touches last-activity, and returns its
// buffer for streaming.
func (m *Manager) Attach(id string) (*buffer.Buffer, error) {
	e, err := m.get(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.Attached = true
	e.LastActivity = time.Now()
	e.mu.Unlock()
	return e.Session.Buffer, nil
}

// Detach flips the attached flag off.
func (m *Manager) Detach(id string) error {
	e, err := m.get(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.Attached = false
	e.mu.Unlock()
	return nil
}

// DetachAll detaches every listed session id, ignoring unknown ids.
func (m *Manager) DetachAll(ids []string) {
	for _, id := range ids {
		_ = m.Detach(id)
	}
}

// WriteStdin forwards to the session, touching last-activity on success.
func (m *Manager) WriteStdin(id string, data []byte) error {
	e, err := m.get(id)
	if err != nil {
		return err
	}
	if err := e.Session.WriteStdin(data); err != nil {
		return err
	}
	e.touch()
	return nil
}

// Resize forwards to the session.
func (m *Manager) Resize(id string, rows, cols uint16) error {
	e, err := m.get(id)
	if err != nil {
		return err
	}
	return e.Session.Resize(rows, cols)
}

// SendSignal forwards to the session, touching last-activity.
func (m *Manager) SendSignal(id string, sig int) error {
	e, err := m.get(id)
	if err != nil {
		return err
	}
	if err := e.Session.SendSignal(syscallSignal(sig)); err != nil {
		return err
	}
	e.touch()
	return nil
}

// Rename updates an entry's display name.
func (m *Manager) Rename(id, name string) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("invalid name %q: must be 1-32 alphanumeric characters or hyphens, starting alphanumeric", name)
	}
	e, err := m.get(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.Name = name
	e.mu.Unlock()
	return nil
}

// KillSession removes the session from the pool then gracefully kills it
// outside the lock, so a slow kill does not block other operations.
func (m *Manager) KillSession(id string) error {
	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	delete(m.entries, id)
	m.mu.Unlock()

	e.Session.GracefulKill()
	return nil
}

// KillAll performs a phased shutdown of every session: SIGTERM to every
// group, a shared 3s grace window, then SIGKILL for stragglers.
func (m *Manager) KillAll() {
	m.mu.Lock()
	entries := make([]*Entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.entries = make(map[string]*Entry)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, e := range entries {
		wg.Add(1)
		go func(e *Entry) {
			defer wg.Done()
			e.Session.GracefulKill()
		}(e)
	}
	wg.Wait()
}

// List returns a snapshot of every known session, sorted by creation time.
func (m *Manager) List() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()

	infos := make([]Info, 0, len(m.entries))
	for id, e := range m.entries {
		infos = append(infos, m.snapshot(id, e))
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].CreatedAt.Before(infos[j].CreatedAt) })
	return infos
}

func (m *Manager) snapshot(id string, e *Entry) Info {
	status, exitCode := e.Session.StatusAndExitCode()

	e.mu.Lock()
	defer e.mu.Unlock()
	idle := !e.Attached && time.Since(e.LastActivity) > defaultIdleGap
	return Info{
		ID:           id,
		Name:         e.Name,
		PID:          e.Session.PID,
		PTY:          e.Session.PTY,
		Persistent:   e.Persistent,
		Attached:     e.Attached,
		Idle:         idle,
		IdleTimeout:  e.IdleTimeout,
		Status:       status.String(),
		ExitCode:     exitCode,
		CreatedAt:    e.CreatedAt,
		LastActivity: e.LastActivity,
		UserAllowsAI: e.UserAllowsAI,
		AIWorking:    e.AIWorking,
		AIActivity:   e.AIActivity,
		AIMessage:    e.AIMessage,
	}
}

// SetAIStatus implements the AI-control contract: setting working=true
// fails if the user_allows_ai gate is false.
func (m *Manager) SetAIStatus(id string, working bool, activity, message string) error {
	e, err := m.get(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if working && !e.UserAllowsAI {
		return ErrAINotAllowed
	}
	e.AIWorking = working
	e.AIActivity = activity
	e.AIMessage = message
	e.AILastActivity = time.Now()
	return nil
}

// SetUserAllowsAI flips the user-controlled gate. If allowed is being set
// false while AI is actively working, the AI state is cleared and the
// second return value is true so the caller knows to broadcast both
// ai_permission_changed and ai_status_changed(false).
func (m *Manager) SetUserAllowsAI(id string, allowed bool) (cleared bool, err error) {
	e, err := m.get(id)
	if err != nil {
		return false, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.UserAllowsAI = allowed
	if !allowed && e.AIWorking {
		e.AIWorking = false
		e.AIActivity = ""
		e.AIMessage = ""
		cleared = true
	}
	return cleared, nil
}

// Sweep runs the three maintenance passes under the write lock (graceful
// kills are lifted outside) and returns the events the caller should
// broadcast.
func (m *Manager) Sweep() []Event {
	var events []Event
	var toKill []*Entry

	m.mu.Lock()
	for id, e := range m.entries {
		e.mu.Lock()
		if e.AIWorking && time.Since(e.AILastActivity) > aiIdleTimeout {
			e.AIWorking = false
			e.AIActivity = ""
			e.AIMessage = ""
			events = append(events, Event{Kind: EventAIAutoCleared, SessionID: id})
		}
		e.mu.Unlock()
	}

	for id, e := range m.entries {
		if status, _ := e.Session.StatusAndExitCode(); status == Exited {
			delete(m.entries, id)
			events = append(events, Event{Kind: EventDestroyed, SessionID: id, Reason: "exited"})
		}
	}

	for id, e := range m.entries {
		e.mu.Lock()
		idleCutoff := e.IdleTimeout > 0 && !e.Attached && time.Since(e.LastActivity) > e.IdleTimeout
		e.mu.Unlock()
		if idleCutoff {
			delete(m.entries, id)
			toKill = append(toKill, e)
			events = append(events, Event{Kind: EventDestroyed, SessionID: id, Reason: "idle_timeout"})
		}
	}
	m.mu.Unlock()

	for _, e := range toKill {
		e.Session.GracefulKill()
	}

	return events
}

// RecoverFromJournal loads every archived session recovered from disk
// journals and inserts it into the pool as exited, not attached,
// persistent per its recorded metadata, with AI permitted by default.
func (m *Manager) RecoverFromJournal(recovered []journal.Recovered) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range recovered {
		sess := Archive(r.SessionID, r.Entries, m.cfg.BufferSize, r.ExitCode)
		m.entries[r.SessionID] = &Entry{
			Session:      sess,
			Persistent:   r.Meta.Persistent,
			CreatedAt:    time.UnixMilli(r.Meta.Created),
			LastActivity: time.UnixMilli(r.Meta.Created),
			UserAllowsAI: true,
		}
	}
}
