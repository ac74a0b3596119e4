package realtime

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/matheus3301/msync/internal/auth"
	"github.com/matheus3301/msync/internal/bus"
	"go.uber.org/zap"
)

// roomIDPattern matches well-formed room identifiers. Anything else is
// rejected before a join is ever attempted.
var roomIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// ValidRoomID reports whether id is a well-formed room identifier.
func ValidRoomID(id string) bool {
	return roomIDPattern.MatchString(id)
}

type managerDeps struct {
	coord        *auth.Coordinator
	bus          *bus.Bus
	logger       *zap.Logger
	watermark    func(roomID string) int64
	online       func() bool
	dial         DialFunc
	backoffStart time.Duration
	backoffCap   time.Duration
}

// Manager owns the session's realtime channels: at most one personal
// channel plus one room channel per open conversation. Opening a room
// that is already open is a no-op; closing tears the channel down and
// forgets it.
type Manager struct {
	deps      managerDeps
	socketURL string

	mu       sync.Mutex
	personal *Channel
	rooms    map[string]*Channel
	userID   string
}

// Options tune the manager's reconnect behavior.
type Options struct {
	SocketURL    string
	BackoffStart time.Duration
	BackoffCap   time.Duration
	Dial         DialFunc
}

// NewManager wires a channel manager. watermark supplies the last known
// confirmed message timestamp for a room, online the current network
// verdict.
func NewManager(opts Options, coord *auth.Coordinator, b *bus.Bus, logger *zap.Logger, watermark func(string) int64, online func() bool) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Dial == nil {
		opts.Dial = defaultDial
	}
	if opts.BackoffStart <= 0 {
		opts.BackoffStart = time.Second
	}
	if opts.BackoffCap <= 0 {
		opts.BackoffCap = 5 * time.Second
	}
	if watermark == nil {
		watermark = func(string) int64 { return 0 }
	}
	if online == nil {
		online = func() bool { return true }
	}
	return &Manager{
		deps: managerDeps{
			coord:        coord,
			bus:          b,
			logger:       logger,
			watermark:    watermark,
			online:       online,
			dial:         opts.Dial,
			backoffStart: opts.BackoffStart,
			backoffCap:   opts.BackoffCap,
		},
		socketURL: opts.SocketURL,
		rooms:     make(map[string]*Channel),
	}
}

// OpenPersonal starts the session-wide personal channel. Idempotent.
func (m *Manager) OpenPersonal(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.personal != nil {
		return
	}
	ch := newChannel("personal", "", m.socketURL+"?channel=personal", m.subject(ctx), m.deps)
	m.personal = ch
	ch.Start(ctx)
}

// OpenRoom starts a room channel for the given conversation. Returns the
// channel, which may already exist.
func (m *Manager) OpenRoom(ctx context.Context, roomID string) (*Channel, error) {
	if !ValidRoomID(roomID) {
		return nil, fmt.Errorf("invalid room id %q", roomID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok := m.rooms[roomID]; ok {
		return ch, nil
	}
	ch := newChannel("room:"+roomID, roomID, m.socketURL, m.subject(ctx), m.deps)
	m.rooms[roomID] = ch
	ch.Start(ctx)
	return ch, nil
}

// CloseRoom tears down the channel for a conversation, if open.
func (m *Manager) CloseRoom(roomID string) {
	m.mu.Lock()
	ch, ok := m.rooms[roomID]
	delete(m.rooms, roomID)
	m.mu.Unlock()
	if ok {
		ch.Close()
	}
}

// Room returns the open channel for a conversation.
func (m *Manager) Room(roomID string) (*Channel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.rooms[roomID]
	return ch, ok
}

// CloseAll tears down every channel. Used at shutdown and on logout.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	personal := m.personal
	m.personal = nil
	rooms := m.rooms
	m.rooms = make(map[string]*Channel)
	m.mu.Unlock()

	if personal != nil {
		personal.Close()
	}
	for _, ch := range rooms {
		ch.Close()
	}
}

// States reports the connection state of every open channel, keyed by
// channel name.
func (m *Manager) States() map[string]ChannelState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]ChannelState, len(m.rooms)+1)
	if m.personal != nil {
		out["personal"] = m.personal.State()
	}
	for id, ch := range m.rooms {
		out["room:"+id] = ch.State()
	}
	return out
}

// subject resolves the user id for join handshakes, caching the first
// successful parse. Callers hold m.mu.
func (m *Manager) subject(ctx context.Context) string {
	if m.userID != "" {
		return m.userID
	}
	tok, err := m.deps.coord.Token(ctx)
	if err != nil {
		return ""
	}
	m.userID = auth.SubjectFromJWT(tok)
	return m.userID
}
