package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/unidesk/unidesk/collab-go/internal/op"
	"github.com/unidesk/unidesk/collab-go/internal/presence"
	"github.com/unidesk/unidesk/collab-go/internal/store"
)

// Room is the relay's per-document broadcast group. It holds the canonical
// content and version: clients that reconnect resync from the room, not
// from each other. All mutation of a room is serialized behind its lock;
// rooms never block each other.
type Room struct {
	DocumentID string

	mu           sync.Mutex
	content      string
	version      int64
	log          []op.Operation
	logCap       int
	clients      map[string]*Client // connection id -> client
	presence     *presence.Tracker
	lastActivity time.Time
}

func newRoom(documentID string, snap store.Snapshot, logCap int) *Room {
	return &Room{
		DocumentID:   documentID,
		content:      snap.Content,
		version:      snap.Version,
		logCap:       logCap,
		clients:      make(map[string]*Client),
		presence:     presence.NewTracker(documentID),
		lastActivity: time.Now(),
	}
}

// State returns the canonical content and version.
func (r *Room) State() (string, int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.content, r.version
}

// Collaborators returns the room's active collaborator list.
func (r *Room) Collaborators() []presence.Collaborator {
	return r.presence.Active()
}

// ApplyOperation records an operation in the bounded log, applies it to
// the canonical content and returns the resulting version. The relay never
// transforms; transformation is the clients' job.
func (r *Room) ApplyOperation(operation op.Operation) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.log = append(r.log, operation)
	if len(r.log) > r.logCap {
		r.log = r.log[len(r.log)-r.logCap:]
	}
	r.content = op.Apply(r.content, operation)
	r.version++
	r.lastActivity = time.Now()
	return r.version
}

// OperationLog returns the retained operation tail.
func (r *Room) OperationLog() []op.Operation {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]op.Operation, len(r.log))
	copy(out, r.log)
	return out
}

func (r *Room) addClient(c *Client) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[c.ConnID] = c
	r.presence.Touch(c.UserID, c.UserName)
	r.lastActivity = time.Now()
	return len(r.clients)
}

func (r *Room) removeClient(c *Client) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, c.ConnID)
	r.presence.Remove(c.UserID)
	r.lastActivity = time.Now()
	return len(r.clients)
}

// broadcast sends data to every member except the excluded connection.
// Delivery order matches call order: the relay rebroadcasts in arrival
// order and each client's write pump preserves send order.
func (r *Room) broadcast(data []byte, excludeConnID string) int {
	r.mu.Lock()
	receivers := make([]*Client, 0, len(r.clients))
	for id, c := range r.clients {
		if id != excludeConnID {
			receivers = append(receivers, c)
		}
	}
	r.mu.Unlock()

	for _, c := range receivers {
		c.SendRaw(data)
	}
	return len(receivers)
}

func (r *Room) memberCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

func (r *Room) idleSince() (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastActivity, len(r.clients) == 0
}

func (r *Room) touch() {
	r.mu.Lock()
	r.lastActivity = time.Now()
	r.mu.Unlock()
}

func (r *Room) snapshot() store.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return store.Snapshot{
		DocumentID: r.DocumentID,
		Content:    r.content,
		Version:    r.version,
		SavedAt:    time.Now(),
	}
}

// RegistryConfig tunes room lifecycle.
type RegistryConfig struct {
	LogCap        int
	IdleGrace     time.Duration // empty-room teardown delay
	SweepInterval time.Duration
	MaxIdleAge    time.Duration // sweep threshold
}

func (c *RegistryConfig) defaults() {
	if c.LogCap <= 0 {
		c.LogCap = 500
	}
	if c.IdleGrace <= 0 {
		c.IdleGrace = 30 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 30 * time.Minute
	}
	if c.MaxIdleAge <= 0 {
		c.MaxIdleAge = time.Hour
	}
}

// Registry owns every live room: create-on-first-join, teardown after an
// idle grace once empty, and a periodic sweep for rooms long inactive.
type Registry struct {
	mu      sync.RWMutex
	rooms   map[string]*Room
	store   store.Store
	cfg     RegistryConfig
	metrics *Metrics
}

// NewRegistry creates a registry persisting through st.
func NewRegistry(st store.Store, cfg RegistryConfig, metrics *Metrics) *Registry {
	cfg.defaults()
	return &Registry{
		rooms:   make(map[string]*Room),
		store:   st,
		cfg:     cfg,
		metrics: metrics,
	}
}

// GetOrCreate returns the room for a document, creating it from the latest
// stored snapshot on first join.
func (reg *Registry) GetOrCreate(ctx context.Context, documentID string) (*Room, error) {
	reg.mu.RLock()
	room, ok := reg.rooms[documentID]
	reg.mu.RUnlock()
	if ok {
		return room, nil
	}

	snap, err := reg.store.Load(ctx, documentID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	snap.DocumentID = documentID

	reg.mu.Lock()
	defer reg.mu.Unlock()
	if room, ok := reg.rooms[documentID]; ok {
		return room, nil
	}
	room = newRoom(documentID, snap, reg.cfg.LogCap)
	reg.rooms[documentID] = room
	reg.metrics.RoomsCreated.Add(1)
	slog.Info("room created", "doc", documentID, "version", snap.Version)
	return room, nil
}

// Get returns an existing room without creating one.
func (reg *Registry) Get(documentID string) (*Room, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	room, ok := reg.rooms[documentID]
	return room, ok
}

// Counts reports live rooms and total connected collaborators.
func (reg *Registry) Counts() (rooms, collaborators int) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	for _, room := range reg.rooms {
		collaborators += room.memberCount()
	}
	return len(reg.rooms), collaborators
}

// scheduleTeardown arms the empty-room grace timer. The room survives if
// anyone joins before it fires.
func (reg *Registry) scheduleTeardown(room *Room) {
	time.AfterFunc(reg.cfg.IdleGrace, func() {
		if room.memberCount() > 0 {
			return
		}
		reg.remove(room)
	})
}

func (reg *Registry) remove(room *Room) {
	reg.mu.Lock()
	current, ok := reg.rooms[room.DocumentID]
	if !ok || current != room {
		reg.mu.Unlock()
		return
	}
	delete(reg.rooms, room.DocumentID)
	reg.mu.Unlock()

	reg.persist(room)
	reg.metrics.RoomsDestroyed.Add(1)
	slog.Info("room torn down", "doc", room.DocumentID)
}

func (reg *Registry) persist(room *Room) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := reg.store.Save(ctx, room.snapshot()); err != nil {
		slog.Error("persist room snapshot", "doc", room.DocumentID, "error", err)
		return
	}
	reg.metrics.SnapshotsPersist.Add(1)
}

// Sweep evicts rooms inactive beyond MaxIdleAge. Returns how many were
// removed.
func (reg *Registry) Sweep() int {
	reg.mu.RLock()
	candidates := make([]*Room, 0, len(reg.rooms))
	for _, room := range reg.rooms {
		candidates = append(candidates, room)
	}
	reg.mu.RUnlock()

	evicted := 0
	cutoff := time.Now().Add(-reg.cfg.MaxIdleAge)
	for _, room := range candidates {
		last, empty := room.idleSince()
		if empty && last.Before(cutoff) {
			reg.remove(room)
			evicted++
		}
	}
	return evicted
}

// Run drives the periodic room sweep and every room's presence eviction
// tick until ctx is cancelled.
func (reg *Registry) Run(ctx context.Context) {
	sweep := time.NewTicker(reg.cfg.SweepInterval)
	presenceTick := time.NewTicker(presence.TickInterval)
	defer sweep.Stop()
	defer presenceTick.Stop()
	for {
		select {
		case <-sweep.C:
			if n := reg.Sweep(); n > 0 {
				slog.Info("room sweep", "evicted", n)
			}
		case <-presenceTick.C:
			reg.sweepPresence()
		case <-ctx.Done():
			return
		}
	}
}

// sweepPresence runs each live room's collaborator eviction pass.
func (reg *Registry) sweepPresence() {
	reg.mu.RLock()
	rooms := make([]*Room, 0, len(reg.rooms))
	for _, room := range reg.rooms {
		rooms = append(rooms, room)
	}
	reg.mu.RUnlock()

	for _, room := range rooms {
		room.presence.Sweep()
	}
}

// Shutdown persists every live room. Called on graceful server stop.
func (reg *Registry) Shutdown() {
	reg.mu.RLock()
	rooms := make([]*Room, 0, len(reg.rooms))
	for _, room := range reg.rooms {
		rooms = append(rooms, room)
	}
	reg.mu.RUnlock()

	for _, room := range rooms {
		reg.persist(room)
	}
}
