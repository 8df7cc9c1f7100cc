package rooms

import (
	"context"
	"sync"

	"videoroom/internal/domain"
	"videoroom/internal/media"
	"videoroom/internal/recording"
)

// Registry is the process-wide room directory. It does not own the rooms it
// tracks: entries are non-owning and a room removes its own entry when it
// closes, so an id can be re-created fresh afterwards.
type Registry struct {
	engine media.Engine
	rec    recording.Options

	mu    sync.Mutex
	rooms map[domain.RoomID]*Room
}

func NewRegistry(engine media.Engine, rec recording.Options) *Registry {
	return &Registry{
		engine: engine,
		rec:    rec,
		rooms:  make(map[domain.RoomID]*Room),
	}
}

// GetOrCreateRoom returns a retained reference to the room with the given id,
// creating it (and its router) if absent or already torn down. The caller must
// Release the reference.
func (g *Registry) GetOrCreateRoom(ctx context.Context, id domain.RoomID) (*Room, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if room, ok := g.rooms[id]; ok && room.retain() {
		return room, nil
	}
	return g.createLocked(ctx, id)
}

// CreateRoom allocates a room under a fresh random id.
func (g *Registry) CreateRoom(ctx context.Context) (*Room, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.createLocked(ctx, domain.NewRoomID())
}

func (g *Registry) createLocked(ctx context.Context, id domain.RoomID) (*Room, error) {
	room, err := newRoom(ctx, g.engine, id, g.rec)
	if err != nil {
		// Failed rooms never enter the map.
		return nil, err
	}
	g.rooms[id] = room
	// Removal happens off the releasing goroutine: the close fires during the
	// last Release and must not contend for locks held by that code path.
	room.OnClose(func() {
		go g.remove(id, room)
	})
	return room, nil
}

func (g *Registry) remove(id domain.RoomID, room *Room) {
	g.mu.Lock()
	defer g.mu.Unlock()
	// The id may have been re-created already; only drop our own entry.
	if g.rooms[id] == room {
		delete(g.rooms, id)
	}
}
