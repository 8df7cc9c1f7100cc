// Package rooms holds the shared state of one call: who is in it, which
// streams exist, who gets told about them, and the optional live recording.
package rooms

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"videoroom/internal/domain"
	"videoroom/internal/media"
	"videoroom/internal/metrics"
	"videoroom/internal/recording"
)

var (
	ErrAlreadyRecording   = errors.New("room already has an active recording")
	ErrUnknownParticipant = errors.New("unknown participant")
	ErrRoomClosed         = errors.New("room is closed")
)

// client is the room-side entry for one participant: a display name and the
// producers it created here, in creation order.
type client struct {
	name      string
	producers []media.Producer
}

// Room is shared by every session connected to the same call. Ownership is an
// explicit reference count: the registry hands out retained references, each
// session releases its own, and the room tears down exactly once when the
// count reaches zero.
type Room struct {
	id     domain.RoomID
	router media.Router
	rec    recording.Options
	log    zerolog.Logger

	mu       sync.Mutex
	refs     int
	closed   bool
	clients  map[domain.ParticipantID]*client
	recorder *recording.Recorder

	nextListener   uint64
	producerAdd    map[uint64]func(domain.ParticipantID, string, media.Producer)
	producerRemove map[uint64]func(domain.ParticipantID, string)
	closeListeners map[uint64]func()
}

// newRoom creates the underlying router. The returned room carries one
// reference, owned by the caller.
func newRoom(ctx context.Context, engine media.Engine, id domain.RoomID, rec recording.Options) (*Room, error) {
	router, err := engine.CreateRouter(ctx, MediaCodecs())
	if err != nil {
		return nil, fmt.Errorf("failed to create router for room %s: %w", id, err)
	}

	r := &Room{
		id:             id,
		router:         router,
		rec:            rec,
		log:            log.With().Str("module", "rooms").Str("room", string(id)).Logger(),
		refs:           1,
		clients:        make(map[domain.ParticipantID]*client),
		producerAdd:    make(map[uint64]func(domain.ParticipantID, string, media.Producer)),
		producerRemove: make(map[uint64]func(domain.ParticipantID, string)),
		closeListeners: make(map[uint64]func()),
	}

	metrics.RoomsCreatedTotal.Inc()
	metrics.ActiveRooms.Inc()
	r.log.Info().Msg("room created")
	return r, nil
}

func (r *Room) ID() domain.RoomID    { return r.id }
func (r *Room) Router() media.Router { return r.router }

// retain takes another reference. It fails once the room started closing,
// which tells the registry to build a fresh room for the same id.
func (r *Room) retain() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.refs++
	return true
}

// Release drops one reference. The last release closes the room: the recorder
// is stopped, the router freed and close listeners fire exactly once.
func (r *Room) Release() {
	r.mu.Lock()
	r.refs--
	if r.refs > 0 || r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	recorder := r.recorder
	r.recorder = nil
	listeners := make([]func(), 0, len(r.closeListeners))
	for _, cb := range r.closeListeners {
		listeners = append(listeners, cb)
	}
	r.mu.Unlock()

	if recorder != nil {
		if err := recorder.Stop(context.Background()); err != nil {
			r.log.Error().Err(err).Msg("failed to stop recording on room close")
		}
		metrics.ActiveRecordings.Dec()
	}
	if err := r.router.Close(); err != nil {
		r.log.Error().Err(err).Msg("failed to close router")
	}
	for _, cb := range listeners {
		cb()
	}

	metrics.ActiveRooms.Dec()
	r.log.Info().Msg("room closed")
}

// SetParticipantName upserts the client entry's display name.
func (r *Room) SetParticipantName(id domain.ParticipantID, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[id]
	if !ok {
		c = &client{}
		r.clients[id] = c
	}
	c.name = name
}

// AddProducer registers a new stream and notifies current subscribers.
// Subscribers added after this call do not see it retroactively; they catch up
// via GetAllProducers.
func (r *Room) AddProducer(id domain.ParticipantID, producer media.Producer) {
	r.mu.Lock()
	c, ok := r.clients[id]
	if !ok {
		c = &client{}
		r.clients[id] = c
	}
	c.producers = append(c.producers, producer)
	name := c.name
	listeners := r.producerAddSnapshot()
	r.mu.Unlock()

	metrics.ActiveProducers.WithLabelValues(string(producer.Kind())).Inc()
	for _, cb := range listeners {
		cb(id, name, producer)
	}
}

// RemoveParticipant removes the client entry and fans out one producer-removed
// event per producer it had. Removing an unknown participant is a no-op.
func (r *Room) RemoveParticipant(id domain.ParticipantID) {
	r.mu.Lock()
	c, ok := r.clients[id]
	if ok {
		delete(r.clients, id)
	}
	listeners := r.producerRemoveSnapshot()
	r.mu.Unlock()
	if !ok {
		return
	}

	for _, producer := range c.producers {
		metrics.ActiveProducers.WithLabelValues(string(producer.Kind())).Dec()
		for _, cb := range listeners {
			cb(id, producer.ID())
		}
	}
}

// GetAllProducers snapshots every stream in the room, used by newly joined
// participants to learn about pre-existing streams.
func (r *Room) GetAllProducers() []domain.ProducerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.ProducerInfo
	for id, c := range r.clients {
		for _, producer := range c.producers {
			out = append(out, domain.ProducerInfo{
				ParticipantID: id,
				Name:          c.name,
				ProducerID:    producer.ID(),
			})
		}
	}
	return out
}

// Subscription detaches one event listener when closed.
type Subscription struct {
	remove func()
	once   sync.Once
}

func (s *Subscription) Close() {
	s.once.Do(s.remove)
}

func (r *Room) OnProducerAdd(cb func(domain.ParticipantID, string, media.Producer)) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextListener
	r.nextListener++
	r.producerAdd[id] = cb
	return &Subscription{remove: func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.producerAdd, id)
	}}
}

func (r *Room) OnProducerRemove(cb func(domain.ParticipantID, string)) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextListener
	r.nextListener++
	r.producerRemove[id] = cb
	return &Subscription{remove: func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.producerRemove, id)
	}}
}

// OnClose registers a callback invoked exactly once, when the last reference
// is released. The callback runs without the room's lock held.
func (r *Room) OnClose(cb func()) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextListener
	r.nextListener++
	r.closeListeners[id] = cb
	return &Subscription{remove: func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.closeListeners, id)
	}}
}

func (r *Room) producerAddSnapshot() []func(domain.ParticipantID, string, media.Producer) {
	out := make([]func(domain.ParticipantID, string, media.Producer), 0, len(r.producerAdd))
	for _, cb := range r.producerAdd {
		out = append(out, cb)
	}
	return out
}

func (r *Room) producerRemoveSnapshot() []func(domain.ParticipantID, string) {
	out := make([]func(domain.ParticipantID, string), 0, len(r.producerRemove))
	for _, cb := range r.producerRemove {
		out = append(out, cb)
	}
	return out
}

// StartRecording records the named participant's first audio and first video
// producer. One recording per room: starting while one is active fails with
// ErrAlreadyRecording.
func (r *Room) StartRecording(ctx context.Context, id domain.ParticipantID, outputName string) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRoomClosed
	}
	if r.recorder != nil {
		r.mu.Unlock()
		return ErrAlreadyRecording
	}
	c, ok := r.clients[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownParticipant, id)
	}
	var audio, video media.Producer
	for _, p := range c.producers {
		switch {
		case audio == nil && p.Kind() == media.KindAudio:
			audio = p
		case video == nil && p.Kind() == media.KindVideo:
			video = p
		}
	}
	r.mu.Unlock()

	recorder, err := recording.New(ctx, r.router, audio, video, r.rec)
	if err != nil {
		return err
	}
	if err := recorder.Start(ctx, outputName); err != nil {
		return err
	}

	r.mu.Lock()
	if r.closed || r.recorder != nil {
		already := r.recorder != nil
		r.mu.Unlock()
		// Lost the race against another start (or the room died); undo ours.
		if err := recorder.Stop(ctx); err != nil {
			r.log.Error().Err(err).Msg("failed to stop runner-up recorder")
		}
		if already {
			return ErrAlreadyRecording
		}
		return ErrRoomClosed
	}
	r.recorder = recorder
	r.mu.Unlock()

	metrics.RecordingsStartedTotal.Inc()
	metrics.ActiveRecordings.Inc()
	r.log.Info().Str("participant", string(id)).Str("output", outputName).Msg("recording started")
	return nil
}

// StopRecording stops the active recording, if any.
func (r *Room) StopRecording(ctx context.Context) error {
	r.mu.Lock()
	recorder := r.recorder
	r.recorder = nil
	r.mu.Unlock()
	if recorder == nil {
		return nil
	}
	metrics.ActiveRecordings.Dec()
	return recorder.Stop(ctx)
}
