package participant

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"videoroom/internal/domain"
	"videoroom/internal/media"
	"videoroom/internal/metrics"
	"videoroom/internal/rooms"
)

const inboxSize = 64

// Conn is the signaling connection a session writes to. TrySend must not
// block; it reports an error when the peer cannot keep up.
type Conn interface {
	TrySend(data []byte) error
	Close()
}

type sessionState int

const (
	stateActive sessionState = iota
	stateClosing
	stateClosed
)

// Session owns one participant's signaling state: both WebRTC transports,
// the producers and consumers created over them, and the room event
// subscriptions. All of it is touched from a single goroutine, the one
// running Run. Network reads and engine completions cross into that
// goroutine through the inbox channel.
type Session struct {
	id   domain.ParticipantID
	room *rooms.Room
	conn Conn
	log  zerolog.Logger

	sendTransport media.WebRtcTransport
	recvTransport media.WebRtcTransport

	inbox    chan func()
	done     chan struct{}
	stopOnce sync.Once

	// Owned by the Run goroutine.
	ctx        context.Context
	state      sessionState
	name       string
	clientCaps *media.RtpCapabilities
	producers  []media.Producer
	consumers  map[string]media.Consumer
	subs       []*rooms.Subscription
}

// New creates a session for a connection that has already been admitted to
// room. Both transports are created up front so the init message can carry
// their parameters. The caller keeps its room reference on error and hands
// it over to the session on success.
func New(ctx context.Context, room *rooms.Room, conn Conn, log zerolog.Logger) (*Session, error) {
	id := domain.NewParticipantID()
	log = log.With().
		Str("module", "participant").
		Str("participant_id", string(id)).
		Str("room_id", string(room.ID())).
		Logger()

	sendTransport, err := room.Router().CreateWebRtcTransport(ctx)
	if err != nil {
		return nil, err
	}
	recvTransport, err := room.Router().CreateWebRtcTransport(ctx)
	if err != nil {
		_ = sendTransport.Close()
		return nil, err
	}

	return &Session{
		id:            id,
		room:          room,
		conn:          conn,
		log:           log,
		sendTransport: sendTransport,
		recvTransport: recvTransport,
		inbox:         make(chan func(), inboxSize),
		done:          make(chan struct{}),
		consumers:     make(map[string]media.Consumer),
	}, nil
}

func (s *Session) ID() domain.ParticipantID { return s.id }

// Run drives the session until the connection drops, Shutdown is called or
// a fatal engine error occurs. It releases the room reference on return.
func (s *Session) Run(ctx context.Context) {
	metrics.ActiveParticipants.Inc()
	defer metrics.ActiveParticipants.Dec()
	defer s.teardown()

	s.ctx = ctx
	s.begin()
	if s.state == stateClosing {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case fn := <-s.inbox:
			fn()
			if s.state == stateClosing {
				return
			}
		}
	}
}

// Shutdown asks the session to stop. Safe to call from any goroutine, any
// number of times.
func (s *Session) Shutdown() {
	s.stopOnce.Do(func() { close(s.done) })
}

// HandleMessage parses one frame from the connection and dispatches it onto
// the session goroutine. Malformed frames are logged and dropped.
func (s *Session) HandleMessage(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.log.Warn().Err(err).Msg("dropping unparseable frame")
		return
	}
	metrics.SignalMessagesTotal.WithLabelValues(string(env.Action), "in").Inc()

	switch env.Action {
	case actionInit:
		var m initMessage
		if !s.parse(data, env.Action, &m) {
			return
		}
		s.enqueue(func() { s.handleInit(m) })
	case actionConnectProducerTransport:
		var m connectTransportMessage
		if !s.parse(data, env.Action, &m) {
			return
		}
		s.enqueue(func() {
			s.handleConnectTransport(s.sendTransport, m.DtlsParameters, actionConnectedProducerTransport)
		})
	case actionConnectConsumerTransport:
		var m connectTransportMessage
		if !s.parse(data, env.Action, &m) {
			return
		}
		s.enqueue(func() {
			s.handleConnectTransport(s.recvTransport, m.DtlsParameters, actionConnectedConsumerTransport)
		})
	case actionProduce:
		var m produceMessage
		if !s.parse(data, env.Action, &m) {
			return
		}
		s.enqueue(func() { s.handleProduce(m) })
	case actionConsume:
		var m consumeMessage
		if !s.parse(data, env.Action, &m) {
			return
		}
		s.enqueue(func() { s.handleConsume(m) })
	case actionConsumerResume:
		var m consumerResumeMessage
		if !s.parse(data, env.Action, &m) {
			return
		}
		s.enqueue(func() { s.handleConsumerResume(m) })
	case actionStartRecording:
		var m startRecordingMessage
		if !s.parse(data, env.Action, &m) {
			return
		}
		s.enqueue(func() { s.handleStartRecording(m) })
	case actionStopRecording:
		s.enqueue(func() { s.handleStopRecording() })
	default:
		s.log.Warn().Str("action", string(env.Action)).Msg("dropping unknown action")
	}
}

func (s *Session) parse(data []byte, a action, dst any) bool {
	if err := json.Unmarshal(data, dst); err != nil {
		s.log.Warn().Err(err).Str("action", string(a)).Msg("dropping malformed frame")
		return false
	}
	return true
}

// enqueue hands fn to the session goroutine. It gives up once the session
// is shutting down, so completions arriving after teardown are discarded.
func (s *Session) enqueue(fn func()) {
	select {
	case s.inbox <- fn:
	case <-s.done:
	}
}

// tryEnqueue is the non-blocking variant used from room fan-out callbacks.
// A subscriber whose inbox is full must not stall the announcing session,
// so the delivery is dropped instead; the client reconciles on the next
// producerAdded upsert or by reconnecting.
func (s *Session) tryEnqueue(fn func()) {
	select {
	case s.inbox <- fn:
	case <-s.done:
	default:
		s.log.Warn().Msg("inbox full, dropping room event")
	}
}

// begin sends the init message, subscribes to room events and replays the
// producers that existed before this participant joined. Subscribing before
// the snapshot means a concurrent announcement is delivered at least once;
// the client treats producerAdded as an upsert.
func (s *Session) begin() {
	s.send(actionServerInit, serverInit{
		Action: actionServerInit,
		RoomID: s.room.ID(),
		ProducerTransportOptions: transportOptions{
			ID:             s.sendTransport.ID(),
			DtlsParameters: s.sendTransport.DtlsParameters(),
			IceCandidates:  s.sendTransport.IceCandidates(),
			IceParameters:  s.sendTransport.IceParameters(),
		},
		ConsumerTransportOptions: transportOptions{
			ID:             s.recvTransport.ID(),
			DtlsParameters: s.recvTransport.DtlsParameters(),
			IceCandidates:  s.recvTransport.IceCandidates(),
			IceParameters:  s.recvTransport.IceParameters(),
		},
		RouterRtpCapabilities: s.room.Router().RtpCapabilities(),
	})

	s.subs = append(s.subs,
		s.room.OnProducerAdd(func(id domain.ParticipantID, name string, producer media.Producer) {
			if id == s.id {
				return
			}
			producerID := producer.ID()
			s.tryEnqueue(func() {
				s.send(actionProducerAdded, serverProducerAdded{
					Action:        actionProducerAdded,
					ParticipantID: id,
					Name:          name,
					ProducerID:    producerID,
				})
			})
		}),
		s.room.OnProducerRemove(func(id domain.ParticipantID, producerID string) {
			if id == s.id {
				return
			}
			s.tryEnqueue(func() {
				s.send(actionProducerRemoved, serverProducerRemoved{
					Action:        actionProducerRemoved,
					ParticipantID: id,
					ProducerID:    producerID,
				})
			})
		}),
	)

	for _, info := range s.room.GetAllProducers() {
		if info.ParticipantID == s.id {
			continue
		}
		s.send(actionProducerAdded, serverProducerAdded{
			Action:        actionProducerAdded,
			ParticipantID: info.ParticipantID,
			Name:          info.Name,
			ProducerID:    info.ProducerID,
		})
	}

	s.log.Info().Msg("session started")
}

func (s *Session) handleInit(m initMessage) {
	s.name = domain.SanitizeDisplayName(m.Name)
	caps := m.RtpCapabilities
	s.clientCaps = &caps
	s.room.SetParticipantName(s.id, s.name)
	s.log.Info().Str("name", s.name).Msg("participant initialized")
}

func (s *Session) handleConnectTransport(t media.WebRtcTransport, dtls media.DtlsParameters, ack action) {
	go func() {
		err := t.Connect(s.ctx, &dtls)
		s.enqueue(func() {
			if err != nil {
				s.log.Error().Err(err).Str("transport_id", t.ID()).Msg("transport connect failed")
				s.fail()
				return
			}
			s.log.Debug().Str("transport_id", t.ID()).Msg("transport connected")
			s.send(ack, serverAck{Action: ack})
		})
	}()
}

func (s *Session) handleProduce(m produceMessage) {
	params := m.RtpParameters
	go func() {
		producer, err := s.sendTransport.Produce(s.ctx, m.Kind, &params)
		s.enqueue(func() {
			if err != nil {
				s.log.Error().Err(err).Str("kind", string(m.Kind)).Msg("produce failed")
				s.fail()
				return
			}
			s.producers = append(s.producers, producer)
			s.send(actionProduced, serverProduced{Action: actionProduced, ID: producer.ID()})
			s.room.AddProducer(s.id, producer)
			s.log.Info().
				Str("producer_id", producer.ID()).
				Str("kind", string(producer.Kind())).
				Msg("producer created")
		})
	}()
}

func (s *Session) handleConsume(m consumeMessage) {
	if s.clientCaps == nil {
		s.log.Warn().Str("producer_id", m.ProducerID).Msg("consume before init, ignoring")
		return
	}
	caps := s.clientCaps
	go func() {
		// Paused until the client confirms with consumerResume, so the
		// first keyframe is not wasted on a consumer nobody wired up yet.
		consumer, err := s.recvTransport.Consume(s.ctx, m.ProducerID, caps, true)
		s.enqueue(func() {
			if err != nil {
				s.log.Error().Err(err).Str("producer_id", m.ProducerID).Msg("consume failed")
				s.fail()
				return
			}
			s.consumers[consumer.ID()] = consumer
			s.send(actionConsumed, serverConsumed{
				Action:        actionConsumed,
				ID:            consumer.ID(),
				ProducerID:    m.ProducerID,
				Kind:          consumer.Kind(),
				RtpParameters: consumer.RtpParameters(),
			})
			s.log.Debug().
				Str("consumer_id", consumer.ID()).
				Str("producer_id", m.ProducerID).
				Msg("consumer created")
		})
	}()
}

func (s *Session) handleConsumerResume(m consumerResumeMessage) {
	consumer, ok := s.consumers[m.ID]
	if !ok {
		s.log.Warn().Str("consumer_id", m.ID).Msg("resume for unknown consumer, ignoring")
		return
	}
	go func() {
		if err := consumer.Resume(s.ctx); err != nil {
			s.log.Error().Err(err).Str("consumer_id", m.ID).Msg("consumer resume failed")
			return
		}
		s.log.Debug().Str("consumer_id", m.ID).Msg("consumer resumed")
	}()
}

func (s *Session) handleStartRecording(m startRecordingMessage) {
	go func() {
		if err := s.room.StartRecording(s.ctx, s.id, m.OutputName); err != nil {
			s.log.Error().Err(err).Str("output", m.OutputName).Msg("start recording failed")
			return
		}
		s.log.Info().Str("output", m.OutputName).Msg("recording started")
	}()
}

func (s *Session) handleStopRecording() {
	go func() {
		if err := s.room.StopRecording(s.ctx); err != nil {
			s.log.Error().Err(err).Msg("stop recording failed")
			return
		}
		s.log.Info().Msg("recording stopped")
	}()
}

func (s *Session) send(a action, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.log.Error().Err(err).Str("action", string(a)).Msg("marshal server message")
		return
	}
	if err := s.conn.TrySend(data); err != nil {
		s.log.Warn().Err(err).Msg("send failed, closing session")
		s.fail()
		return
	}
	metrics.SignalMessagesTotal.WithLabelValues(string(a), "out").Inc()
}

// fail marks the session for teardown after the current inbox entry.
func (s *Session) fail() {
	if s.state == stateActive {
		s.state = stateClosing
	}
}

func (s *Session) teardown() {
	s.Shutdown()
	s.state = stateClosed

	for _, sub := range s.subs {
		sub.Close()
	}
	s.room.RemoveParticipant(s.id)

	for _, consumer := range s.consumers {
		_ = consumer.Close()
	}
	for _, producer := range s.producers {
		_ = producer.Close()
	}
	if err := s.sendTransport.Close(); err != nil {
		s.log.Warn().Err(err).Msg("closing producer transport")
	}
	if err := s.recvTransport.Close(); err != nil {
		s.log.Warn().Err(err).Msg("closing consumer transport")
	}

	s.room.Release()
	s.conn.Close()
	s.log.Info().Msg("session closed")
}
