// Package mediatest provides an in-memory fake of the media engine boundary.
// The real engine needs a mediasoup-worker process; tests exercise the session
// machinery against this fake instead.
package mediatest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"videoroom/internal/media"
)

var ErrProducerNotFound = errors.New("producer not found")

type Engine struct {
	mu sync.Mutex

	// CreateRouterErr makes the next CreateRouter call fail.
	CreateRouterErr error

	routers []*Router
}

func NewEngine() *Engine {
	return &Engine{}
}

// Routers returns every router created so far, closed or not.
func (e *Engine) Routers() []*Router {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Router(nil), e.routers...)
}

func (e *Engine) CreateRouter(ctx context.Context, codecs []*media.RtpCodecCapability) (media.Router, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.CreateRouterErr != nil {
		err := e.CreateRouterErr
		e.CreateRouterErr = nil
		return nil, err
	}
	r := &Router{
		id:        uuid.NewString(),
		codecs:    codecs,
		producers: make(map[string]*Producer),
	}
	e.routers = append(e.routers, r)
	return r, nil
}

type Router struct {
	mu        sync.Mutex
	id        string
	codecs    []*media.RtpCodecCapability
	producers map[string]*Producer
	closed    bool

	// Per-call failure injection, consumed by the next matching call.
	ProduceErr error
	ConsumeErr error
	ConnectErr error
}

func (r *Router) ID() string { return r.id }

func (r *Router) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *Router) RtpCapabilities() *media.RtpCapabilities {
	return &media.RtpCapabilities{Codecs: r.codecs}
}

func (r *Router) CreateWebRtcTransport(ctx context.Context) (media.WebRtcTransport, error) {
	return &WebRtcTransport{router: r, id: uuid.NewString()}, nil
}

func (r *Router) CreatePlainTransport(ctx context.Context) (media.PlainTransport, error) {
	return &PlainTransport{router: r, id: uuid.NewString()}, nil
}

func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *Router) takeErr(err *error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := *err
	*err = nil
	return e
}

func (r *Router) addProducer(kind media.Kind) *Producer {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := &Producer{id: uuid.NewString(), kind: kind}
	r.producers[p.id] = p
	return p
}

func (r *Router) lookupProducer(id string) (*Producer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.producers[id]
	return p, ok
}

type WebRtcTransport struct {
	router *Router
	id     string

	mu        sync.Mutex
	connected bool
}

func (t *WebRtcTransport) ID() string { return t.id }

func (t *WebRtcTransport) IceParameters() media.IceParameters {
	return media.IceParameters{UsernameFragment: "ufrag-" + t.id[:8], Password: "pwd"}
}

func (t *WebRtcTransport) IceCandidates() []media.IceCandidate {
	return []media.IceCandidate{{Foundation: "udpcandidate", Address: "127.0.0.1", Port: 40000}}
}

func (t *WebRtcTransport) DtlsParameters() media.DtlsParameters {
	return media.DtlsParameters{}
}

func (t *WebRtcTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *WebRtcTransport) Connect(ctx context.Context, dtlsParameters *media.DtlsParameters) error {
	if err := t.router.takeErr(&t.router.ConnectErr); err != nil {
		return err
	}
	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()
	return nil
}

func (t *WebRtcTransport) Produce(ctx context.Context, kind media.Kind, rtpParameters *media.RtpParameters) (media.Producer, error) {
	if err := t.router.takeErr(&t.router.ProduceErr); err != nil {
		return nil, err
	}
	return t.router.addProducer(kind), nil
}

func (t *WebRtcTransport) Consume(ctx context.Context, producerID string, rtpCapabilities *media.RtpCapabilities, paused bool) (media.Consumer, error) {
	return consume(t.router, producerID, rtpCapabilities, paused)
}

func (t *WebRtcTransport) Close() error { return nil }

type PlainTransport struct {
	router *Router
	id     string

	mu       sync.Mutex
	remoteIP string
	rtpPort  uint16
	rtcpPort uint16
	closed   bool
}

func (t *PlainTransport) ID() string { return t.id }

func (t *PlainTransport) Connect(ctx context.Context, ip string, rtpPort, rtcpPort uint16) error {
	if err := t.router.takeErr(&t.router.ConnectErr); err != nil {
		return err
	}
	t.mu.Lock()
	t.remoteIP, t.rtpPort, t.rtcpPort = ip, rtpPort, rtcpPort
	t.mu.Unlock()
	return nil
}

// Remote reports the endpoint the transport was connected to.
func (t *PlainTransport) Remote() (string, uint16, uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remoteIP, t.rtpPort, t.rtcpPort
}

func (t *PlainTransport) Consume(ctx context.Context, producerID string, rtpCapabilities *media.RtpCapabilities, paused bool) (media.Consumer, error) {
	return consume(t.router, producerID, rtpCapabilities, paused)
}

func (t *PlainTransport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *PlainTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

func consume(r *Router, producerID string, rtpCapabilities *media.RtpCapabilities, paused bool) (media.Consumer, error) {
	if err := r.takeErr(&r.ConsumeErr); err != nil {
		return nil, err
	}
	p, ok := r.lookupProducer(producerID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProducerNotFound, producerID)
	}
	params := &media.RtpParameters{}
	for _, c := range rtpCapabilities.Codecs {
		if !strings.HasPrefix(c.MimeType, string(p.Kind())+"/") {
			continue
		}
		params.Codecs = append(params.Codecs, &media.RtpCodecParameters{
			MimeType:    c.MimeType,
			PayloadType: c.PreferredPayloadType,
			ClockRate:   c.ClockRate,
			Channels:    c.Channels,
		})
	}
	return &Consumer{
		id:         uuid.NewString(),
		producerID: producerID,
		kind:       p.Kind(),
		paused:     paused,
		params:     params,
	}, nil
}

type Producer struct {
	id   string
	kind media.Kind
}

func (p *Producer) ID() string       { return p.id }
func (p *Producer) Kind() media.Kind { return p.kind }
func (p *Producer) Close() error     { return nil }

type Consumer struct {
	id         string
	producerID string
	kind       media.Kind
	params     *media.RtpParameters

	mu     sync.Mutex
	paused bool
	closed bool
}

func (c *Consumer) ID() string         { return c.id }
func (c *Consumer) ProducerID() string { return c.producerID }
func (c *Consumer) Kind() media.Kind   { return c.kind }

func (c *Consumer) RtpParameters() *media.RtpParameters { return c.params }

func (c *Consumer) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *Consumer) Pause(ctx context.Context) error {
	c.mu.Lock()
	c.paused = true
	c.mu.Unlock()
	return nil
}

func (c *Consumer) Resume(ctx context.Context) error {
	c.mu.Lock()
	c.paused = false
	c.mu.Unlock()
	return nil
}

func (c *Consumer) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Consumer) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}
