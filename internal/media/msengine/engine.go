// Package msengine adapts mediasoup to the media boundary interfaces. Each
// room gets its own mediasoup-worker process with a single router on it.
package msengine

import (
	"context"
	"fmt"

	mediasoup "github.com/jiyeyuran/mediasoup-go/v2"
	"github.com/rs/zerolog/log"

	"videoroom/internal/media"
)

type Options struct {
	// WorkerBin is the path to the mediasoup-worker executable.
	WorkerBin string
	// ListenIP is the IP the worker binds RTC transports to.
	ListenIP string
	// AnnouncedIP is the IP advertised in ICE candidates, if different.
	AnnouncedIP string
	RtcMinPort  uint16
	RtcMaxPort  uint16
}

type Engine struct {
	opts Options
}

func New(opts Options) *Engine {
	return &Engine{opts: opts}
}

func (e *Engine) CreateRouter(ctx context.Context, codecs []*media.RtpCodecCapability) (media.Router, error) {
	worker, err := mediasoup.NewWorker(e.opts.WorkerBin)
	if err != nil {
		return nil, fmt.Errorf("failed to create worker: %w", err)
	}

	r, err := worker.CreateRouter(&mediasoup.RouterOptions{MediaCodecs: codecs})
	if err != nil {
		worker.Close()
		return nil, fmt.Errorf("failed to create router: %w", err)
	}

	log.Debug().Str("module", "msengine").Str("router", r.Id()).Msg("router created")

	return &router{worker: worker, router: r, opts: e.opts}, nil
}

type router struct {
	worker *mediasoup.Worker
	router *mediasoup.Router
	opts   Options
}

func (r *router) ID() string { return r.router.Id() }

func (r *router) RtpCapabilities() *media.RtpCapabilities {
	return r.router.RtpCapabilities()
}

func (r *router) CreateWebRtcTransport(ctx context.Context) (media.WebRtcTransport, error) {
	listen := mediasoup.TransportListenInfo{
		Protocol:         mediasoup.TransportProtocolUDP,
		Ip:               r.opts.ListenIP,
		AnnouncedAddress: r.opts.AnnouncedIP,
		PortRange: mediasoup.TransportPortRange{
			Min: r.opts.RtcMinPort,
			Max: r.opts.RtcMaxPort,
		},
	}
	listenTcp := listen
	listenTcp.Protocol = mediasoup.TransportProtocolTCP

	t, err := r.router.CreateWebRtcTransport(&mediasoup.WebRtcTransportOptions{
		ListenInfos: []mediasoup.TransportListenInfo{listen, listenTcp},
		EnableTcp:   true,
		PreferUdp:   true,
	})
	if err != nil {
		return nil, err
	}
	return &webrtcTransport{t: t}, nil
}

func (r *router) CreatePlainTransport(ctx context.Context) (media.PlainTransport, error) {
	rtcpMux := false
	t, err := r.router.CreatePlainTransport(&mediasoup.PlainTransportOptions{
		ListenInfo: mediasoup.TransportListenInfo{
			Protocol: mediasoup.TransportProtocolUDP,
			Ip:       "127.0.0.1",
			PortRange: mediasoup.TransportPortRange{
				Min: r.opts.RtcMinPort,
				Max: r.opts.RtcMaxPort,
			},
		},
		RtcpMux: &rtcpMux,
		Comedia: false,
	})
	if err != nil {
		return nil, err
	}
	return &plainTransport{t: t}, nil
}

func (r *router) Close() error {
	err := r.router.Close()
	r.worker.Close()
	return err
}

type webrtcTransport struct {
	t *mediasoup.Transport
}

func (t *webrtcTransport) ID() string { return t.t.Id() }

func (t *webrtcTransport) IceParameters() media.IceParameters {
	return t.t.Data().WebRtcTransportData.IceParameters
}

func (t *webrtcTransport) IceCandidates() []media.IceCandidate {
	return t.t.Data().WebRtcTransportData.IceCandidates
}

func (t *webrtcTransport) DtlsParameters() media.DtlsParameters {
	return t.t.Data().WebRtcTransportData.DtlsParameters
}

func (t *webrtcTransport) Connect(ctx context.Context, dtlsParameters *media.DtlsParameters) error {
	return t.t.ConnectContext(ctx, &mediasoup.TransportConnectOptions{
		DtlsParameters: dtlsParameters,
	})
}

func (t *webrtcTransport) Produce(ctx context.Context, kind media.Kind, rtpParameters *media.RtpParameters) (media.Producer, error) {
	p, err := t.t.ProduceContext(ctx, &mediasoup.ProducerOptions{
		Kind:          kind,
		RtpParameters: rtpParameters,
	})
	if err != nil {
		return nil, err
	}
	return &producer{p: p}, nil
}

func (t *webrtcTransport) Consume(ctx context.Context, producerID string, rtpCapabilities *media.RtpCapabilities, paused bool) (media.Consumer, error) {
	return consume(ctx, t.t, producerID, rtpCapabilities, paused)
}

func (t *webrtcTransport) Close() error { return t.t.Close() }

type plainTransport struct {
	t *mediasoup.Transport
}

func (t *plainTransport) ID() string { return t.t.Id() }

func (t *plainTransport) Connect(ctx context.Context, ip string, rtpPort, rtcpPort uint16) error {
	return t.t.ConnectContext(ctx, &mediasoup.TransportConnectOptions{
		Ip:       ip,
		Port:     &rtpPort,
		RtcpPort: &rtcpPort,
	})
}

func (t *plainTransport) Consume(ctx context.Context, producerID string, rtpCapabilities *media.RtpCapabilities, paused bool) (media.Consumer, error) {
	return consume(ctx, t.t, producerID, rtpCapabilities, paused)
}

func (t *plainTransport) Close() error { return t.t.Close() }

func consume(ctx context.Context, t *mediasoup.Transport, producerID string, rtpCapabilities *media.RtpCapabilities, paused bool) (media.Consumer, error) {
	c, err := t.ConsumeContext(ctx, &mediasoup.ConsumerOptions{
		ProducerId:      producerID,
		RtpCapabilities: rtpCapabilities,
		Paused:          paused,
	})
	if err != nil {
		return nil, err
	}
	return &consumer{c: c}, nil
}

type producer struct {
	p *mediasoup.Producer
}

func (p *producer) ID() string       { return p.p.Id() }
func (p *producer) Kind() media.Kind { return p.p.Kind() }
func (p *producer) Close() error     { return p.p.Close() }

type consumer struct {
	c *mediasoup.Consumer
}

func (c *consumer) ID() string         { return c.c.Id() }
func (c *consumer) ProducerID() string { return c.c.ProducerId() }
func (c *consumer) Kind() media.Kind   { return c.c.Kind() }

func (c *consumer) RtpParameters() *media.RtpParameters {
	return c.c.RtpParameters()
}

func (c *consumer) Pause(ctx context.Context) error  { return c.c.PauseContext(ctx) }
func (c *consumer) Resume(ctx context.Context) error { return c.c.ResumeContext(ctx) }
func (c *consumer) Close() error                     { return c.c.Close() }
