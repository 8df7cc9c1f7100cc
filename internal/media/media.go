// Package media defines the boundary to the external media engine. The engine
// terminates ICE/DTLS/SRTP and forwards RTP; this package only deals in the
// opaque capability objects it hands out. Wire-level data types are the
// engine's own so protocol payloads round-trip unchanged.
package media

import (
	"context"

	mediasoup "github.com/jiyeyuran/mediasoup-go/v2"
)

type (
	Kind               = mediasoup.MediaKind
	RtpCapabilities    = mediasoup.RtpCapabilities
	RtpCodecCapability = mediasoup.RtpCodecCapability
	RtpParameters      = mediasoup.RtpParameters
	RtpCodecParameters = mediasoup.RtpCodecParameters
	DtlsParameters     = mediasoup.DtlsParameters
	IceParameters      = mediasoup.IceParameters
	IceCandidate       = mediasoup.IceCandidate
)

const (
	KindAudio = mediasoup.MediaKindAudio
	KindVideo = mediasoup.MediaKindVideo
)

// Engine creates routers. One router serves one room for its whole lifetime.
type Engine interface {
	CreateRouter(ctx context.Context, codecs []*RtpCodecCapability) (Router, error)
}

// Router is the per-room RTP routing capability.
// Close releases the router and everything created from it.
type Router interface {
	ID() string
	RtpCapabilities() *RtpCapabilities
	CreateWebRtcTransport(ctx context.Context) (WebRtcTransport, error)
	CreatePlainTransport(ctx context.Context) (PlainTransport, error)
	Close() error
}

// WebRtcTransport is a client-facing secure media channel, one per direction
// per participant.
type WebRtcTransport interface {
	ID() string
	IceParameters() IceParameters
	IceCandidates() []IceCandidate
	DtlsParameters() DtlsParameters
	// Connect establishes the transport with DTLS parameters received from
	// the client.
	Connect(ctx context.Context, dtlsParameters *DtlsParameters) error
	Produce(ctx context.Context, kind Kind, rtpParameters *RtpParameters) (Producer, error)
	Consume(ctx context.Context, producerID string, rtpCapabilities *RtpCapabilities, paused bool) (Consumer, error)
	Close() error
}

// PlainTransport is a one-way egress channel toward a fixed RTP endpoint,
// used to feed decrypted media into the recording pipeline.
type PlainTransport interface {
	ID() string
	// Connect points the transport at an explicit remote RTP/RTCP endpoint.
	Connect(ctx context.Context, ip string, rtpPort, rtcpPort uint16) error
	Consume(ctx context.Context, producerID string, rtpCapabilities *RtpCapabilities, paused bool) (Consumer, error)
	Close() error
}

// Producer is a participant's outbound stream inside the engine.
type Producer interface {
	ID() string
	Kind() Kind
	Close() error
}

// Consumer is a subscription to a producer. Created paused; resuming starts
// RTP flow toward the owning transport.
type Consumer interface {
	ID() string
	ProducerID() string
	Kind() Kind
	RtpParameters() *RtpParameters
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Close() error
}
