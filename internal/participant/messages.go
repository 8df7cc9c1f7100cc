package participant

import (
	"videoroom/internal/domain"
	"videoroom/internal/media"
)

// Signaling messages are JSON objects tagged by an "action" field, with the
// payload flattened alongside it. The parameter payloads (RTP capabilities,
// DTLS parameters, RTP parameters) are the engine's own wire types.
type action string

// Client → server.
const (
	actionInit                     action = "init"
	actionConnectProducerTransport action = "connectProducerTransport"
	actionProduce                  action = "produce"
	actionConnectConsumerTransport action = "connectConsumerTransport"
	actionConsume                  action = "consume"
	actionConsumerResume           action = "consumerResume"
	actionStartRecording           action = "startRecording"
	actionStopRecording            action = "stopRecording"
)

// Server → client.
const (
	actionServerInit                 action = "init"
	actionConnectedProducerTransport action = "connectedProducerTransport"
	actionConnectedConsumerTransport action = "connectedConsumerTransport"
	actionProduced                   action = "produced"
	actionConsumed                   action = "consumed"
	actionProducerAdded              action = "producerAdded"
	actionProducerRemoved            action = "producerRemoved"
)

type envelope struct {
	Action action `json:"action"`
}

type initMessage struct {
	Name            string                `json:"name"`
	RtpCapabilities media.RtpCapabilities `json:"rtpCapabilities"`
}

type connectTransportMessage struct {
	DtlsParameters media.DtlsParameters `json:"dtlsParameters"`
}

type produceMessage struct {
	Kind          media.Kind          `json:"kind"`
	RtpParameters media.RtpParameters `json:"rtpParameters"`
}

type consumeMessage struct {
	ProducerID string `json:"producerId"`
}

type consumerResumeMessage struct {
	ID string `json:"id"`
}

type startRecordingMessage struct {
	OutputName string `json:"outputName"`
}

// transportOptions carries everything the client needs to connect one
// transport on its side.
type transportOptions struct {
	ID             string               `json:"id"`
	DtlsParameters media.DtlsParameters `json:"dtlsParameters"`
	IceCandidates  []media.IceCandidate `json:"iceCandidates"`
	IceParameters  media.IceParameters  `json:"iceParameters"`
}

type serverInit struct {
	Action                   action                 `json:"action"`
	RoomID                   domain.RoomID          `json:"roomId"`
	ConsumerTransportOptions transportOptions       `json:"consumerTransportOptions"`
	ProducerTransportOptions transportOptions       `json:"producerTransportOptions"`
	RouterRtpCapabilities    *media.RtpCapabilities `json:"routerRtpCapabilities"`
}

type serverAck struct {
	Action action `json:"action"`
}

type serverProduced struct {
	Action action `json:"action"`
	ID     string `json:"id"`
}

type serverConsumed struct {
	Action        action               `json:"action"`
	ID            string               `json:"id"`
	ProducerID    string               `json:"producerId"`
	Kind          media.Kind           `json:"kind"`
	RtpParameters *media.RtpParameters `json:"rtpParameters"`
}

type serverProducerAdded struct {
	Action        action               `json:"action"`
	ParticipantID domain.ParticipantID `json:"participantId"`
	Name          string               `json:"name"`
	ProducerID    string               `json:"producerId"`
}

type serverProducerRemoved struct {
	Action        action               `json:"action"`
	ParticipantID domain.ParticipantID `json:"participantId"`
	ProducerID    string               `json:"producerId"`
}
