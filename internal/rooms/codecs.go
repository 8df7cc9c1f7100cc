package rooms

import (
	mediasoup "github.com/jiyeyuran/mediasoup-go/v2"

	"videoroom/internal/media"
)

// MediaCodecs is the codec set the router will accept from clients: one audio
// and one video codec, in that order. The recorder relies on this being a
// single known encoding per kind.
func MediaCodecs() []*media.RtpCodecCapability {
	return []*media.RtpCodecCapability{
		{
			Kind:                 media.KindAudio,
			MimeType:             "audio/opus",
			PreferredPayloadType: 111,
			ClockRate:            48000,
			Channels:             2,
			Parameters: mediasoup.RtpCodecSpecificParameters{
				Useinbandfec: 1,
			},
		},
		{
			Kind:                 media.KindVideo,
			MimeType:             "video/H264",
			PreferredPayloadType: 125,
			ClockRate:            90000,
		},
	}
}
