package recording

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"

	"videoroom/internal/media"
)

// sessionDescription builds the SDP the transcoder reads its input from: one
// media section per recorded kind, pointed at the loopback ports the egress
// transports were connected to.
func sessionDescription(legs []*leg) ([]byte, error) {
	sd := &sdp.SessionDescription{
		Origin: sdp.Origin{
			Username:       "-",
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: "127.0.0.1",
		},
		SessionName: "recording",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: "127.0.0.1"},
		},
		TimeDescriptions: []sdp.TimeDescription{{}},
	}

	for _, l := range legs {
		md, err := mediaSection(l)
		if err != nil {
			return nil, err
		}
		sd.MediaDescriptions = append(sd.MediaDescriptions, md)
	}

	return sd.Marshal()
}

func mediaSection(l *leg) (*sdp.MediaDescription, error) {
	params := l.consumer.RtpParameters()
	if params == nil || len(params.Codecs) == 0 {
		return nil, fmt.Errorf("%s consumer has no negotiated codec", l.kind)
	}
	codec := params.Codecs[0]

	encoding := codec.MimeType
	if i := strings.IndexByte(encoding, '/'); i >= 0 {
		encoding = encoding[i+1:]
	}

	rtpmap := fmt.Sprintf("%d %s/%d", codec.PayloadType, encoding, codec.ClockRate)
	if l.kind == media.KindAudio && codec.Channels > 0 {
		rtpmap = fmt.Sprintf("%s/%d", rtpmap, codec.Channels)
	}

	md := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   string(l.kind),
			Port:    sdp.RangedPort{Value: int(l.rtpPort)},
			Protos:  []string{"RTP", "AVP"},
			Formats: []string{strconv.Itoa(int(codec.PayloadType))},
		},
		Attributes: []sdp.Attribute{
			sdp.NewAttribute("rtpmap:"+rtpmap, ""),
			sdp.NewAttribute(fmt.Sprintf("rtcp:%d", l.rtcpPort), ""),
			sdp.NewAttribute("recvonly", ""),
		},
	}
	return md, nil
}
