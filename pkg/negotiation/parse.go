/*
 * @Author: Marlon.M
 * @Email: maiguangyang@163.com
 * @Date: 2026-01-12
 */
package negotiation

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/maiguangyang/peer_core/pkg/rtcerr"
	"github.com/pion/sdp/v3"
)

const (
	attrMid             = "mid"
	attrGroup           = "group"
	attrSetup           = "setup"
	attrICEUfrag        = "ice-ufrag"
	attrICEPwd          = "ice-pwd"
	attrICELite         = "ice-lite"
	attrICEOptions      = "ice-options"
	attrCandidate       = "candidate"
	attrEndOfCandidates = "end-of-candidates"
	attrRTPMap          = "rtpmap"
	attrFmtp            = "fmtp"
	attrRTCPMux         = "rtcp-mux"
	attrRTCPRsize       = "rtcp-rsize"
	attrSCTPPort        = "sctp-port"
	attrMaxMessageSize  = "max-message-size"
)

type remoteCodec struct {
	payloadType uint8
	name        string
	clockRate   uint32
	channels    uint16
	fmtp        string
}

type remoteMedia struct {
	index     int
	mid       string
	kind      MediaKind
	rejected  bool
	direction Direction
	setup     string
	codecs    []remoteCodec
	protos    []string
	formats   []string
}

type remoteDescription struct {
	parsed     *sdp.SessionDescription
	ice        ICEParameters
	media      []remoteMedia
	candidates []CandidateLine
	bundle     []string
}

// parseRemote 解析并校验远端描述，失败统一返回 ErrMalformedSDP
func parseRemote(raw string) (*remoteDescription, error) {
	parsed := &sdp.SessionDescription{}
	if err := parsed.Unmarshal([]byte(raw)); err != nil {
		return nil, fmt.Errorf("%w: %v", rtcerr.ErrMalformedSDP, err)
	}
	if len(parsed.MediaDescriptions) == 0 {
		return nil, fmt.Errorf("%w: %v", rtcerr.ErrMalformedSDP, errNoMedia)
	}

	out := &remoteDescription{parsed: parsed}

	sessionUfrag, _ := parsed.Attribute(attrICEUfrag)
	sessionPwd, _ := parsed.Attribute(attrICEPwd)
	_, out.ice.Lite = parsed.Attribute(attrICELite)

	if group, ok := parsed.Attribute(attrGroup); ok {
		fields := strings.Fields(group)
		if len(fields) > 0 && fields[0] == "BUNDLE" {
			out.bundle = fields[1:]
		}
	}

	for i, md := range parsed.MediaDescriptions {
		mid, ok := md.Attribute(attrMid)
		if !ok || mid == "" {
			return nil, fmt.Errorf("%w: %v (index %d)", rtcerr.ErrMalformedSDP, errMissingMid, i)
		}

		m := remoteMedia{
			index:     i,
			mid:       mid,
			kind:      MediaKind(md.MediaName.Media),
			rejected:  md.MediaName.Port.Value == 0,
			direction: mediaDirection(md),
			protos:    md.MediaName.Protos,
			formats:   md.MediaName.Formats,
		}
		m.setup, _ = md.Attribute(attrSetup)
		if m.kind == MediaKindAudio || m.kind == MediaKindVideo {
			m.codecs = mediaCodecs(md)
		}

		ufrag, pwd := sessionUfrag, sessionPwd
		if v, ok := md.Attribute(attrICEUfrag); ok {
			ufrag = v
		}
		if v, ok := md.Attribute(attrICEPwd); ok {
			pwd = v
		}
		if !m.rejected {
			if ufrag == "" || pwd == "" {
				return nil, fmt.Errorf("%w: %v (mid %s)", rtcerr.ErrMalformedSDP, errMissingICE, mid)
			}
			if out.ice.UsernameFragment == "" {
				out.ice.UsernameFragment = ufrag
				out.ice.Password = pwd
			}
		}

		for _, attr := range md.Attributes {
			if attr.Key == attrCandidate {
				out.candidates = append(out.candidates, CandidateLine{
					SDPMid:        mid,
					SDPMLineIndex: uint16(i),
					Candidate:     attrCandidate + ":" + attr.Value,
				})
			}
		}

		out.media = append(out.media, m)
	}

	if out.ice.UsernameFragment == "" {
		return nil, fmt.Errorf("%w: %v", rtcerr.ErrMalformedSDP, errMissingICE)
	}
	return out, nil
}

func mediaDirection(md *sdp.MediaDescription) Direction {
	for _, attr := range md.Attributes {
		switch Direction(attr.Key) {
		case DirectionSendRecv, DirectionSendOnly, DirectionRecvOnly, DirectionInactive:
			return Direction(attr.Key)
		}
	}
	return DirectionSendRecv
}

// mediaCodecs 读取 rtpmap / fmtp，顺序与 m-line 的 format 列表一致
func mediaCodecs(md *sdp.MediaDescription) []remoteCodec {
	byPT := map[uint8]*remoteCodec{}
	fmtps := map[uint8]string{}

	for _, attr := range md.Attributes {
		switch attr.Key {
		case attrRTPMap:
			c, ok := parseRTPMap(attr.Value)
			if ok {
				byPT[c.payloadType] = &c
			}
		case attrFmtp:
			pt, rest, ok := splitPayloadType(attr.Value)
			if ok {
				fmtps[pt] = rest
			}
		}
	}

	var out []remoteCodec
	for _, f := range md.MediaName.Formats {
		v, err := strconv.ParseUint(f, 10, 8)
		if err != nil {
			continue
		}
		c, ok := byPT[uint8(v)]
		if !ok {
			continue
		}
		c.fmtp = fmtps[c.payloadType]
		out = append(out, *c)
	}
	return out
}

// parseRTPMap "96 VP8/90000" 或 "111 opus/48000/2"
func parseRTPMap(value string) (remoteCodec, bool) {
	pt, rest, ok := splitPayloadType(value)
	if !ok {
		return remoteCodec{}, false
	}
	parts := strings.Split(rest, "/")
	if len(parts) < 2 {
		return remoteCodec{}, false
	}
	clock, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return remoteCodec{}, false
	}
	c := remoteCodec{payloadType: pt, name: parts[0], clockRate: uint32(clock)}
	if len(parts) > 2 {
		if ch, err := strconv.ParseUint(parts[2], 10, 16); err == nil {
			c.channels = uint16(ch)
		}
	}
	return c, true
}

func splitPayloadType(value string) (uint8, string, bool) {
	head, rest, found := strings.Cut(value, " ")
	if !found {
		return 0, "", false
	}
	pt, err := strconv.ParseUint(head, 10, 8)
	if err != nil {
		return 0, "", false
	}
	return uint8(pt), strings.TrimSpace(rest), true
}
