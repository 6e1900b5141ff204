/*
 * @Author: Marlon.M
 * @Email: maiguangyang@163.com
 * @Date: 2026-01-12
 *
 * SDP 生成 (JSEP)，基于 pion/sdp
 */
package negotiation

import (
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"
)

type plannedSection struct {
	mid  string
	kind MediaKind
}

// planOffer 已协商的 m-line 保持原有顺序与 mid，新增的追加在后面
func (n *Negotiator) planOffer() []plannedSection {
	var plan []plannedSection
	have := map[MediaKind]bool{}
	used := map[string]bool{}

	for _, s := range n.sections {
		plan = append(plan, plannedSection{mid: s.Mid, kind: s.Kind})
		have[s.Kind] = true
		used[s.Mid] = true
	}

	next := 0
	nextMid := func() string {
		for used[strconv.Itoa(next)] {
			next++
		}
		mid := strconv.Itoa(next)
		used[mid] = true
		return mid
	}

	want := []struct {
		kind    MediaKind
		enabled bool
	}{
		{MediaKindAudio, n.config.Audio},
		{MediaKindVideo, n.config.Video},
		{MediaKindApplication, n.config.DataChannels},
	}
	for _, w := range want {
		if w.enabled && !have[w.kind] {
			plan = append(plan, plannedSection{mid: nextMid(), kind: w.kind})
		}
	}
	return plan
}

func (n *Negotiator) newSession() (*sdp.SessionDescription, error) {
	d, err := sdp.NewJSEPSessionDescription(false)
	if err != nil {
		return nil, err
	}
	if n.sessionID == 0 {
		n.sessionID = d.Origin.SessionID
		n.sessionVersion = d.Origin.SessionVersion
	} else {
		n.sessionVersion++
	}
	d.Origin.SessionID = n.sessionID
	d.Origin.SessionVersion = n.sessionVersion

	algo, value, _ := strings.Cut(n.config.Fingerprint, " ")
	d.WithFingerprint(algo, value)
	return d, nil
}

func (n *Negotiator) buildOffer(plan []plannedSection) (string, error) {
	d, err := n.newSession()
	if err != nil {
		return "", err
	}

	mids := make([]string, 0, len(plan))
	for _, p := range plan {
		mids = append(mids, p.mid)
		var media *sdp.MediaDescription
		switch p.kind {
		case MediaKindApplication:
			media = n.applicationMedia(p.mid, "actpass")
		default:
			dir := DirectionSendRecv.limit(n.canSend(p.kind))
			if p.kind == MediaKindAudio && !n.config.Audio {
				dir = DirectionInactive
			}
			media = n.rtpMedia(p.mid, p.kind, "actpass", n.config.Codecs.Codecs(p.kind), dir)
		}
		d.WithMedia(media)
	}
	d.WithValueAttribute(attrGroup, "BUNDLE "+strings.Join(mids, " "))

	raw, err := d.Marshal()
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func (n *Negotiator) buildAnswer(remote *remoteDescription, sections []MediaSection) (string, error) {
	d, err := n.newSession()
	if err != nil {
		return "", err
	}

	var bundled []string
	for i, s := range sections {
		rm := remote.media[i]
		if s.Rejected {
			d.WithMedia(rejectedMedia(rm))
			continue
		}
		bundled = append(bundled, s.Mid)

		setup := "active"
		if rm.setup == "active" {
			setup = "passive"
		}
		if s.Kind == MediaKindApplication {
			d.WithMedia(n.applicationMedia(s.Mid, setup))
		} else {
			d.WithMedia(n.rtpMedia(s.Mid, s.Kind, setup, s.Codecs, s.Direction))
		}
	}
	if len(bundled) > 0 {
		d.WithValueAttribute(attrGroup, "BUNDLE "+strings.Join(bundled, " "))
	}

	raw, err := d.Marshal()
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func (n *Negotiator) rtpMedia(mid string, kind MediaKind, setup string, codecs []CodecInfo, dir Direction) *sdp.MediaDescription {
	media := sdp.NewJSEPMediaDescription(string(kind), []string{}).
		WithValueAttribute(attrSetup, setup).
		WithValueAttribute(attrMid, mid).
		WithICECredentials(n.local.UsernameFragment, n.local.Password).
		WithValueAttribute(attrICEOptions, "trickle").
		WithPropertyAttribute(attrRTCPMux).
		WithPropertyAttribute(attrRTCPRsize)

	for _, c := range codecs {
		media.WithCodec(c.PayloadType, c.EncodingName(), c.ClockRate, c.Channels, c.SDPFmtpLine)
	}
	return media.WithPropertyAttribute(string(dir))
}

func (n *Negotiator) applicationMedia(mid, setup string) *sdp.MediaDescription {
	media := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   string(MediaKindApplication),
			Port:    sdp.RangedPort{Value: 9},
			Protos:  []string{"UDP", "DTLS", "SCTP"},
			Formats: []string{"webrtc-datachannel"},
		},
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: "0.0.0.0"},
		},
	}
	return media.
		WithValueAttribute(attrSetup, setup).
		WithValueAttribute(attrMid, mid).
		WithICECredentials(n.local.UsernameFragment, n.local.Password).
		WithValueAttribute(attrICEOptions, "trickle").
		WithValueAttribute(attrSCTPPort, strconv.Itoa(n.config.SCTPPort)).
		WithValueAttribute(attrMaxMessageSize, strconv.Itoa(n.config.MaxMessageSize))
}

// rejectedMedia 端口置 0，只保留 mid
func rejectedMedia(rm remoteMedia) *sdp.MediaDescription {
	formats := rm.formats
	if len(formats) == 0 {
		formats = []string{"0"}
	}
	media := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   string(rm.kind),
			Port:    sdp.RangedPort{Value: 0},
			Protos:  rm.protos,
			Formats: formats,
		},
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: "0.0.0.0"},
		},
	}
	return media.WithValueAttribute(attrMid, rm.mid)
}
