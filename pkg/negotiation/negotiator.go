/*
 * @Author: Marlon.M
 * @Email: maiguangyang@163.com
 * @Date: 2026-01-12
 *
 * Negotiator - offer/answer 状态机
 * New --createOffer--> HaveLocalOffer --remoteAnswer--> Stable
 * New --remoteOffer--> HaveRemoteOffer --localAnswer--> Stable
 * 任何格式错误或乱序的远端描述都会回到 New 并返回错误
 */
package negotiation

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/maiguangyang/peer_core/pkg/rtcerr"
	"github.com/maiguangyang/peer_core/pkg/utils"
)

var (
	errMissingCredentials = errors.New("local ICE credentials are required")
	errNoMedia            = errors.New("description has no media sections")
	errMissingMid         = errors.New("media section without mid")
	errMissingICE         = errors.New("media section without ICE credentials")
	errMidMismatch        = errors.New("answer media sections do not match the offer")
	errGlare              = errors.New("remote offer while a local offer is pending")
	errUnexpectedAnswer   = errors.New("answer without a pending local offer")
)

// Config 协商能力配置
type Config struct {
	// 音频 m-line
	Audio bool
	// 视频 m-line
	Video bool
	// application m-line (数据通道)
	DataChannels bool
	// 编解码器能力表，nil 使用默认表
	Codecs *CodecRegistry
	// DTLS 指纹 "sha-256 AB:CD:..."，为空时生成
	Fingerprint string
	// SCTP 端口
	SCTPPort int
	// 数据通道单条消息上限
	MaxMessageSize int
	// 日志
	Logger *utils.Logger
}

// DefaultConfig 默认只协商数据通道
func DefaultConfig() Config {
	return Config{
		DataChannels:   true,
		SCTPPort:       5000,
		MaxMessageSize: 262144,
	}
}

// Negotiator owns local/remote descriptions of one peer connection
type Negotiator struct {
	mu     sync.Mutex
	config Config
	log    *utils.Logger

	local ICEParameters
	state SignalingState

	pendingLocal  *SessionDescription
	pendingRemote *SessionDescription
	currentLocal  *SessionDescription
	currentRemote *SessionDescription

	// 最近一次成功交换中我方是否为 offerer
	offerer bool

	remoteICE        ICEParameters
	remoteCandidates []CandidateLine
	sections         []MediaSection
	offered          []plannedSection

	sessionID      uint64
	sessionVersion uint64
}

// NewNegotiator creates a negotiator using the given local ICE credentials
func NewNegotiator(config Config, local ICEParameters) (*Negotiator, error) {
	if local.UsernameFragment == "" || local.Password == "" {
		return nil, errMissingCredentials
	}
	if config.Codecs == nil {
		config.Codecs = NewCodecRegistry()
	}
	if config.SCTPPort == 0 {
		config.SCTPPort = 5000
	}
	if config.MaxMessageSize == 0 {
		config.MaxMessageSize = 262144
	}
	if config.Fingerprint == "" {
		fp, err := generateFingerprint()
		if err != nil {
			return nil, err
		}
		config.Fingerprint = fp
	}
	logger := config.Logger
	if logger == nil {
		logger = utils.GetLogger()
	}

	return &Negotiator{
		config: config,
		log:    logger.Named("sdp"),
		local:  local,
	}, nil
}

// generateFingerprint 生成占位 DTLS 指纹，真实证书由传输层提供
func generateFingerprint() (string, error) {
	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		return "", err
	}
	sum := sha256.Sum256(seed)
	parts := make([]string, len(sum))
	for i, b := range sum {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return "sha-256 " + strings.Join(parts, ":"), nil
}

// SetAudio 开关音频 m-line，下一次 offer 生效
func (n *Negotiator) SetAudio(enabled bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.config.Audio = enabled
}

// SetVideo 开关视频发送，下一次 offer 生效
func (n *Negotiator) SetVideo(enabled bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.config.Video = enabled
}

// State returns the signaling state
func (n *Negotiator) State() SignalingState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// LocalDescription returns the pending local description, or the current one
func (n *Negotiator) LocalDescription() *SessionDescription {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.pendingLocal != nil {
		return n.pendingLocal
	}
	return n.currentLocal
}

// RemoteDescription returns the pending remote description, or the current one
func (n *Negotiator) RemoteDescription() *SessionDescription {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.pendingRemote != nil {
		return n.pendingRemote
	}
	return n.currentRemote
}

// LocalICEParameters returns the local credentials written into every description
func (n *Negotiator) LocalICEParameters() ICEParameters {
	return n.local
}

// RemoteICEParameters returns the credentials of the last accepted remote description
func (n *Negotiator) RemoteICEParameters() ICEParameters {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.remoteICE
}

// RemoteCandidates returns the candidates embedded in the last accepted remote description
func (n *Negotiator) RemoteCandidates() []CandidateLine {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]CandidateLine, len(n.remoteCandidates))
	copy(out, n.remoteCandidates)
	return out
}

// IsOfferer reports whether the local side made the offer of the last completed exchange
func (n *Negotiator) IsOfferer() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.offerer
}

// Sections returns the negotiated media sections
func (n *Negotiator) Sections() []MediaSection {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]MediaSection, len(n.sections))
	copy(out, n.sections)
	return out
}

// Section returns the first accepted section of the given kind
func (n *Negotiator) Section(kind MediaKind) (MediaSection, bool) {
	for _, s := range n.Sections() {
		if s.Kind == kind && !s.Rejected {
			return s, true
		}
	}
	return MediaSection{}, false
}

// BundleMid returns the mid that carries the bundled transport
func (n *Negotiator) BundleMid() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, s := range n.sections {
		if !s.Rejected {
			return s.Mid
		}
	}
	if len(n.offered) > 0 {
		return n.offered[0].mid
	}
	return "0"
}

// CreateOffer 生成本地 offer
// 协商进行中 (HaveLocalOffer / HaveRemoteOffer) 直接拒绝，不影响进行中的交换
func (n *Negotiator) CreateOffer() (SessionDescription, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.state.Pending() {
		return SessionDescription{}, fmt.Errorf("%w: create offer in %s", rtcerr.ErrInvalidState, n.state)
	}

	plan := n.planOffer()
	raw, err := n.buildOffer(plan)
	if err != nil {
		return SessionDescription{}, err
	}

	offer := SessionDescription{Type: SDPTypeOffer, SDP: raw}
	n.offered = plan
	n.pendingLocal = &offer
	n.state = SignalingStateHaveLocalOffer
	n.log.Debug("offer created with %d sections", len(plan))
	return offer, nil
}

// SetRemoteDescription 应用远端描述
// offer: 合成并返回 answer，状态进入 Stable
// answer: 完成当前交换，返回 nil
func (n *Negotiator) SetRemoteDescription(desc SessionDescription) (*SessionDescription, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	answer, err := n.applyRemote(desc)
	if err != nil {
		n.log.Warn("remote %s rejected in %s: %v", desc.Type, n.state, err)
		n.resetLocked()
		return nil, err
	}
	return answer, nil
}

// Reset abandons any pending exchange and returns to New
func (n *Negotiator) Reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.resetLocked()
}

func (n *Negotiator) resetLocked() {
	n.pendingLocal = nil
	n.pendingRemote = nil
	n.state = SignalingStateNew
}

func (n *Negotiator) applyRemote(desc SessionDescription) (*SessionDescription, error) {
	switch desc.Type {
	case SDPTypeOffer:
		if n.state == SignalingStateHaveLocalOffer {
			return nil, fmt.Errorf("%w: %v", rtcerr.ErrInvalidState, errGlare)
		}
	case SDPTypeAnswer:
		if n.state != SignalingStateHaveLocalOffer {
			return nil, fmt.Errorf("%w: %v", rtcerr.ErrInvalidState, errUnexpectedAnswer)
		}
	default:
		return nil, fmt.Errorf("%w: unknown description type", rtcerr.ErrMalformedSDP)
	}

	remote, err := parseRemote(desc.SDP)
	if err != nil {
		return nil, err
	}

	if desc.Type == SDPTypeAnswer {
		sections, err := n.matchAnswer(remote)
		if err != nil {
			return nil, err
		}
		n.commitRemote(desc, remote, sections)
		n.currentLocal = n.pendingLocal
		n.pendingLocal = nil
		n.offerer = true
		n.state = SignalingStateStable
		return nil, nil
	}

	// remote offer
	n.pendingRemote = &desc
	n.state = SignalingStateHaveRemoteOffer

	sections := n.answerSections(remote)
	raw, err := n.buildAnswer(remote, sections)
	if err != nil {
		return nil, err
	}
	answer := SessionDescription{Type: SDPTypeAnswer, SDP: raw}

	n.commitRemote(desc, remote, sections)
	n.currentLocal = &answer
	n.pendingLocal = nil
	n.offerer = false
	n.state = SignalingStateStable
	return &answer, nil
}

func (n *Negotiator) commitRemote(desc SessionDescription, remote *remoteDescription, sections []MediaSection) {
	d := desc
	n.currentRemote = &d
	n.pendingRemote = nil
	n.remoteICE = remote.ice
	n.remoteCandidates = remote.candidates
	n.sections = sections
}

// matchAnswer 校验 answer 与本地 offer 的 m-line 一一对应
func (n *Negotiator) matchAnswer(remote *remoteDescription) ([]MediaSection, error) {
	if len(remote.media) != len(n.offered) {
		return nil, fmt.Errorf("%w: %v", rtcerr.ErrMalformedSDP, errMidMismatch)
	}

	sections := make([]MediaSection, 0, len(n.offered))
	for i, planned := range n.offered {
		m := remote.media[i]
		if m.mid != planned.mid || m.kind != planned.kind {
			return nil, fmt.Errorf("%w: %v (mid %s)", rtcerr.ErrMalformedSDP, errMidMismatch, m.mid)
		}
		section := MediaSection{
			Mid:       m.mid,
			Kind:      m.kind,
			Direction: m.direction.reverse(),
			Rejected:  m.rejected,
		}
		if m.kind != MediaKindApplication && !m.rejected {
			section.Codecs = n.intersectCodecs(m)
			if len(section.Codecs) == 0 {
				section.Rejected = true
			}
		}
		sections = append(sections, section)
	}
	return sections, nil
}

// answerSections 根据远端 offer 计算每个 m-line 的应答
func (n *Negotiator) answerSections(remote *remoteDescription) []MediaSection {
	sections := make([]MediaSection, 0, len(remote.media))
	for _, m := range remote.media {
		section := MediaSection{Mid: m.mid, Kind: m.kind, Rejected: m.rejected}

		switch m.kind {
		case MediaKindApplication:
			section.Rejected = section.Rejected || !n.config.DataChannels
			section.Direction = DirectionSendRecv
		case MediaKindAudio, MediaKindVideo:
			if !section.Rejected {
				section.Codecs = n.intersectCodecs(m)
				section.Rejected = len(section.Codecs) == 0
			}
			section.Direction = m.direction.reverse().limit(n.canSend(m.kind))
		default:
			section.Rejected = true
		}
		sections = append(sections, section)
	}
	return sections
}

func (n *Negotiator) canSend(kind MediaKind) bool {
	switch kind {
	case MediaKindAudio:
		return n.config.Audio
	case MediaKindVideo:
		return n.config.Video
	default:
		return true
	}
}

// intersectCodecs 保留远端顺序和远端 payload type
func (n *Negotiator) intersectCodecs(m remoteMedia) []CodecInfo {
	var out []CodecInfo
	for _, rc := range m.codecs {
		local := n.config.Codecs.Match(m.kind, rc.name, rc.clockRate)
		if local == nil {
			continue
		}
		c := *local
		c.PayloadType = rc.payloadType
		if rc.fmtp != "" {
			c.SDPFmtpLine = rc.fmtp
		}
		out = append(out, c)
	}
	return out
}
