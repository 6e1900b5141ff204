/*
 * @Author: Marlon.M
 * @Email: maiguangyang@163.com
 * @Date: 2026-01-20
 *
 * PeerConnection - 会话编排
 * 独占一个 ICE agent、一个协商器、一个数据通道复用器和一个媒体管线，
 * 把它们的回调汇聚成一条按实例串行的事件流
 */
package peer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/maiguangyang/peer_core/pkg/dcmux"
	"github.com/maiguangyang/peer_core/pkg/iceagent"
	"github.com/maiguangyang/peer_core/pkg/media"
	"github.com/maiguangyang/peer_core/pkg/negotiation"
	"github.com/maiguangyang/peer_core/pkg/rtcerr"
	"github.com/maiguangyang/peer_core/pkg/server"
	"github.com/maiguangyang/peer_core/pkg/utils"
	"github.com/pion/transport/v3"
)

// Config 连接配置
type Config struct {
	ICE         iceagent.Config
	Negotiation negotiation.Config
	DataChannel dcmux.Config
	// CreateDataChannel 使用的通道参数
	Channel dcmux.ChannelConfig
	Media   media.RTPConfig
	Capture media.CaptureConfig
	// 发出 offer 后等待 answer 的时间，0 表示不限
	NegotiationTimeout time.Duration
	Logger             *utils.Logger
}

// DefaultConfig 默认协商视频和数据通道，音频默认关闭
func DefaultConfig() Config {
	dc := dcmux.DefaultConfig()
	neg := negotiation.DefaultConfig()
	neg.Video = true
	// 对端按 SDP 中的 max-message-size 发送，必须装得进一个数据报
	neg.MaxMessageSize = dc.MaxMessageSize

	return Config{
		ICE:                iceagent.DefaultConfig(),
		Negotiation:        neg,
		DataChannel:        dc,
		Channel:            dcmux.DefaultChannelConfig(),
		Media:              media.DefaultRTPConfig(),
		Capture:            media.DefaultCaptureConfig(),
		NegotiationTimeout: 30 * time.Second,
	}
}

type options struct {
	config   Config
	pipeline media.Pipeline
	registry *media.Registry
}

// Option 配置选项
type Option func(*options)

// WithConfig 替换整份配置
func WithConfig(config Config) Option {
	return func(o *options) { o.config = config }
}

// WithNet 指定网络实现 (测试时使用 vnet)
func WithNet(n transport.Net) Option {
	return func(o *options) { o.config.ICE.Net = n }
}

// WithLogger 指定日志
func WithLogger(l *utils.Logger) Option {
	return func(o *options) { o.config.Logger = l }
}

// WithPipeline 替换默认的 RTP 媒体管线
func WithPipeline(p media.Pipeline) Option {
	return func(o *options) { o.pipeline = p }
}

// WithRegistry 指定采集设备注册表
func WithRegistry(r *media.Registry) Option {
	return func(o *options) { o.registry = r }
}

// WithNegotiationTimeout 设置协商超时
func WithNegotiationTimeout(d time.Duration) Option {
	return func(o *options) { o.config.NegotiationTimeout = d }
}

// 媒体管线可选能力
type (
	transportAttacher interface{ Attach(media.Transport) }
	rtpHandler        interface{ HandleRTP([]byte) error }
	pipelineStater    interface{ Stats() media.PipelineStats }
)

// PeerConnection is one peer-to-peer session
type PeerConnection struct {
	mu     sync.Mutex
	id     string
	config Config
	log    *utils.Logger

	agent      *iceagent.Agent
	negotiator *negotiation.Negotiator
	mux        *dcmux.Mux
	pipeline   media.Pipeline
	registry   *media.Registry

	events    *dispatcher
	traffic   *TrafficStats
	transport *countingTransport

	ctx    context.Context
	cancel context.CancelFunc

	state     ConnectionState
	gathering bool
	attached  bool

	// 发送用的通道：最近一次本地创建或远端打开的通道
	channel         *dcmux.Channel
	pendingChannels []string

	negTimer *time.Timer
	negGen   uint64

	capture    media.CaptureConfig
	device     media.Device
	deviceName string

	servers []*server.Server

	createdAt time.Time
	closed    bool
}

// NewPeerConnection 创建连接，所有子组件由它独占
func NewPeerConnection(opts ...Option) (*PeerConnection, error) {
	o := options{config: DefaultConfig()}
	for _, opt := range opts {
		opt(&o)
	}
	config := o.config

	logger := config.Logger
	if logger == nil {
		logger = utils.GetLogger()
	}
	id := uuid.NewString()

	config.ICE.Logger = logger
	if config.ICE.LoggerFactory == nil {
		config.ICE.LoggerFactory = utils.NewLoggerFactory(logger)
	}
	agent, err := iceagent.NewAgent(config.ICE)
	if err != nil {
		return nil, fmt.Errorf("create ICE agent: %w", err)
	}

	ufrag, pwd := agent.LocalCredentials()
	config.Negotiation.Logger = logger
	negotiator, err := negotiation.NewNegotiator(config.Negotiation, negotiation.ICEParameters{
		UsernameFragment: ufrag,
		Password:         pwd,
	})
	if err != nil {
		_ = agent.Close()
		return nil, fmt.Errorf("create negotiator: %w", err)
	}

	config.DataChannel.Logger = logger
	mux := dcmux.NewMux(config.DataChannel)

	pipeline := o.pipeline
	if pipeline == nil {
		config.Media.Logger = logger
		rp, err := media.NewRTPPipeline(config.Media)
		if err != nil {
			_ = agent.Close()
			_ = mux.Close()
			return nil, fmt.Errorf("create media pipeline: %w", err)
		}
		pipeline = rp
	}

	registry := o.registry
	if registry == nil {
		registry = media.DefaultRegistry()
	}

	log := logger.Named("peer:" + id[:8])
	ctx, cancel := context.WithCancel(context.Background())
	traffic := NewTrafficStats()

	pc := &PeerConnection{
		id:         id,
		config:     config,
		log:        log,
		agent:      agent,
		negotiator: negotiator,
		mux:        mux,
		pipeline:   pipeline,
		registry:   registry,
		events:     newDispatcher(log),
		traffic:    traffic,
		transport:  &countingTransport{agent: agent, stats: traffic},
		ctx:        ctx,
		cancel:     cancel,
		capture:    config.Capture,
		createdAt:  time.Now(),
	}

	agent.OnCandidate(pc.handleCandidate)
	agent.OnConnectionStateChange(pc.handleICEState)
	agent.OnGatheringStateChange(pc.handleGatheringState)
	agent.OnPacket(pc.handlePacket)
	mux.OnDataChannel(pc.handleRemoteChannel)
	pipeline.OnRemoteFrame(pc.handleRemoteFrame)
	pipeline.SetAudioEnabled(config.Negotiation.Audio)

	log.Info("peer connection created")
	return pc, nil
}

// ID returns the connection id
func (pc *PeerConnection) ID() string { return pc.id }

// On 注册事件监听，返回取消函数
// 监听在实例的分发协程中串行执行，不要在其中阻塞
func (pc *PeerConnection) On(kind EventKind, fn Listener) func() {
	return pc.events.on(kind, fn)
}

// ConnectionState returns the aggregated connection state
func (pc *PeerConnection) ConnectionState() ConnectionState {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.state
}

// SignalingState returns the offer/answer state
func (pc *PeerConnection) SignalingState() negotiation.SignalingState {
	return pc.negotiator.State()
}

// LocalDescription returns the current local description, nil if none
func (pc *PeerConnection) LocalDescription() *negotiation.SessionDescription {
	return pc.negotiator.LocalDescription()
}

// RemoteDescription returns the current remote description, nil if none
func (pc *PeerConnection) RemoteDescription() *negotiation.SessionDescription {
	return pc.negotiator.RemoteDescription()
}

func (pc *PeerConnection) setStateLocked(s ConnectionState) {
	if pc.state == s || pc.state.terminal() {
		return
	}
	pc.log.Info("state %s -> %s", pc.state, s)
	pc.state = s
	pc.events.emit(Event{Kind: EventConnectionStateChange, State: s})
}

// fail 上报异步失败并进入 Failed
func (pc *PeerConnection) fail(kind EventKind, err error) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.closed {
		return
	}
	pc.log.Error("%v", err)
	pc.events.emit(Event{Kind: kind, Message: err.Error(), Err: err})
	pc.setStateLocked(ConnectionStateFailed)
}

// reportError 上报不影响连接状态的异步错误
func (pc *PeerConnection) reportError(err error) {
	pc.log.Warn("%v", err)
	pc.events.emit(Event{Kind: EventError, Message: err.Error(), Err: err})
}

func (pc *PeerConnection) checkOpenLocked() error {
	if pc.closed {
		return rtcerr.ErrClosed
	}
	if pc.state == ConnectionStateFailed {
		return fmt.Errorf("%w: connection failed", rtcerr.ErrInvalidState)
	}
	return nil
}

// Close 关闭连接，可重复调用
// 返回之后不会再开始任何事件回调
func (pc *PeerConnection) Close() error {
	pc.mu.Lock()
	if pc.closed {
		pc.mu.Unlock()
		return nil
	}
	pc.closed = true
	pc.state = ConnectionStateClosed
	pc.stopNegotiationTimerLocked()
	device := pc.device
	pc.device = nil
	servers := pc.servers
	pc.servers = nil
	pc.mu.Unlock()

	pc.events.close()
	pc.cancel()

	errs := []error{
		pc.mux.Close(),
		pc.agent.Close(),
		pc.pipeline.Close(),
	}
	if device != nil {
		errs = append(errs, device.Close())
	}
	for _, s := range servers {
		errs = append(errs, s.Close())
	}

	pc.log.Info("peer connection closed")
	return errors.Join(errs...)
}

// Stats 返回连接统计
func (pc *PeerConnection) Stats() Stats {
	pc.mu.Lock()
	state := pc.state
	pc.mu.Unlock()

	st := Stats{
		ID:               pc.id,
		State:            state.String(),
		SignalingState:   pc.negotiator.State().String(),
		ICEState:         pc.agent.ConnectionState().String(),
		GatheringState:   pc.agent.GatheringState().String(),
		LocalCandidates:  pc.agent.LocalCandidates(),
		CandidatePairs:   pc.agent.CandidatePairs(),
		Channels:         pc.mux.Stats(),
		Traffic:          pc.traffic.Snapshot(),
		EventsDispatched: pc.events.dispatched.Load(),
		FramesDropped:    pc.events.framesDropped.Load(),
		Uptime:           int64(time.Since(pc.createdAt).Seconds()),
	}
	if sp, ok := pc.agent.SelectedPair(); ok {
		st.SelectedPair = &sp
	}
	if s, ok := pc.pipeline.(pipelineStater); ok {
		ms := s.Stats()
		st.Media = &ms
	}
	return st
}
