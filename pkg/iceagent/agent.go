/*
 * @Author: Marlon.M
 * @Email: maiguangyang@163.com
 * @Date: 2026-01-13
 *
 * IceAgent - 候选收集、连接检查、consent
 * 网络通过 transport.Net 抽象，生产用 stdnet，测试用 vnet
 */
package iceagent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/maiguangyang/peer_core/pkg/rtcerr"
	"github.com/maiguangyang/peer_core/pkg/utils"
	"github.com/pion/ice/v4"
	"github.com/pion/logging"
	"github.com/pion/randutil"
	"github.com/pion/stun/v3"
	"github.com/pion/transport/v3"
	"github.com/pion/transport/v3/stdnet"
	"github.com/pion/turn/v4"
)

const (
	runesAlpha = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
	runesCreds = runesAlpha + "0123456789+/"

	ufragLength = 16
	pwdLength   = 32
)

// Config 代理配置
type Config struct {
	// 网络实现，nil 使用 stdnet
	Net transport.Net
	// 是否收集回环地址
	IncludeLoopback bool
	// 本地地址过滤
	IPFilter func(ip net.IP) bool
	// 连接检查节拍
	CheckInterval time.Duration
	// 同一候选对两次请求的间隔
	RetransmitInterval time.Duration
	// 单个候选对最多发送的请求数
	MaxBindingRequests int
	// 进入 Checking 后多久没有可用候选对则失败
	FailedTimeout time.Duration
	// srflx / relay 收集超时
	GatherTimeout time.Duration
	// consent 配置
	Keepalive KeepaliveConfig
	// 日志
	Logger        *utils.Logger
	LoggerFactory logging.LoggerFactory
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		CheckInterval:      20 * time.Millisecond,
		RetransmitInterval: 200 * time.Millisecond,
		MaxBindingRequests: 7,
		FailedTimeout:      15 * time.Second,
		GatherTimeout:      3 * time.Second,
		Keepalive:          DefaultKeepaliveConfig(),
	}
}

// localSocket 一个本地传输地址 (host 的 UDP socket 或 TURN relay)
type localSocket struct {
	conn net.PacketConn
	base ice.Candidate
}

type localCandidate struct {
	candidate ice.Candidate
	socket    *localSocket
}

// Agent is a full ICE agent for one component over UDP/IPv4
type Agent struct {
	mu sync.Mutex

	config        Config
	net           transport.Net
	log           *utils.Logger
	loggerFactory logging.LoggerFactory

	localUfrag  string
	localPwd    string
	remoteUfrag string
	remotePwd   string
	controlling bool
	tieBreaker  uint64

	servers []*stun.URI

	state          ConnectionState
	gatheringState GatheringState
	remoteDone     bool

	sockets          []*localSocket
	localCandidates  []*localCandidate
	remoteCandidates []ice.Candidate
	pendingRemote    []ice.Candidate
	pairs            []*candidatePair
	selected         *candidatePair
	pairSeq          int

	transactions map[[stun.TransactionIDSize]byte]*transaction
	turnClients  []*turn.Client
	turnConns    []net.PacketConn

	checkStart time.Time
	keepalive  *keepaliveManager
	notify     *notifier

	onCandidate      func(Candidate)
	onStateChange    func(ConnectionState)
	onGatheringState func(GatheringState)
	onPacket         func([]byte)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed bool
}

// NewAgent creates an agent with fresh local credentials
func NewAgent(config Config) (*Agent, error) {
	def := DefaultConfig()
	if config.CheckInterval <= 0 {
		config.CheckInterval = def.CheckInterval
	}
	if config.RetransmitInterval <= 0 {
		config.RetransmitInterval = def.RetransmitInterval
	}
	if config.MaxBindingRequests <= 0 {
		config.MaxBindingRequests = def.MaxBindingRequests
	}
	if config.FailedTimeout <= 0 {
		config.FailedTimeout = def.FailedTimeout
	}
	if config.GatherTimeout <= 0 {
		config.GatherTimeout = def.GatherTimeout
	}
	if config.Keepalive.Interval <= 0 || config.Keepalive.Timeout <= 0 {
		config.Keepalive = def.Keepalive
	}

	nw := config.Net
	if nw == nil {
		std, err := stdnet.NewNet()
		if err != nil {
			return nil, err
		}
		nw = std
	}

	ufrag, err := randutil.GenerateCryptoRandomString(ufragLength, runesAlpha)
	if err != nil {
		return nil, err
	}
	pwd, err := randutil.GenerateCryptoRandomString(pwdLength, runesCreds)
	if err != nil {
		return nil, err
	}
	tieBreaker, err := randutil.CryptoUint64()
	if err != nil {
		return nil, err
	}

	logger := config.Logger
	if logger == nil {
		logger = utils.GetLogger()
	}
	lf := config.LoggerFactory
	if lf == nil {
		lf = utils.NewLoggerFactory(logger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := &Agent{
		config:        config,
		net:           nw,
		log:           logger.Named("ice"),
		loggerFactory: lf,
		localUfrag:    ufrag,
		localPwd:      pwd,
		tieBreaker:    tieBreaker,
		transactions:  make(map[[stun.TransactionIDSize]byte]*transaction),
		keepalive:     newKeepaliveManager(config.Keepalive),
		notify:        newNotifier(),
		ctx:           ctx,
		cancel:        cancel,
	}
	a.keepalive.setCallbacks(a.sendConsent, a.consentRestored, a.consentLost)
	return a, nil
}

// LocalCredentials returns the local ufrag and pwd
func (a *Agent) LocalCredentials() (ufrag, pwd string) {
	return a.localUfrag, a.localPwd
}

// AddServer 添加 STUN/TURN 服务器，必须在 StartGathering 之前
func (a *Agent) AddServer(rawURI, username, credential string) error {
	uri, err := stun.ParseURI(rawURI)
	if err != nil {
		return fmt.Errorf("invalid ICE server %q: %w", rawURI, err)
	}
	switch uri.Scheme {
	case stun.SchemeTypeTURN, stun.SchemeTypeTURNS:
		if username == "" || credential == "" {
			return fmt.Errorf("TURN server %q requires credentials", rawURI)
		}
		uri.Username = username
		uri.Password = credential
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return rtcerr.ErrClosed
	}
	if a.gatheringState != GatheringStateNew {
		a.log.Warn("server %s added after gathering started, ignored for this session", rawURI)
	}
	a.servers = append(a.servers, uri)
	return nil
}

// OnCandidate 本地候选回调，收集完成时收到 IsEndOfCandidates 的哨兵
func (a *Agent) OnCandidate(fn func(Candidate)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onCandidate = fn
}

// OnConnectionStateChange 连接状态回调
func (a *Agent) OnConnectionStateChange(fn func(ConnectionState)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onStateChange = fn
}

// OnGatheringStateChange 收集状态回调
func (a *Agent) OnGatheringStateChange(fn func(GatheringState)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onGatheringState = fn
}

// OnPacket 非 STUN 数据包回调，b 只在回调期间有效
func (a *Agent) OnPacket(fn func(b []byte)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onPacket = fn
}

// SetControlling 设置角色，offerer 为 controlling
func (a *Agent) SetControlling(controlling bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.controlling == controlling {
		return
	}
	a.controlling = controlling
	a.sortPairsLocked()
}

// ConnectionState returns the current connection state
func (a *Agent) ConnectionState() ConnectionState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// GatheringState returns the current gathering state
func (a *Agent) GatheringState() GatheringState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.gatheringState
}

// SetRemoteCredentials 设置远端 ufrag/pwd，开始连接检查
// 之前缓存的远端候选在此时配对
func (a *Agent) SetRemoteCredentials(ufrag, pwd string) error {
	if ufrag == "" || pwd == "" {
		return fmt.Errorf("%w: empty remote credentials", rtcerr.ErrInvalidState)
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return rtcerr.ErrClosed
	}
	if a.remoteUfrag != "" {
		same := a.remoteUfrag == ufrag && a.remotePwd == pwd
		a.mu.Unlock()
		if same {
			return nil
		}
		return fmt.Errorf("%w: ICE restart is not supported", rtcerr.ErrInvalidState)
	}

	a.remoteUfrag = ufrag
	a.remotePwd = pwd
	pending := a.pendingRemote
	a.pendingRemote = nil
	for _, c := range pending {
		a.addRemoteLocked(c)
	}
	a.checkStart = time.Now()
	a.setStateLocked(ConnectionStateChecking)

	a.wg.Add(1)
	go a.checkLoop()
	a.mu.Unlock()

	a.log.Debug("remote credentials set, %d buffered candidates applied", len(pending))
	return nil
}

// AddRemoteCandidate 添加远端候选
// 格式错误返回 ErrInvalidCandidate；远端凭据未到之前先缓存
func (a *Agent) AddRemoteCandidate(c Candidate) error {
	if c.IsEndOfCandidates() {
		a.mu.Lock()
		a.remoteDone = true
		a.mu.Unlock()
		return nil
	}

	parsed, err := ParseCandidate(c.Candidate)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return rtcerr.ErrClosed
	}
	if a.remoteUfrag == "" {
		a.pendingRemote = append(a.pendingRemote, parsed)
		return nil
	}
	a.addRemoteLocked(parsed)
	return nil
}

// Send 在选中的候选对上发送数据
func (a *Agent) Send(b []byte) (int, error) {
	a.mu.Lock()
	pair := a.selected
	a.mu.Unlock()

	if pair == nil {
		return 0, fmt.Errorf("%w: no selected candidate pair", rtcerr.ErrInvalidState)
	}
	return pair.local.socket.conn.WriteTo(b, pair.remoteAddr)
}

// CandidatePairStats 候选对快照
type CandidatePairStats struct {
	Local    string `json:"local"`
	Remote   string `json:"remote"`
	Priority uint64 `json:"priority"`
	State    string `json:"state"`
	Selected bool   `json:"selected"`
	RTT      int64  `json:"rtt_ms"`
}

// CandidatePairs 按检查顺序返回所有候选对
func (a *Agent) CandidatePairs() []CandidatePairStats {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]CandidatePairStats, 0, len(a.pairs))
	for _, p := range a.pairs {
		out = append(out, a.pairStatsLocked(p))
	}
	return out
}

// SelectedPair 返回选中的候选对
func (a *Agent) SelectedPair() (CandidatePairStats, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.selected == nil {
		return CandidatePairStats{}, false
	}
	return a.pairStatsLocked(a.selected), true
}

func (a *Agent) pairStatsLocked(p *candidatePair) CandidatePairStats {
	s := CandidatePairStats{
		Local:    p.local.candidate.String(),
		Remote:   p.remote.String(),
		Priority: p.priority(a.controlling),
		State:    p.state.String(),
		Selected: p == a.selected,
	}
	if s.Selected {
		s.RTT = a.keepalive.rtt(p.id).Milliseconds()
	}
	return s
}

// LocalCandidates 返回已收集的本地候选
func (a *Agent) LocalCandidates() []Candidate {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Candidate, 0, len(a.localCandidates))
	for _, lc := range a.localCandidates {
		out = append(out, toCandidate(lc.candidate))
	}
	return out
}

// Close 取消收集与检查，关闭所有 socket，之后不再回调
func (a *Agent) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.state = ConnectionStateClosed
	sockets := a.sockets
	clients := a.turnClients
	turnConns := a.turnConns
	a.sockets = nil
	a.turnClients = nil
	a.turnConns = nil
	a.mu.Unlock()

	a.notify.close()
	a.cancel()
	a.keepalive.stop()

	var errs []error
	for _, s := range sockets {
		if err := s.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	for _, c := range clients {
		c.Close()
	}
	for _, c := range turnConns {
		_ = c.Close()
	}

	a.wg.Wait()

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("close ICE agent: %w", err)
	}
	return nil
}

// setStateLocked 记录状态并排队回调，调用方持有 a.mu
func (a *Agent) setStateLocked(state ConnectionState) {
	if a.state == state || a.closed {
		return
	}
	a.log.Info("connection state %s -> %s", a.state, state)
	a.state = state
	if fn := a.onStateChange; fn != nil {
		a.notify.push(func() { fn(state) })
	}
}

func (a *Agent) setGatheringStateLocked(state GatheringState) {
	if a.gatheringState == state || a.closed {
		return
	}
	a.gatheringState = state
	if fn := a.onGatheringState; fn != nil {
		a.notify.push(func() { fn(state) })
	}
}

func (a *Agent) emitCandidateLocked(c Candidate) {
	if a.closed {
		return
	}
	if fn := a.onCandidate; fn != nil {
		a.notify.push(func() { fn(c) })
	}
}
