/*
 * @Author: Marlon.M
 * @Email: maiguangyang@163.com
 * @Date: 2025-12-24
 *
 * Keepalive - consent freshness (RFC 7675)
 * 定期在选中的候选对上发送 binding request，超时无响应则认为断开
 */
package iceagent

import (
	"sync"
	"sync/atomic"
	"time"
)

// pairStatus 候选对 consent 状态
type pairStatus int32

const (
	pairStatusUnknown pairStatus = iota
	pairStatusOnline
	pairStatusOffline
)

func (s pairStatus) String() string {
	switch s {
	case pairStatusOnline:
		return "online"
	case pairStatusOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// KeepaliveConfig consent 配置
type KeepaliveConfig struct {
	// 发送间隔
	Interval time.Duration
	// 超过此时间没有响应则断开
	Timeout time.Duration
}

// DefaultKeepaliveConfig 返回默认配置
func DefaultKeepaliveConfig() KeepaliveConfig {
	return KeepaliveConfig{
		Interval: 2 * time.Second,
		Timeout:  6 * time.Second,
	}
}

// pairHeartbeat 单个候选对的 consent 状态
type pairHeartbeat struct {
	mu sync.RWMutex

	pairID     string
	status     atomic.Int32
	lastPing   time.Time     // 上次发送 request 的时间
	lastPong   time.Time     // 上次收到 response 的时间
	rtt        time.Duration // 往返时间
	totalPings uint64
	totalPongs uint64
}

func newPairHeartbeat(pairID string) *pairHeartbeat {
	h := &pairHeartbeat{
		pairID:   pairID,
		lastPong: time.Now(),
	}
	h.status.Store(int32(pairStatusOnline))
	return h
}

func (h *pairHeartbeat) markPingSent() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastPing = time.Now()
	h.totalPings++
}

func (h *pairHeartbeat) markPongReceived() {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := time.Now()
	if !h.lastPing.IsZero() {
		h.rtt = now.Sub(h.lastPing)
	}
	h.lastPong = now
	h.totalPongs++
}

func (h *pairHeartbeat) getStatus() pairStatus {
	return pairStatus(h.status.Load())
}

func (h *pairHeartbeat) getRTT() time.Duration {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.rtt
}

func (h *pairHeartbeat) getLastPong() time.Time {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lastPong
}

// keepaliveManager 跟踪选中候选对的 consent
type keepaliveManager struct {
	mu     sync.RWMutex
	config KeepaliveConfig

	pairs map[string]*pairHeartbeat

	// 回调
	onOnline  func(pairID string)
	onOffline func(pairID string)
	onPing    func(pairID string) // 需要发送 binding request 时触发

	stopCh  chan struct{}
	started bool
	closed  bool
}

func newKeepaliveManager(config KeepaliveConfig) *keepaliveManager {
	return &keepaliveManager{
		config: config,
		pairs:  make(map[string]*pairHeartbeat),
		stopCh: make(chan struct{}),
	}
}

func (m *keepaliveManager) setCallbacks(onPing, onOnline, onOffline func(pairID string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onPing = onPing
	m.onOnline = onOnline
	m.onOffline = onOffline
}

// track 开始跟踪候选对，替换之前跟踪的所有候选对
func (m *keepaliveManager) track(pairID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.pairs[pairID]; exists {
		return
	}
	m.pairs = map[string]*pairHeartbeat{pairID: newPairHeartbeat(pairID)}
}

// handlePong 处理 consent 响应
func (m *keepaliveManager) handlePong(pairID string) {
	m.mu.RLock()
	pair, exists := m.pairs[pairID]
	fn := m.onOnline
	m.mu.RUnlock()

	if !exists {
		return
	}

	pair.markPongReceived()
	old := pairStatus(pair.status.Swap(int32(pairStatusOnline)))
	if old == pairStatusOffline && fn != nil {
		fn(pairID)
	}
}

func (m *keepaliveManager) status(pairID string) pairStatus {
	m.mu.RLock()
	pair, exists := m.pairs[pairID]
	m.mu.RUnlock()

	if !exists {
		return pairStatusUnknown
	}
	return pair.getStatus()
}

func (m *keepaliveManager) rtt(pairID string) time.Duration {
	m.mu.RLock()
	pair, exists := m.pairs[pairID]
	m.mu.RUnlock()

	if !exists {
		return 0
	}
	return pair.getRTT()
}

// start 启动 consent 检测，重复调用无效
func (m *keepaliveManager) start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started || m.closed {
		return
	}
	m.started = true
	go m.runLoop()
}

func (m *keepaliveManager) runLoop() {
	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.checkAll()
		}
	}
}

func (m *keepaliveManager) checkAll() {
	m.mu.RLock()
	pairs := make([]*pairHeartbeat, 0, len(m.pairs))
	for _, pair := range m.pairs {
		pairs = append(pairs, pair)
	}
	onPing := m.onPing
	onOffline := m.onOffline
	m.mu.RUnlock()

	now := time.Now()

	for _, pair := range pairs {
		if now.Sub(pair.getLastPong()) > m.config.Timeout {
			old := pairStatus(pair.status.Swap(int32(pairStatusOffline)))
			if old != pairStatusOffline && onOffline != nil {
				onOffline(pair.pairID)
			}
		}

		if onPing != nil {
			pair.markPingSent()
			onPing(pair.pairID)
		}
	}
}

// stop 停止 consent 检测
func (m *keepaliveManager) stop() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	close(m.stopCh)
}
