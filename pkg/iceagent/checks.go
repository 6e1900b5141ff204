/*
 * @Author: Marlon.M
 * @Email: maiguangyang@163.com
 * @Date: 2026-01-13
 *
 * 连接检查 (RFC 8445 §7)
 * 候选对按优先级排序，同优先级按发现顺序
 * controlling 方采用 aggressive nomination，每个请求带 USE-CANDIDATE
 */
package iceagent

import (
	"net"
	"sort"
	"strings"
	"time"

	"github.com/pion/ice/v4"
	"github.com/pion/stun/v3"
)

// candidatePair 本地候选 + 远端候选
type candidatePair struct {
	id         string
	seq        int
	local      *localCandidate
	remote     ice.Candidate
	remoteAddr *net.UDPAddr

	state     pairState
	requests  int
	lastSent  time.Time
	triggered bool
	nominated bool
	// 未完成的 consent 事务，每个候选对最多一个
	consentTx [stun.TransactionIDSize]byte
	hasConsent bool
}

func (p *candidatePair) priority(controlling bool) uint64 {
	return pairPriority(controlling, p.local.candidate.Priority(), p.remote.Priority())
}

type transactionKind int

const (
	txGather transactionKind = iota
	txCheck
	txConsent
)

type transaction struct {
	kind   transactionKind
	pair   *candidatePair
	result chan *net.UDPAddr
	sent   time.Time
	// 发出请求时的角色，用于处理 487
	controlling bool
}

// outbound 在锁外写出的 STUN 请求
type outbound struct {
	conn net.PacketConn
	raw  []byte
	to   *net.UDPAddr
}

func (o *outbound) send() {
	if o == nil {
		return
	}
	_, _ = o.conn.WriteTo(o.raw, o.to)
}

// addRemoteLocked 登记远端候选并与本地候选配对，重复的候选忽略
func (a *Agent) addRemoteLocked(c ice.Candidate) {
	if !usable(c) {
		a.log.Debug("ignore remote candidate %s", c.String())
		return
	}
	for _, r := range a.remoteCandidates {
		if r.Equal(c) {
			return
		}
	}
	a.remoteCandidates = append(a.remoteCandidates, c)
	a.log.Debug("remote candidate %s", c.String())

	for _, lc := range a.localCandidates {
		if lc.candidate.Type() == ice.CandidateTypeServerReflexive {
			continue
		}
		a.addPairLocked(lc, c)
	}
}

func (a *Agent) addPairLocked(lc *localCandidate, r ice.Candidate) *candidatePair {
	id := candidateKey(lc.candidate) + "->" + candidateKey(r)
	for _, p := range a.pairs {
		if p.id == id {
			return p
		}
	}
	a.pairSeq++
	p := &candidatePair{
		id:         id,
		seq:        a.pairSeq,
		local:      lc,
		remote:     r,
		remoteAddr: candidateAddr(r),
	}
	a.pairs = append(a.pairs, p)
	a.sortPairsLocked()
	return p
}

func (a *Agent) sortPairsLocked() {
	controlling := a.controlling
	sort.SliceStable(a.pairs, func(i, j int) bool {
		pi, pj := a.pairs[i].priority(controlling), a.pairs[j].priority(controlling)
		if pi != pj {
			return pi > pj
		}
		return a.pairs[i].seq < a.pairs[j].seq
	})
}

// checkLoop 按节拍每次最多发出一个检查
func (a *Agent) checkLoop() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
		}

		out, done := a.tick(time.Now())
		out.send()
		if done {
			return
		}
	}
}

// tick 推进一次检查；done 表示进入终态，检查循环退出
func (a *Agent) tick(now time.Time) (*outbound, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch a.state {
	case ConnectionStateClosed, ConnectionStateFailed:
		return nil, true
	}

	a.expireTransactionsLocked(now)

	for _, p := range a.pairs {
		if p.state == pairStateInProgress && now.Sub(p.lastSent) >= a.config.RetransmitInterval && p.requests >= a.config.MaxBindingRequests {
			p.state = pairStateFailed
			a.log.Debug("pair %s failed after %d requests", p.id, p.requests)
		}
	}

	if a.selected == nil {
		if now.Sub(a.checkStart) >= a.config.FailedTimeout || a.allFailedLocked() {
			a.log.Warn("no valid candidate pair, %d pairs checked", len(a.pairs))
			a.setStateLocked(ConnectionStateFailed)
			return nil, true
		}
	} else if a.state == ConnectionStateConnected && a.resolvedLocked() {
		a.setStateLocked(ConnectionStateCompleted)
	}

	p := a.nextPairLocked(now)
	if p == nil {
		return nil, false
	}
	return a.checkRequestLocked(p, now), false
}

// nextPairLocked 触发检查优先，其次按顺序取 waiting，最后是到期重传
func (a *Agent) nextPairLocked(now time.Time) *candidatePair {
	for _, p := range a.pairs {
		if p.triggered && p.state != pairStateSucceeded {
			p.triggered = false
			return p
		}
	}
	for _, p := range a.pairs {
		if p.state == pairStateWaiting {
			return p
		}
	}
	for _, p := range a.pairs {
		if p.state == pairStateInProgress && now.Sub(p.lastSent) >= a.config.RetransmitInterval && p.requests < a.config.MaxBindingRequests {
			return p
		}
	}
	return nil
}

// allFailedLocked 双方都结束收集且所有候选对失败
func (a *Agent) allFailedLocked() bool {
	if !a.remoteDone || a.gatheringState != GatheringStateComplete || len(a.pairs) == 0 {
		return false
	}
	for _, p := range a.pairs {
		if p.state != pairStateFailed {
			return false
		}
	}
	return true
}

func (a *Agent) resolvedLocked() bool {
	if !a.remoteDone || a.gatheringState != GatheringStateComplete {
		return false
	}
	for _, p := range a.pairs {
		if p.state == pairStateWaiting || p.state == pairStateInProgress || p.triggered {
			return false
		}
	}
	return true
}

func (a *Agent) checkRequestLocked(p *candidatePair, now time.Time) *outbound {
	setters := []stun.Setter{
		stun.TransactionID,
		stun.BindingRequest,
		stun.NewUsername(a.remoteUfrag + ":" + a.localUfrag),
		ice.PriorityAttr(p.local.candidate.Priority()),
	}
	if a.controlling {
		setters = append(setters, ice.AttrControlling(a.tieBreaker), ice.UseCandidate())
	} else {
		setters = append(setters, ice.AttrControlled(a.tieBreaker))
	}
	setters = append(setters, stun.NewShortTermIntegrity(a.remotePwd), stun.Fingerprint)

	msg, err := stun.Build(setters...)
	if err != nil {
		a.log.Error("build binding request: %v", err)
		return nil
	}

	if p.state == pairStateWaiting || p.state == pairStateFailed {
		p.requests = 0
	}
	p.state = pairStateInProgress
	p.requests++
	p.lastSent = now
	a.transactions[msg.TransactionID] = &transaction{kind: txCheck, pair: p, sent: now, controlling: a.controlling}

	return &outbound{conn: p.local.socket.conn, raw: msg.Raw, to: p.remoteAddr}
}

// expireTransactionsLocked 丢弃超过重传窗口仍无响应的检查事务
// gather 事务由 bindingRequest 自己清理，consent 事务每个候选对只保留一个
func (a *Agent) expireTransactionsLocked(now time.Time) {
	ttl := a.config.RetransmitInterval * time.Duration(a.config.MaxBindingRequests)
	for id, tx := range a.transactions {
		if tx.kind == txCheck && now.Sub(tx.sent) > ttl {
			delete(a.transactions, id)
		}
	}
}

func (a *Agent) handleSTUN(sock *localSocket, b []byte, from *net.UDPAddr) {
	m := &stun.Message{Raw: append([]byte(nil), b...)}
	if err := m.Decode(); err != nil {
		a.log.Trace("drop malformed STUN from %s: %v", from, err)
		return
	}
	if m.Type.Method != stun.MethodBinding {
		return
	}

	switch m.Type.Class {
	case stun.ClassRequest:
		a.handleBindingRequest(sock, m, from)
	case stun.ClassSuccessResponse:
		a.handleSuccessResponse(m, from)
	case stun.ClassErrorResponse:
		a.handleErrorResponse(m)
	}
}

// handleBindingRequest 校验 USERNAME/MESSAGE-INTEGRITY/FINGERPRINT 后响应
// 来自未知地址的请求生成 prflx 远端候选，并触发对应候选对的检查
func (a *Agent) handleBindingRequest(sock *localSocket, m *stun.Message, from *net.UDPAddr) {
	var username stun.Username
	if err := username.GetFrom(m); err != nil {
		return
	}
	if !strings.HasPrefix(username.String(), a.localUfrag+":") {
		a.log.Trace("binding request with foreign username %q", username.String())
		return
	}
	if err := stun.NewShortTermIntegrity(a.localPwd).Check(m); err != nil {
		a.log.Trace("binding request integrity: %v", err)
		return
	}
	if err := stun.Fingerprint.Check(m); err != nil {
		return
	}

	if a.resolveRoleConflict(sock, m, from) {
		return
	}

	resp, err := stun.Build(m, stun.BindingSuccess,
		&stun.XORMappedAddress{IP: from.IP, Port: from.Port},
		stun.NewShortTermIntegrity(a.localPwd),
		stun.Fingerprint,
	)
	if err != nil {
		a.log.Error("build binding response: %v", err)
		return
	}

	a.mu.Lock()
	if a.closed || a.state == ConnectionStateFailed {
		a.mu.Unlock()
		return
	}
	if _, err := sock.conn.WriteTo(resp.Raw, from); err != nil {
		a.log.Debug("binding response to %s: %v", from, err)
	}
	if a.remoteUfrag == "" {
		a.mu.Unlock()
		return
	}

	remote := a.remoteForAddrLocked(from)
	if remote == nil {
		var prio ice.PriorityAttr
		if err := prio.GetFrom(m); err != nil {
			a.mu.Unlock()
			return
		}
		prflx, err := ice.NewCandidatePeerReflexive(&ice.CandidatePeerReflexiveConfig{
			Network:   "udp",
			Address:   from.IP.String(),
			Port:      from.Port,
			Component: ice.ComponentRTP,
			Priority:  uint32(prio),
		})
		if err != nil {
			a.mu.Unlock()
			return
		}
		a.addRemoteLocked(prflx)
		remote = prflx
	}

	lc := a.localForSocketLocked(sock)
	if lc == nil {
		a.mu.Unlock()
		return
	}
	p := a.addPairLocked(lc, remote)
	if p.state != pairStateSucceeded {
		p.triggered = true
	}
	if !a.controlling && m.Contains(stun.AttrUseCandidate) {
		p.nominated = true
		if p.state == pairStateSucceeded {
			a.selectLocked()
		}
	}
	a.mu.Unlock()
}

// resolveRoleConflict RFC 8445 §7.3.1.1
// 双方角色相同时比较 tie-breaker：需要对方让步则回 487 并返回 true，否则本端切换角色
func (a *Agent) resolveRoleConflict(sock *localSocket, m *stun.Message, from *net.UDPAddr) bool {
	var remote uint64
	var sameRole bool

	a.mu.Lock()
	controlling := a.controlling
	a.mu.Unlock()

	if controlling {
		var attr ice.AttrControlling
		if err := attr.GetFrom(m); err == nil {
			remote, sameRole = uint64(attr), true
		}
	} else {
		var attr ice.AttrControlled
		if err := attr.GetFrom(m); err == nil {
			remote, sameRole = uint64(attr), true
		}
	}
	if !sameRole {
		return false
	}

	a.mu.Lock()
	if a.closed || a.controlling != controlling {
		a.mu.Unlock()
		return false
	}
	localWins := a.tieBreaker >= remote
	// controlling 且本端更大，或 controlled 且本端更小：让对方切换
	if controlling == localWins {
		a.mu.Unlock()
		a.log.Warn("role conflict with %s, answering 487 (controlling=%v)", from, controlling)
		resp, err := stun.Build(m, stun.BindingError,
			stun.CodeRoleConflict,
			stun.NewShortTermIntegrity(a.localPwd),
			stun.Fingerprint,
		)
		if err != nil {
			a.log.Error("build role conflict response: %v", err)
			return true
		}
		if _, err := sock.conn.WriteTo(resp.Raw, from); err != nil {
			a.log.Debug("role conflict response to %s: %v", from, err)
		}
		return true
	}

	a.controlling = !controlling
	a.sortPairsLocked()
	a.log.Info("role conflict with %s, switched to controlling=%v", from, a.controlling)
	a.mu.Unlock()
	return false
}

func (a *Agent) handleSuccessResponse(m *stun.Message, from *net.UDPAddr) {
	a.mu.Lock()
	tx, ok := a.transactions[m.TransactionID]
	if !ok {
		a.mu.Unlock()
		return
	}

	switch tx.kind {
	case txGather:
		delete(a.transactions, m.TransactionID)
		a.mu.Unlock()
		var mapped stun.XORMappedAddress
		if err := mapped.GetFrom(m); err != nil {
			return
		}
		select {
		case tx.result <- &net.UDPAddr{IP: mapped.IP, Port: mapped.Port}:
		default:
		}
		return

	case txCheck, txConsent:
		if err := stun.NewShortTermIntegrity(a.remotePwd).Check(m); err != nil {
			a.mu.Unlock()
			return
		}
		delete(a.transactions, m.TransactionID)
		p := tx.pair
		if tx.kind == txConsent && p.consentTx == m.TransactionID {
			p.hasConsent = false
		}
		// 响应必须来自请求的目标地址
		if !from.IP.Equal(p.remoteAddr.IP) || from.Port != p.remoteAddr.Port {
			a.mu.Unlock()
			return
		}

		if tx.kind == txConsent {
			a.mu.Unlock()
			a.keepalive.handlePong(p.id)
			return
		}

		if a.closed || a.state == ConnectionStateFailed {
			a.mu.Unlock()
			return
		}
		p.state = pairStateSucceeded
		p.triggered = false
		if a.controlling {
			p.nominated = true
		}
		a.selectLocked()
		a.mu.Unlock()
	default:
		a.mu.Unlock()
	}
}

func (a *Agent) handleErrorResponse(m *stun.Message) {
	a.mu.Lock()
	defer a.mu.Unlock()

	tx, ok := a.transactions[m.TransactionID]
	if !ok || (tx.kind != txCheck && tx.kind != txConsent) {
		return
	}
	delete(a.transactions, m.TransactionID)
	if tx.kind == txConsent && tx.pair.consentTx == m.TransactionID {
		tx.pair.hasConsent = false
	}

	var code stun.ErrorCodeAttribute
	if err := code.GetFrom(m); err == nil && code.Code == stun.CodeRoleConflict {
		// 切换到与请求中相反的角色，已经切换过则保持
		if a.controlling == tx.controlling {
			a.controlling = !tx.controlling
			a.sortPairsLocked()
			a.log.Info("role conflict, switched to controlling=%v", a.controlling)
		}
		if tx.kind == txCheck {
			tx.pair.state = pairStateWaiting
			tx.pair.triggered = true
		}
		return
	}
	if tx.kind == txCheck {
		tx.pair.state = pairStateFailed
	}
}

// selectLocked 选出当前最优的已成功候选对
// controlled 方优先已被提名的候选对
func (a *Agent) selectLocked() {
	var best *candidatePair
	for _, p := range a.pairs {
		if p.state != pairStateSucceeded {
			continue
		}
		if best == nil {
			best = p
			continue
		}
		if !a.controlling && p.nominated && !best.nominated {
			best = p
		}
	}
	if best == nil || best == a.selected {
		return
	}

	a.selected = best
	a.log.Info("selected pair %s", best.id)
	a.keepalive.track(best.id)
	a.keepalive.start()

	switch a.state {
	case ConnectionStateChecking, ConnectionStateDisconnected:
		a.setStateLocked(ConnectionStateConnected)
	}
}

func (a *Agent) remoteForAddrLocked(addr *net.UDPAddr) ice.Candidate {
	for _, r := range a.remoteCandidates {
		if sameTransportAddr(r, addr) {
			return r
		}
	}
	return nil
}

func (a *Agent) localForSocketLocked(sock *localSocket) *localCandidate {
	for _, lc := range a.localCandidates {
		if lc.socket == sock && lc.candidate.Type() != ice.CandidateTypeServerReflexive {
			return lc
		}
	}
	return nil
}

// sendConsent keepalive 回调，在选中的候选对上发送 consent 请求
func (a *Agent) sendConsent(pairID string) {
	a.mu.Lock()
	p := a.selected
	if a.closed || p == nil || p.id != pairID {
		a.mu.Unlock()
		return
	}
	msg, err := stun.Build(
		stun.TransactionID,
		stun.BindingRequest,
		stun.NewUsername(a.remoteUfrag+":"+a.localUfrag),
		ice.PriorityAttr(p.local.candidate.Priority()),
		a.roleAttrLocked(),
		stun.NewShortTermIntegrity(a.remotePwd),
		stun.Fingerprint,
	)
	if err != nil {
		a.mu.Unlock()
		return
	}
	if p.hasConsent {
		delete(a.transactions, p.consentTx)
	}
	p.consentTx = msg.TransactionID
	p.hasConsent = true
	a.transactions[msg.TransactionID] = &transaction{kind: txConsent, pair: p, sent: time.Now(), controlling: a.controlling}
	out := &outbound{conn: p.local.socket.conn, raw: msg.Raw, to: p.remoteAddr}
	a.mu.Unlock()

	out.send()
}

func (a *Agent) roleAttrLocked() stun.Setter {
	if a.controlling {
		return ice.AttrControlling(a.tieBreaker)
	}
	return ice.AttrControlled(a.tieBreaker)
}

func (a *Agent) consentLost(pairID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.selected == nil || a.selected.id != pairID {
		return
	}
	switch a.state {
	case ConnectionStateConnected, ConnectionStateCompleted:
		a.log.Warn("consent lost on %s", pairID)
		a.setStateLocked(ConnectionStateDisconnected)
	}
}

func (a *Agent) consentRestored(pairID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.selected == nil || a.selected.id != pairID {
		return
	}
	if a.state == ConnectionStateDisconnected {
		a.log.Info("consent restored on %s", pairID)
		a.setStateLocked(ConnectionStateConnected)
	}
}
