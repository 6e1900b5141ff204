/*
 * @Author: Marlon.M
 * @Email: maiguangyang@163.com
 * @Date: 2026-01-13
 *
 * 候选收集
 * host 同步收集；srflx 和 relay 并发收集，受 GatherTimeout 约束
 * 全部结束后发出 end-of-candidates 哨兵
 */
package iceagent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/maiguangyang/peer_core/pkg/rtcerr"
	"github.com/maiguangyang/peer_core/pkg/utils"
	"github.com/pion/ice/v4"
	"github.com/pion/stun/v3"
	"github.com/pion/turn/v4"
)

// StartGathering 开始收集本地候选，只能调用一次
func (a *Agent) StartGathering(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return rtcerr.ErrClosed
	}
	if a.gatheringState != GatheringStateNew {
		a.mu.Unlock()
		return fmt.Errorf("%w: gathering already started", rtcerr.ErrInvalidState)
	}
	a.setGatheringStateLocked(GatheringStateGathering)
	servers := append([]*stun.URI(nil), a.servers...)
	a.mu.Unlock()

	hosts, err := a.gatherHost()
	if err != nil {
		return err
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return rtcerr.ErrClosed
	}
	a.wg.Add(1)
	a.mu.Unlock()

	go func() {
		defer a.wg.Done()

		gctx, cancel := context.WithTimeout(ctx, a.config.GatherTimeout)
		defer cancel()
		stop := context.AfterFunc(a.ctx, cancel)
		defer stop()

		var wg sync.WaitGroup
		for _, uri := range servers {
			wg.Add(1)
			go func(uri *stun.URI) {
				defer wg.Done()
				switch uri.Scheme {
				case stun.SchemeTypeSTUN:
					a.gatherServerReflexive(gctx, hosts, uri)
				case stun.SchemeTypeTURN:
					a.gatherRelay(gctx, hosts, uri)
				default:
					a.log.Warn("unsupported ICE server scheme %s", uri.Scheme)
				}
			}(uri)
		}
		wg.Wait()

		a.mu.Lock()
		a.emitCandidateLocked(Candidate{})
		a.setGatheringStateLocked(GatheringStateComplete)
		a.mu.Unlock()
		a.log.Debug("gathering complete")
	}()
	return nil
}

// gatherHost 每个本地 IPv4 地址绑定一个 UDP socket
func (a *Agent) gatherHost() ([]*localSocket, error) {
	ifaces, err := a.net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("list interfaces: %w", err)
	}

	var hosts []*localSocket
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		if iface.Flags&net.FlagLoopback != 0 && !a.config.IncludeLoopback {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if ip == nil || ip.To4() == nil {
				continue
			}
			if ip.IsLoopback() && !a.config.IncludeLoopback {
				continue
			}
			if ip.IsLinkLocalUnicast() {
				continue
			}
			if a.config.IPFilter != nil && !a.config.IPFilter(ip) {
				continue
			}

			sock, err := a.listenHost(ip.To4())
			if errors.Is(err, rtcerr.ErrClosed) {
				return nil, err
			}
			if err != nil {
				a.log.Warn("listen on %s failed: %v", ip, err)
				continue
			}
			hosts = append(hosts, sock)
		}
	}

	if len(hosts) == 0 {
		return nil, fmt.Errorf("%w: no usable local IPv4 address", rtcerr.ErrICEConnectivity)
	}
	return hosts, nil
}

func (a *Agent) listenHost(ip net.IP) (*localSocket, error) {
	conn, err := a.net.ListenPacket("udp4", net.JoinHostPort(ip.String(), "0"))
	if err != nil {
		return nil, err
	}
	laddr, ok := toUDPAddr(conn.LocalAddr())
	if !ok {
		_ = conn.Close()
		return nil, fmt.Errorf("unexpected local address %s", conn.LocalAddr())
	}

	host, err := ice.NewCandidateHost(&ice.CandidateHostConfig{
		Network:   "udp",
		Address:   ip.String(),
		Port:      laddr.Port,
		Component: ice.ComponentRTP,
	})
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	sock := &localSocket{conn: conn, base: host}
	if !a.addLocal(sock, host) {
		_ = conn.Close()
		return nil, rtcerr.ErrClosed
	}
	return sock, nil
}

// addLocal 登记本地 socket 和候选，启动读循环并发出候选
// 返回 false 表示 agent 已关闭
func (a *Agent) addLocal(sock *localSocket, c ice.Candidate) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return false
	}

	a.sockets = append(a.sockets, sock)
	a.addLocalCandidateLocked(sock, c)

	a.wg.Add(1)
	go a.readLoop(sock)
	return true
}

func (a *Agent) addLocalCandidateLocked(sock *localSocket, c ice.Candidate) {
	lc := &localCandidate{candidate: c, socket: sock}
	a.localCandidates = append(a.localCandidates, lc)
	a.log.Debug("local candidate %s", c.String())
	a.emitCandidateLocked(toCandidate(c))

	// srflx 与其 host base 相同，不单独配对
	if c.Type() == ice.CandidateTypeServerReflexive {
		return
	}
	for _, r := range a.remoteCandidates {
		a.addPairLocked(lc, r)
	}
}

// gatherServerReflexive 通过 host socket 向 STUN 服务器发 binding request
func (a *Agent) gatherServerReflexive(ctx context.Context, hosts []*localSocket, uri *stun.URI) {
	serverAddr, err := a.net.ResolveUDPAddr("udp4", net.JoinHostPort(uri.Host, strconv.Itoa(uri.Port)))
	if err != nil {
		a.log.Warn("resolve STUN server %s: %v", uri, err)
		return
	}

	var wg sync.WaitGroup
	for _, host := range hosts {
		wg.Add(1)
		go func(host *localSocket) {
			defer wg.Done()
			mapped, err := a.bindingRequest(ctx, host, serverAddr)
			if err != nil {
				a.log.Debug("srflx via %s from %s: %v", uri, host.conn.LocalAddr(), err)
				return
			}
			a.addServerReflexive(host, mapped)
		}(host)
	}
	wg.Wait()
}

func (a *Agent) addServerReflexive(host *localSocket, mapped *net.UDPAddr) {
	base, _ := toUDPAddr(host.conn.LocalAddr())
	if base != nil && mapped.IP.Equal(base.IP) && mapped.Port == base.Port {
		return
	}

	srflx, err := ice.NewCandidateServerReflexive(&ice.CandidateServerReflexiveConfig{
		Network:   "udp",
		Address:   mapped.IP.String(),
		Port:      mapped.Port,
		Component: ice.ComponentRTP,
		RelAddr:   host.base.Address(),
		RelPort:   host.base.Port(),
	})
	if err != nil {
		a.log.Warn("srflx candidate: %v", err)
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	for _, lc := range a.localCandidates {
		if lc.candidate.Type() == ice.CandidateTypeServerReflexive && lc.candidate.Equal(srflx) {
			return
		}
	}
	a.addLocalCandidateLocked(host, srflx)
}

// bindingRequest 发送 binding request 并等待 XOR-MAPPED-ADDRESS
// 响应由 socket 读循环通过事务表投递
func (a *Agent) bindingRequest(ctx context.Context, sock *localSocket, server *net.UDPAddr) (*net.UDPAddr, error) {
	msg, err := stun.Build(stun.TransactionID, stun.BindingRequest, stun.Fingerprint)
	if err != nil {
		return nil, err
	}

	tx := &transaction{kind: txGather, result: make(chan *net.UDPAddr, 1)}
	a.mu.Lock()
	a.transactions[msg.TransactionID] = tx
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.transactions, msg.TransactionID)
		a.mu.Unlock()
	}()

	ticker := time.NewTicker(a.config.RetransmitInterval)
	defer ticker.Stop()

	for {
		if _, err := sock.conn.WriteTo(msg.Raw, server); err != nil {
			return nil, err
		}
		select {
		case mapped := <-tx.result:
			return mapped, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// gatherRelay 通过 TURN 分配 relay 地址
// 每个 TURN 服务器使用独立的 base socket，绑定在第一个 host 地址上
func (a *Agent) gatherRelay(ctx context.Context, hosts []*localSocket, uri *stun.URI) {
	serverAddr := net.JoinHostPort(uri.Host, strconv.Itoa(uri.Port))
	if uri.Proto != stun.ProtoTypeUDP {
		a.log.Warn("TURN over %s is not supported: %s", uri.Proto, uri)
		return
	}

	baseIP := hosts[0].base.Address()
	conn, err := a.net.ListenPacket("udp4", net.JoinHostPort(baseIP, "0"))
	if err != nil {
		a.log.Warn("TURN base socket: %v", err)
		return
	}

	client, err := turn.NewClient(&turn.ClientConfig{
		STUNServerAddr: serverAddr,
		TURNServerAddr: serverAddr,
		Conn:           conn,
		Username:       uri.Username,
		Password:       uri.Password,
		Net:            a.net,
		LoggerFactory:  a.loggerFactory,
	})
	if err != nil {
		_ = conn.Close()
		a.log.Warn("TURN client %s: %v", uri, err)
		return
	}

	if !a.trackTurn(client, conn) {
		client.Close()
		_ = conn.Close()
		return
	}

	if err := client.Listen(); err != nil {
		a.log.Warn("TURN listen %s: %v", uri, err)
		return
	}

	type allocation struct {
		relay net.PacketConn
		err   error
	}
	done := make(chan allocation, 1)
	go func() {
		relay, err := client.Allocate()
		done <- allocation{relay, err}
	}()

	var alloc allocation
	select {
	case alloc = <-done:
	case <-ctx.Done():
		a.log.Warn("TURN allocate %s: %v", uri, ctx.Err())
		return
	}
	if alloc.err != nil {
		a.log.Warn("TURN allocate %s: %v", uri, alloc.err)
		return
	}

	relayAddr, ok := toUDPAddr(alloc.relay.LocalAddr())
	if !ok {
		_ = alloc.relay.Close()
		return
	}
	baseAddr, _ := toUDPAddr(conn.LocalAddr())
	relAddr, relPort := baseIP, 0
	if baseAddr != nil {
		relPort = baseAddr.Port
	}
	if mapped, err := client.SendBindingRequest(); err == nil {
		if m, ok := toUDPAddr(mapped); ok {
			relAddr, relPort = m.IP.String(), m.Port
		}
	}

	relay, err := ice.NewCandidateRelay(&ice.CandidateRelayConfig{
		Network:   "udp",
		Address:   relayAddr.IP.String(),
		Port:      relayAddr.Port,
		Component: ice.ComponentRTP,
		RelAddr:   relAddr,
		RelPort:   relPort,
	})
	if err != nil {
		_ = alloc.relay.Close()
		a.log.Warn("relay candidate: %v", err)
		return
	}

	if !a.addLocal(&localSocket{conn: alloc.relay, base: relay}, relay) {
		_ = alloc.relay.Close()
	}
}

func (a *Agent) trackTurn(client *turn.Client, conn net.PacketConn) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return false
	}
	a.turnClients = append(a.turnClients, client)
	a.turnConns = append(a.turnConns, conn)
	return true
}

// readLoop 读取一个本地 socket
// STUN 交给 handleSTUN；其它数据包来自已知远端时交给 OnPacket
func (a *Agent) readLoop(sock *localSocket) {
	defer a.wg.Done()

	buf := utils.GetBuffer(utils.DatagramBufferSize)
	defer utils.PutBuffer(buf)

	for {
		n, addr, err := sock.conn.ReadFrom(buf)
		if err != nil {
			return
		}
		from, ok := toUDPAddr(addr)
		if !ok || n == 0 {
			continue
		}
		b := buf[:n]

		// RFC 7983: 0-3 为 STUN
		if b[0] < 4 && stun.IsMessage(b) {
			a.handleSTUN(sock, b, from)
			continue
		}
		a.handleData(b, from)
	}
}

func (a *Agent) handleData(b []byte, from *net.UDPAddr) {
	a.mu.Lock()
	fn := a.onPacket
	known := a.knownRemoteLocked(from)
	closed := a.closed || a.state == ConnectionStateFailed
	a.mu.Unlock()

	if closed || fn == nil {
		return
	}
	if !known {
		a.log.Trace("drop %d bytes from unknown address %s", len(b), from)
		return
	}
	fn(b)
}

func (a *Agent) knownRemoteLocked(addr *net.UDPAddr) bool {
	for _, r := range a.remoteCandidates {
		if sameTransportAddr(r, addr) {
			return true
		}
	}
	return false
}
