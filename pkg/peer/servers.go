/*
 * @Author: Marlon.M
 * @Email: maiguangyang@163.com
 * @Date: 2026-01-21
 */
package peer

import (
	"github.com/maiguangyang/peer_core/pkg/rtcerr"
	"github.com/maiguangyang/peer_core/pkg/server"
)

func (pc *PeerConnection) serverConfig() server.Config {
	return server.Config{Net: pc.config.ICE.Net, Logger: pc.config.Logger}
}

// track 记录由本连接启动的服务，连接关闭时一起停止
func (pc *PeerConnection) track(s *server.Server) error {
	pc.mu.Lock()
	if pc.closed {
		pc.mu.Unlock()
		_ = s.Close()
		return rtcerr.ErrClosed
	}
	pc.servers = append(pc.servers, s)
	pc.mu.Unlock()
	return nil
}

// RunSTUNServer 在 bind ("ip" 或 "ip:port") 上启动 STUN 服务
func (pc *PeerConnection) RunSTUNServer(bind string) error {
	s, err := server.RunSTUNServer(bind, pc.serverConfig())
	if err != nil {
		return err
	}
	return pc.track(s)
}

// RunTURNServer 启动 TURN 服务，账号从 authFile 读取
func (pc *PeerConnection) RunTURNServer(bind, relayIP, realm, authFile string) error {
	s, err := server.RunTURNServer(server.TURNConfig{
		Bind:     bind,
		RelayIP:  relayIP,
		Realm:    realm,
		AuthFile: authFile,
	}, pc.serverConfig())
	if err != nil {
		return err
	}
	return pc.track(s)
}

// Servers returns the services started by this connection
func (pc *PeerConnection) Servers() []*server.Server {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return append([]*server.Server(nil), pc.servers...)
}
