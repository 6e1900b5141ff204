/*
 * @Author: Marlon.M
 * @Email: maiguangyang@163.com
 * @Date: 2026-01-18
 *
 * STUN/TURN 服务
 * 本地测试和中继用的独立服务，和协商核心互不依赖
 */
package server

import (
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/maiguangyang/peer_core/pkg/rtcerr"
	"github.com/maiguangyang/peer_core/pkg/utils"
	"github.com/pion/stun/v3"
	"github.com/pion/transport/v3"
	"github.com/pion/transport/v3/stdnet"
	"github.com/pion/turn/v4"
)

// DefaultPort 未指定端口时使用
const DefaultPort = stun.DefaultPort

// Config 服务配置
type Config struct {
	// Net 网络实现，测试时可替换为 vnet
	Net    transport.Net
	Logger *utils.Logger
}

// Server is a running STUN or TURN service
type Server struct {
	kind   string
	addr   net.Addr
	server *turn.Server

	closeOnce sync.Once
	closeErr  error
}

// Kind returns "stun" or "turn"
func (s *Server) Kind() string { return s.kind }

// Addr returns the bound UDP address
func (s *Server) Addr() net.Addr { return s.addr }

// Close 停止服务，可重复调用
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.server.Close()
	})
	return s.closeErr
}

// normalizeBind 补全默认端口
func normalizeBind(bind string) (string, error) {
	if bind == "" {
		return "", fmt.Errorf("%w: empty bind address", rtcerr.ErrInvalidState)
	}
	if _, _, err := net.SplitHostPort(bind); err == nil {
		return bind, nil
	}
	if net.ParseIP(bind) == nil {
		return "", fmt.Errorf("%w: bad bind address %q", rtcerr.ErrInvalidState, bind)
	}
	return net.JoinHostPort(bind, strconv.Itoa(DefaultPort)), nil
}

func (c *Config) defaults() error {
	if c.Logger == nil {
		c.Logger = utils.GetLogger()
	}
	if c.Net == nil {
		n, err := stdnet.NewNet()
		if err != nil {
			return err
		}
		c.Net = n
	}
	return nil
}

// RunSTUNServer 启动只应答 Binding 请求的 STUN 服务
func RunSTUNServer(bind string, config Config) (*Server, error) {
	if err := config.defaults(); err != nil {
		return nil, err
	}
	addr, err := normalizeBind(bind)
	if err != nil {
		return nil, err
	}
	host, _, _ := net.SplitHostPort(addr)

	conn, err := config.Net.ListenPacket("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}

	s, err := turn.NewServer(turn.ServerConfig{
		// 没有账号，Allocate 一律被拒绝
		AuthHandler: func(string, string, net.Addr) ([]byte, bool) {
			return nil, false
		},
		PacketConnConfigs: []turn.PacketConnConfig{{
			PacketConn: conn,
			RelayAddressGenerator: &turn.RelayAddressGeneratorNone{
				Address: host,
				Net:     config.Net,
			},
		}},
		LoggerFactory: utils.NewLoggerFactory(config.Logger),
	})
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("start STUN server: %w", err)
	}

	config.Logger.Named("server").Info("STUN server listening on %s", conn.LocalAddr())
	return &Server{kind: "stun", addr: conn.LocalAddr(), server: s}, nil
}

// TURNConfig TURN 服务参数
type TURNConfig struct {
	Bind    string
	RelayIP string
	Realm   string
	// Users 用户名到 HA1 key 的映射，为空时从 AuthFile 加载
	Users    map[string][]byte
	AuthFile string
}

// RunTURNServer 启动带长期凭证认证的 TURN 服务
func RunTURNServer(tc TURNConfig, config Config) (*Server, error) {
	if err := config.defaults(); err != nil {
		return nil, err
	}
	addr, err := normalizeBind(tc.Bind)
	if err != nil {
		return nil, err
	}
	relayIP := net.ParseIP(tc.RelayIP)
	if relayIP == nil {
		return nil, fmt.Errorf("%w: bad relay address %q", rtcerr.ErrInvalidState, tc.RelayIP)
	}
	if tc.Realm == "" {
		return nil, fmt.Errorf("%w: empty realm", rtcerr.ErrInvalidState)
	}

	users := tc.Users
	if users == nil {
		users, err = LoadAuthFile(tc.AuthFile)
		if err != nil {
			return nil, err
		}
	}
	if len(users) == 0 {
		return nil, fmt.Errorf("%w: no TURN users configured", rtcerr.ErrInvalidState)
	}

	log := config.Logger.Named("server")
	host, _, _ := net.SplitHostPort(addr)

	conn, err := config.Net.ListenPacket("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}

	s, err := turn.NewServer(turn.ServerConfig{
		Realm: tc.Realm,
		AuthHandler: func(username, realm string, src net.Addr) ([]byte, bool) {
			key, ok := users[username]
			if !ok {
				log.Debug("TURN auth rejected: user=%s from=%s", username, src)
			}
			return key, ok
		},
		PacketConnConfigs: []turn.PacketConnConfig{{
			PacketConn: conn,
			RelayAddressGenerator: &turn.RelayAddressGeneratorStatic{
				RelayAddress: relayIP,
				Address:      host,
				Net:          config.Net,
			},
		}},
		LoggerFactory: utils.NewLoggerFactory(config.Logger),
	})
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("start TURN server: %w", err)
	}

	log.Info("TURN server listening on %s, relay=%s realm=%s users=%d", conn.LocalAddr(), relayIP, tc.Realm, len(users))
	return &Server{kind: "turn", addr: conn.LocalAddr(), server: s}, nil
}
