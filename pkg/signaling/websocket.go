/*
 * @Author: Marlon.M
 * @Email: maiguangyang@163.com
 * @Date: 2026-01-22
 */
package signaling

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/maiguangyang/peer_core/pkg/rtcerr"
	"github.com/maiguangyang/peer_core/pkg/utils"
)

const writeWait = 5 * time.Second

// WSChannel 基于 websocket 的信令通道，每条消息一帧 JSON
type WSChannel struct {
	conn *websocket.Conn
	log  *utils.Logger

	writeMu sync.Mutex
	out     chan Message

	closeOnce sync.Once
	done      chan struct{}
}

// NewWSChannel wraps an established websocket connection and starts reading
func NewWSChannel(conn *websocket.Conn, logger *utils.Logger) *WSChannel {
	if logger == nil {
		logger = utils.GetLogger()
	}
	c := &WSChannel{
		conn: conn,
		log:  logger.Named("signaling"),
		out:  make(chan Message, 16),
		done: make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Dial 连接信令服务器
func Dial(ctx context.Context, url string, logger *utils.Logger) (*WSChannel, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to WS server: %w", err)
	}
	return NewWSChannel(conn, logger), nil
}

func (c *WSChannel) readLoop() {
	defer close(c.out)
	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			var closeErr *websocket.CloseError
			if !errors.As(err, &closeErr) {
				select {
				case <-c.done:
				default:
					c.log.Debug("WS read stopped: %v", err)
				}
			}
			return
		}
		if err := msg.Validate(); err != nil {
			c.log.Warn("drop signaling message: %v", err)
			continue
		}
		select {
		case c.out <- msg:
		case <-c.done:
			return
		}
	}
}

// Send 写入一条消息
func (c *WSChannel) Send(msg Message) error {
	select {
	case <-c.done:
		return rtcerr.ErrClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("WS write: %w", err)
	}
	return nil
}

// Receive 返回收到的消息，连接断开后关闭
func (c *WSChannel) Receive() <-chan Message {
	return c.out
}

// Close 发送 close 帧并断开连接
func (c *WSChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server 接受 websocket 连接，每个连接成为一个 WSChannel
type Server struct {
	log    *utils.Logger
	connCh chan *WSChannel
	done   chan struct{}
	once   sync.Once
}

// NewServer creates a signaling endpoint, mount it as an http.Handler
func NewServer(logger *utils.Logger) *Server {
	if logger == nil {
		logger = utils.GetLogger()
	}
	return &Server{
		log:    logger.Named("signaling"),
		connCh: make(chan *WSChannel, 8),
		done:   make(chan struct{}),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case <-s.done:
		http.Error(w, "signaling server closed", http.StatusServiceUnavailable)
		return
	default:
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("WS upgrade failed: %v", err)
		return
	}
	ch := NewWSChannel(conn, s.log)

	select {
	case s.connCh <- ch:
	default:
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "too many pending connections"))
		_ = ch.Close()
	}
}

// Accept blocks until a client connects or the context is cancelled
func (s *Server) Accept(ctx context.Context) (*WSChannel, error) {
	select {
	case ch := <-s.connCh:
		return ch, nil
	case <-s.done:
		return nil, rtcerr.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close 拒绝新连接，关闭尚未被 Accept 的连接
func (s *Server) Close() {
	s.once.Do(func() {
		close(s.done)
		for {
			select {
			case ch := <-s.connCh:
				_ = ch.Close()
			default:
				return
			}
		}
	})
}
