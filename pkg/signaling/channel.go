/*
 * @Author: Marlon.M
 * @Email: maiguangyang@163.com
 * @Date: 2026-01-22
 *
 * SignalingChannel - 传输 SDP / ICE 消息
 * 进程内 pair 用于测试与示例，websocket 用于跨进程
 */
package signaling

import (
	"sync"

	"github.com/maiguangyang/peer_core/pkg/rtcerr"
)

// Channel carries signaling messages between two endpoints.
// Receive 返回的通道在 Close 或对端断开后关闭
type Channel interface {
	Send(msg Message) error
	Receive() <-chan Message
	Close() error
}

// localEnd 进程内的一端，发送方写入对端的队列
type localEnd struct {
	mu     sync.Mutex
	queue  []Message
	signal chan struct{}
	out    chan Message
	done   chan struct{}
	closed bool
	peer   *localEnd
	once   sync.Once
}

// NewLocalPair 创建一对互联的进程内信令通道
func NewLocalPair() (Channel, Channel) {
	a, b := newLocalEnd(), newLocalEnd()
	a.peer, b.peer = b, a
	go a.deliver()
	go b.deliver()
	return a, b
}

func newLocalEnd() *localEnd {
	return &localEnd{
		signal: make(chan struct{}, 1),
		out:    make(chan Message),
		done:   make(chan struct{}),
	}
}

func (e *localEnd) Send(msg Message) error {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return rtcerr.ErrClosed
	}
	return e.peer.push(msg)
}

func (e *localEnd) push(msg Message) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return rtcerr.ErrClosed
	}
	e.queue = append(e.queue, msg)
	select {
	case e.signal <- struct{}{}:
	default:
	}
	return nil
}

func (e *localEnd) Receive() <-chan Message {
	return e.out
}

// deliver 按发送顺序投递，队列不设上限，发送方不会阻塞
func (e *localEnd) deliver() {
	defer close(e.out)
	for {
		e.mu.Lock()
		if len(e.queue) == 0 {
			e.mu.Unlock()
			select {
			case <-e.signal:
				continue
			case <-e.done:
				return
			}
		}
		msg := e.queue[0]
		e.queue = e.queue[1:]
		e.mu.Unlock()

		select {
		case e.out <- msg:
		case <-e.done:
			return
		}
	}
}

// Close 关闭两端
func (e *localEnd) Close() error {
	e.shutdown()
	e.peer.shutdown()
	return nil
}

func (e *localEnd) shutdown() {
	e.once.Do(func() {
		e.mu.Lock()
		e.closed = true
		e.queue = nil
		e.mu.Unlock()
		close(e.done)
	})
}
