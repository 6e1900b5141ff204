/*
 * @Author: Marlon.M
 * @Email: maiguangyang@163.com
 * @Date: 2026-01-20
 *
 * 事件分发
 * 每个 PeerConnection 一个分发协程，同一实例的回调串行执行
 */
package peer

import (
	"sync"
	"sync/atomic"

	"github.com/maiguangyang/peer_core/pkg/utils"
)

// maxQueuedFrames 渲染帧积压上限，超过时丢弃最旧的帧
const maxQueuedFrames = 4

type listenerEntry struct {
	id uint64
	fn Listener
}

type queuedEvent struct {
	ev      Event
	release func()
}

func (q queuedEvent) done() {
	if q.release != nil {
		q.release()
	}
}

func isFrameEvent(k EventKind) bool {
	return k == EventRenderLocal || k == EventRenderRemote
}

// dispatcher 按事件类型注册监听，单协程按入队顺序投递
type dispatcher struct {
	mu        sync.Mutex
	log       *utils.Logger
	listeners map[EventKind][]listenerEntry
	nextID    uint64

	queue  []queuedEvent
	frames int
	signal chan struct{}

	closed bool
	done   chan struct{}

	dispatched    atomic.Uint64
	framesDropped atomic.Uint64
}

func newDispatcher(log *utils.Logger) *dispatcher {
	d := &dispatcher{
		log:       log,
		listeners: make(map[EventKind][]listenerEntry),
		signal:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	go d.run()
	return d
}

// on 注册监听，返回取消函数
func (d *dispatcher) on(kind EventKind, fn Listener) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	id := d.nextID
	d.listeners[kind] = append(d.listeners[kind], listenerEntry{id: id, fn: fn})

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		entries := d.listeners[kind]
		for i, e := range entries {
			if e.id == id {
				d.listeners[kind] = append(entries[:i:i], entries[i+1:]...)
				return
			}
		}
	}
}

// emit 入队，关闭后返回 false
func (d *dispatcher) emit(ev Event) bool {
	return d.enqueue(queuedEvent{ev: ev})
}

// emitFrame 入队渲染帧，release 在所有监听返回后调用
func (d *dispatcher) emitFrame(ev Event, release func()) bool {
	return d.enqueue(queuedEvent{ev: ev, release: release})
}

func (d *dispatcher) enqueue(q queuedEvent) bool {
	var dropped []queuedEvent

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		q.done()
		return false
	}
	if isFrameEvent(q.ev.Kind) {
		if d.frames >= maxQueuedFrames {
			// 丢弃最旧的帧
			for i, old := range d.queue {
				if isFrameEvent(old.ev.Kind) {
					dropped = append(dropped, old)
					d.queue = append(d.queue[:i], d.queue[i+1:]...)
					d.frames--
					break
				}
			}
		}
		d.frames++
	}
	d.queue = append(d.queue, q)
	d.mu.Unlock()

	for _, old := range dropped {
		d.framesDropped.Add(1)
		old.done()
	}

	select {
	case d.signal <- struct{}{}:
	default:
	}
	return true
}

// next 取出下一个事件及其监听列表
func (d *dispatcher) next() (queuedEvent, []listenerEntry, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || len(d.queue) == 0 {
		return queuedEvent{}, nil, false
	}
	q := d.queue[0]
	d.queue[0] = queuedEvent{}
	d.queue = d.queue[1:]
	if isFrameEvent(q.ev.Kind) {
		d.frames--
	}
	entries := d.listeners[q.ev.Kind]
	return q, append([]listenerEntry(nil), entries...), true
}

func (d *dispatcher) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func (d *dispatcher) run() {
	for {
		select {
		case <-d.done:
			return
		case <-d.signal:
		}

		for {
			q, entries, ok := d.next()
			if !ok {
				break
			}
			for _, e := range entries {
				// 关闭之后不再开始新的回调
				if d.isClosed() {
					break
				}
				e.fn(q.ev)
			}
			q.done()
			d.dispatched.Add(1)
		}
	}
}

// close 停止分发，丢弃未投递的事件
// 正在执行的回调会执行完，之后不再开始新的回调
func (d *dispatcher) close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	pending := d.queue
	d.queue = nil
	d.frames = 0
	close(d.done)
	d.mu.Unlock()

	for _, q := range pending {
		q.done()
	}
	d.log.Debug("dispatcher closed, %d pending events discarded", len(pending))
}
