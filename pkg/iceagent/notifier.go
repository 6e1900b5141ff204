/*
 * @Author: Marlon.M
 * @Email: maiguangyang@163.com
 * @Date: 2026-01-13
 */
package iceagent

import "sync"

// notifier runs callbacks one at a time, in submission order, off the caller's goroutine
type notifier struct {
	mu     sync.Mutex
	queue  []func()
	wake   chan struct{}
	done   chan struct{}
	closed bool
}

func newNotifier() *notifier {
	n := &notifier{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go n.run()
	return n
}

func (n *notifier) push(fn func()) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.queue = append(n.queue, fn)
	n.mu.Unlock()

	select {
	case n.wake <- struct{}{}:
	default:
	}
}

func (n *notifier) run() {
	for {
		select {
		case <-n.done:
			return
		case <-n.wake:
		}

		for {
			n.mu.Lock()
			if n.closed || len(n.queue) == 0 {
				n.mu.Unlock()
				break
			}
			fn := n.queue[0]
			n.queue[0] = nil
			n.queue = n.queue[1:]
			n.mu.Unlock()

			fn()
		}
	}
}

// close drops queued callbacks; a callback already running is not interrupted
func (n *notifier) close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	n.queue = nil
	n.mu.Unlock()
	close(n.done)
}
