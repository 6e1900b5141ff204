/*
 * @Author: Marlon.M
 * @Email: maiguangyang@163.com
 * @Date: 2026-01-23
 */
package signaling

import (
	"context"
	"sync"
)

// Relay 在两个通道之间双向转发，任一端关闭或 ctx 取消后关闭两端
func Relay(ctx context.Context, a, b Channel) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	forward := func(from, to Channel) {
		defer wg.Done()
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-from.Receive():
				if !ok {
					return
				}
				if err := to.Send(msg); err != nil {
					return
				}
			}
		}
	}

	wg.Add(2)
	go forward(a, b)
	go forward(b, a)

	<-ctx.Done()
	_ = a.Close()
	_ = b.Close()
	wg.Wait()
}

// ServePairs 把先后连入的客户端两两配对并转发，直到 ctx 取消
func (s *Server) ServePairs(ctx context.Context) error {
	for {
		first, err := s.Accept(ctx)
		if err != nil {
			return err
		}
		second, err := s.Accept(ctx)
		if err != nil {
			_ = first.Close()
			return err
		}
		s.log.Info("signaling pair connected")
		go Relay(ctx, first, second)
	}
}
