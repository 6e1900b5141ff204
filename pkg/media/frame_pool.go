/*
 * @Author: Marlon.M
 * @Email: maiguangyang@163.com
 * @Date: 2025-12-24
 *
 * Frame Pool - 帧缓冲池
 * 远端帧重组与本地渲染复用内存，按帧大小分池
 */
package media

import (
	"sync"
	"sync/atomic"
)

// FramePool 按字节数分池的帧缓冲
type FramePool struct {
	mu    sync.Mutex
	pools map[int]*sync.Pool

	// 统计
	allocs uint64
	reuses uint64
}

// 全局帧缓冲池
var globalFramePool = NewFramePool()

// NewFramePool 创建帧缓冲池
func NewFramePool() *FramePool {
	return &FramePool{pools: make(map[int]*sync.Pool)}
}

func (p *FramePool) pool(size int) *sync.Pool {
	p.mu.Lock()
	defer p.mu.Unlock()
	sp, ok := p.pools[size]
	if !ok {
		sp = &sync.Pool{}
		p.pools[size] = sp
	}
	return sp
}

// Get 获取长度为 size 的缓冲
func (p *FramePool) Get(size int) []byte {
	if buf, ok := p.pool(size).Get().([]byte); ok {
		atomic.AddUint64(&p.reuses, 1)
		return buf[:size]
	}
	atomic.AddUint64(&p.allocs, 1)
	return make([]byte, size)
}

// Put 归还缓冲
func (p *FramePool) Put(buf []byte) {
	if cap(buf) == 0 {
		return
	}
	p.pool(cap(buf)).Put(buf[:cap(buf)])
}

// FramePoolStats 统计信息
type FramePoolStats struct {
	Allocs     uint64  `json:"allocs"`
	Reuses     uint64  `json:"reuses"`
	ReuseRatio float64 `json:"reuse_ratio"`
}

// GetStats 获取统计信息
func (p *FramePool) GetStats() FramePoolStats {
	allocs := atomic.LoadUint64(&p.allocs)
	reuses := atomic.LoadUint64(&p.reuses)

	var ratio float64
	if total := allocs + reuses; total > 0 {
		ratio = float64(reuses) / float64(total)
	}
	return FramePoolStats{Allocs: allocs, Reuses: reuses, ReuseRatio: ratio}
}

// GetFrameBuffer 从全局池获取
func GetFrameBuffer(size int) []byte {
	return globalFramePool.Get(size)
}

// PutFrameBuffer 归还到全局池
func PutFrameBuffer(buf []byte) {
	globalFramePool.Put(buf)
}

// GetGlobalFramePoolStats 全局池统计
func GetGlobalFramePoolStats() FramePoolStats {
	return globalFramePool.GetStats()
}
