/*
 * @Author: Marlon.M
 * @Email: maiguangyang@163.com
 * @Date: 2026-01-09
 *
 * Buffer Pool - 字节切片缓存池
 * 按容量分级 (2KB / 64KB)，用于 UDP 读缓冲和数据通道帧编码
 */
package utils

import (
	"sync"
)

const (
	// PacketBufferSize 覆盖 UDP MTU 1500 的单包缓冲
	PacketBufferSize = 2048
	// DatagramBufferSize 单个 UDP 数据报的最大长度
	DatagramBufferSize = 65536
)

var (
	packetPool = sync.Pool{
		New: func() interface{} {
			return make([]byte, PacketBufferSize)
		},
	}
	datagramPool = sync.Pool{
		New: func() interface{} {
			return make([]byte, DatagramBufferSize)
		},
	}
)

// GetBuffer 获取一个长度为 length 的切片
// 超过 DatagramBufferSize 的请求直接分配，不进池
func GetBuffer(length int) []byte {
	switch {
	case length <= PacketBufferSize:
		return packetPool.Get().([]byte)[:length]
	case length <= DatagramBufferSize:
		return datagramPool.Get().([]byte)[:length]
	default:
		return make([]byte, length)
	}
}

// PutBuffer 将切片放回对应容量的池
func PutBuffer(buf []byte) {
	switch cap(buf) {
	case PacketBufferSize:
		packetPool.Put(buf[:PacketBufferSize])
	case DatagramBufferSize:
		datagramPool.Put(buf[:DatagramBufferSize])
	}
	// 其它容量（外部分配或超大）交给 GC
}
