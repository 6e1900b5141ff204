/*
 * @Author: Marlon.M
 * @Email: maiguangyang@163.com
 * @Date: 2025-12-24
 *
 * Instance management for conductor handles.
 * Uses sync.Map for thread-safe access from multiple goroutines.
 */
package main

import (
	"sync"
	"sync/atomic"
)

var (
	// Conductor instances: handle -> *conductor
	conductors sync.Map
	// 句柄从 1 开始，0 和负数表示失败
	nextHandle atomic.Int64
)

// registerConductor assigns a handle to a conductor
func registerConductor(c *conductor) int64 {
	h := nextHandle.Add(1)
	c.handle = h
	conductors.Store(h, c)
	return h
}

// getConductor returns a conductor by handle
func getConductor(h int64) *conductor {
	if v, ok := conductors.Load(h); ok {
		return v.(*conductor)
	}
	return nil
}

// unregisterConductor removes a conductor, the caller closes it
func unregisterConductor(h int64) *conductor {
	if v, ok := conductors.LoadAndDelete(h); ok {
		return v.(*conductor)
	}
	return nil
}

// cleanupAllConductors closes all conductors
func cleanupAllConductors() {
	conductors.Range(func(key, value interface{}) bool {
		if c, ok := value.(*conductor); ok {
			c.close()
		}
		conductors.Delete(key)
		return true
	})
}
