/*
 * @Author: Marlon.M
 * @Email: maiguangyang@163.com
 * @Date: 2026-01-16
 *
 * 采集设备注册表
 * 内置一个合成的测试图案设备；平台相关的采集设备通过 Register 接入
 */
package media

import (
	"fmt"
	"sort"
	"sync"

	"github.com/maiguangyang/peer_core/pkg/rtcerr"
)

// TestPatternDevice 内置合成设备名
const TestPatternDevice = "test-pattern"

// CaptureConfig 采集参数
type CaptureConfig struct {
	Width  int
	Height int
	FPS    int
}

// DefaultCaptureConfig 640x360 @ 5fps
func DefaultCaptureConfig() CaptureConfig {
	return CaptureConfig{Width: 640, Height: 360, FPS: 5}
}

// Validate 检查采集参数
func (c CaptureConfig) Validate() error {
	if c.Width <= 0 || c.Height <= 0 || c.Width > MaxFrameDimension || c.Height > MaxFrameDimension {
		return fmt.Errorf("%w: capture size %dx%d", rtcerr.ErrInvalidFrame, c.Width, c.Height)
	}
	if c.FPS <= 0 || c.FPS > 120 {
		return fmt.Errorf("%w: capture fps %d", rtcerr.ErrInvalidFrame, c.FPS)
	}
	return nil
}

// Device is an opened capture source
type Device interface {
	Name() string
	// Capture 读取一帧，返回的 Data 在下次 Capture 之前有效
	Capture() (Frame, error)
	Close() error
}

// Opener opens a device for the given capture configuration
type Opener func(config CaptureConfig) (Device, error)

// Registry 采集设备注册表
type Registry struct {
	mu      sync.RWMutex
	openers map[string]Opener
}

// NewRegistry 创建只包含测试图案设备的注册表
func NewRegistry() *Registry {
	r := &Registry{openers: make(map[string]Opener)}
	r.Register(TestPatternDevice, openTestPattern)
	return r
}

var defaultRegistry = NewRegistry()

// DefaultRegistry 进程级注册表
func DefaultRegistry() *Registry {
	return defaultRegistry
}

// Register 注册设备，同名覆盖
func (r *Registry) Register(name string, opener Opener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.openers[name] = opener
}

// Devices 返回按名称排序的设备列表
func (r *Registry) Devices() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.openers))
	for name := range r.openers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open 打开设备；未知设备或打开失败返回 ErrDeviceUnavailable
func (r *Registry) Open(name string, config CaptureConfig) (Device, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	opener, ok := r.openers[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", rtcerr.ErrDeviceUnavailable, name)
	}

	dev, err := opener(config)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", rtcerr.ErrDeviceUnavailable, name, err)
	}
	return dev, nil
}

// testPattern 移动的 BGR24 渐变
type testPattern struct {
	mu     sync.Mutex
	config CaptureConfig
	buf    []byte
	tick   int
	closed bool
}

func openTestPattern(config CaptureConfig) (Device, error) {
	return &testPattern{
		config: config,
		buf:    make([]byte, PixelFormatBGR24.FrameSize(config.Width, config.Height)),
	}, nil
}

func (d *testPattern) Name() string { return TestPatternDevice }

func (d *testPattern) Capture() (Frame, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return Frame{}, fmt.Errorf("%w: %s closed", rtcerr.ErrDeviceUnavailable, TestPatternDevice)
	}

	w, h := d.config.Width, d.config.Height
	shift := d.tick * 4
	for y := 0; y < h; y++ {
		row := d.buf[y*w*3 : (y+1)*w*3]
		for x := 0; x < w; x++ {
			px := row[x*3 : x*3+3]
			px[0] = byte((x + shift) * 255 / w)
			px[1] = byte(y * 255 / h)
			px[2] = byte(d.tick)
		}
	}
	d.tick++

	return Frame{Format: PixelFormatBGR24, Width: w, Height: h, Data: d.buf}, nil
}

func (d *testPattern) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}
