/*
 * @Author: Marlon.M
 * @Email: maiguangyang@163.com
 * @Date: 2026-01-21
 *
 * 本地采集与渲染
 * 渲染事件里的帧从帧缓冲池复制，监听返回后归还
 */
package peer

import (
	"fmt"

	"github.com/maiguangyang/peer_core/pkg/media"
	"github.com/maiguangyang/peer_core/pkg/rtcerr"
)

// VideoDevices 列出可用的采集设备
func (pc *PeerConnection) VideoDevices() []string {
	return pc.registry.Devices()
}

// OpenCaptureDevice 按名称打开采集设备，替换之前打开的设备
func (pc *PeerConnection) OpenCaptureDevice(name string) error {
	pc.mu.Lock()
	if err := pc.checkOpenLocked(); err != nil {
		pc.mu.Unlock()
		return err
	}
	config := pc.capture
	pc.mu.Unlock()

	dev, err := pc.registry.Open(name, config)
	if err != nil {
		return err
	}

	pc.mu.Lock()
	if pc.closed {
		pc.mu.Unlock()
		_ = dev.Close()
		return rtcerr.ErrClosed
	}
	old := pc.device
	pc.device = dev
	pc.deviceName = name
	pc.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	pc.log.Info("capture device %q opened %dx%d@%d", name, config.Width, config.Height, config.FPS)
	return nil
}

// SetVideoCapturer 设置采集尺寸和帧率，已打开的设备按新参数重新打开
func (pc *PeerConnection) SetVideoCapturer(width, height, fps int) error {
	config := media.CaptureConfig{Width: width, Height: height, FPS: fps}
	if err := config.Validate(); err != nil {
		return err
	}

	pc.mu.Lock()
	if err := pc.checkOpenLocked(); err != nil {
		pc.mu.Unlock()
		return err
	}
	pc.capture = config
	name := pc.deviceName
	reopen := pc.device != nil
	pc.mu.Unlock()

	if reopen {
		return pc.OpenCaptureDevice(name)
	}
	return nil
}

// PushFrame 送出一帧：先作为 RenderLocal 事件回显，连接建立后发给对端
func (pc *PeerConnection) PushFrame(f media.Frame) error {
	if err := f.Validate(); err != nil {
		return err
	}

	pc.mu.Lock()
	if err := pc.checkOpenLocked(); err != nil {
		pc.mu.Unlock()
		return err
	}
	attached := pc.attached
	pc.mu.Unlock()

	pc.emitFrame(EventRenderLocal, f)
	if !attached {
		return nil
	}
	return pc.pipeline.SendFrame(f)
}

// CaptureFrameAndPush 从已打开的设备取一帧并送出
// 帧尺寸与采集配置不一致时不送出，返回 false
func (pc *PeerConnection) CaptureFrameAndPush() (bool, error) {
	pc.mu.Lock()
	dev := pc.device
	config := pc.capture
	pc.mu.Unlock()

	if dev == nil {
		return false, fmt.Errorf("%w: no capture device open", rtcerr.ErrDeviceUnavailable)
	}
	f, err := dev.Capture()
	if err != nil {
		return false, err
	}
	if f.Width != config.Width || f.Height != config.Height {
		pc.log.Debug("skip captured frame %dx%d, want %dx%d", f.Width, f.Height, config.Width, config.Height)
		return false, nil
	}
	if err := pc.PushFrame(f); err != nil {
		return false, err
	}
	return true, nil
}

// SetAudioEnabled 音频开关，在下一次 offer/answer 中生效
func (pc *PeerConnection) SetAudioEnabled(enabled bool) {
	pc.negotiator.SetAudio(enabled)
	pc.pipeline.SetAudioEnabled(enabled)
}

func (pc *PeerConnection) handleRemoteFrame(f media.Frame) {
	pc.emitFrame(EventRenderRemote, f)
}

// emitFrame f.Data 在调用返回后可能被复用，这里先复制到池化缓冲
func (pc *PeerConnection) emitFrame(kind EventKind, f media.Frame) {
	buf := media.GetFrameBuffer(len(f.Data))
	copy(buf, f.Data)
	f.Data = buf
	pc.events.emitFrame(Event{Kind: kind, Frame: f}, func() {
		media.PutFrameBuffer(buf)
	})
}
