/*
 * @Author: Marlon.M
 * @Email: maiguangyang@163.com
 * @Date: 2026-01-16
 */
package media

import (
	"fmt"

	"github.com/maiguangyang/peer_core/pkg/rtcerr"
)

// PixelFormat 帧像素格式
type PixelFormat uint8

const (
	PixelFormatI420 PixelFormat = iota
	PixelFormatRGB24
	PixelFormatBGR24
	PixelFormatBGRA
)

func (p PixelFormat) String() string {
	switch p {
	case PixelFormatI420:
		return "i420"
	case PixelFormatRGB24:
		return "rgb24"
	case PixelFormatBGR24:
		return "bgr24"
	case PixelFormatBGRA:
		return "bgra"
	default:
		return fmt.Sprintf("pixel(%d)", uint8(p))
	}
}

// ParsePixelFormat 按名称解析像素格式
func ParsePixelFormat(name string) (PixelFormat, error) {
	for _, p := range []PixelFormat{PixelFormatI420, PixelFormatRGB24, PixelFormatBGR24, PixelFormatBGRA} {
		if p.String() == name {
			return p, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown pixel format %q", rtcerr.ErrInvalidFrame, name)
}

// FrameSize 给定尺寸的帧字节数，格式未知时返回 -1
func (p PixelFormat) FrameSize(width, height int) int {
	switch p {
	case PixelFormatI420:
		cw, ch := (width+1)/2, (height+1)/2
		return width*height + 2*cw*ch
	case PixelFormatRGB24, PixelFormatBGR24:
		return width * height * 3
	case PixelFormatBGRA:
		return width * height * 4
	default:
		return -1
	}
}

// MaxFrameDimension 单边最大像素
const MaxFrameDimension = 4096

// Frame is one raw video frame.
// Data handed to a render callback is only valid until the callback returns.
type Frame struct {
	Format PixelFormat
	Width  int
	Height int
	Data   []byte
}

// Validate 检查尺寸与缓冲长度是否一致
func (f Frame) Validate() error {
	if f.Width <= 0 || f.Height <= 0 || f.Width > MaxFrameDimension || f.Height > MaxFrameDimension {
		return fmt.Errorf("%w: %dx%d", rtcerr.ErrInvalidFrame, f.Width, f.Height)
	}
	size := f.Format.FrameSize(f.Width, f.Height)
	if size < 0 {
		return fmt.Errorf("%w: %s", rtcerr.ErrInvalidFrame, f.Format)
	}
	if len(f.Data) != size {
		return fmt.Errorf("%w: %s %dx%d needs %d bytes, got %d", rtcerr.ErrInvalidFrame, f.Format, f.Width, f.Height, size, len(f.Data))
	}
	return nil
}

// Clone 复制帧数据，供需要在回调之外保留帧的接收方使用
func (f Frame) Clone() Frame {
	f.Data = append([]byte(nil), f.Data...)
	return f
}
