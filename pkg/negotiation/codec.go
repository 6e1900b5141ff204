/*
 * @Author: Marlon.M
 * @Email: maiguangyang@163.com
 * @Date: 2025-12-24
 *
 * Codec - 编解码器能力表
 * 生成 offer 时写入 rtpmap/fmtp，应答时按 名称+时钟频率 求交集
 */
package negotiation

import (
	"strings"
	"sync"

	"github.com/pion/webrtc/v4"
)

// CodecType 编解码器类型
type CodecType string

const (
	CodecTypeRaw  CodecType = "raw"
	CodecTypeVP8  CodecType = "VP8"
	CodecTypeVP9  CodecType = "VP9"
	CodecTypeH264 CodecType = "H264"
	CodecTypeAV1  CodecType = "AV1"
	CodecTypeOpus CodecType = "opus"
	CodecTypeG722 CodecType = "G722"
	CodecTypePCMU CodecType = "PCMU"
	CodecTypePCMA CodecType = "PCMA"
)

// MimeTypeRaw 未压缩视频 (RFC 4175)，默认 RTP 管线直接承载原始帧
const MimeTypeRaw = "video/raw"

// MediaKind m-line 的媒体类型
type MediaKind string

const (
	MediaKindAudio       MediaKind = "audio"
	MediaKindVideo       MediaKind = "video"
	MediaKindApplication MediaKind = "application"
)

// CodecInfo 编解码器信息
type CodecInfo struct {
	Type        CodecType
	MimeType    string
	ClockRate   uint32
	Channels    uint16
	SDPFmtpLine string
	PayloadType uint8
}

// Kind 返回编解码器所属媒体类型
func (c CodecInfo) Kind() MediaKind {
	if strings.HasPrefix(strings.ToLower(c.MimeType), "audio/") {
		return MediaKindAudio
	}
	return MediaKindVideo
}

// EncodingName 返回 rtpmap 中使用的编码名
func (c CodecInfo) EncodingName() string {
	if i := strings.IndexByte(c.MimeType, '/'); i >= 0 {
		return c.MimeType[i+1:]
	}
	return c.MimeType
}

// 预定义编解码器
var (
	// 视频编解码器
	CodecRaw = CodecInfo{
		Type:        CodecTypeRaw,
		MimeType:    MimeTypeRaw,
		ClockRate:   90000,
		PayloadType: 97,
	}
	CodecVP8 = CodecInfo{
		Type:        CodecTypeVP8,
		MimeType:    webrtc.MimeTypeVP8,
		ClockRate:   90000,
		PayloadType: 96,
	}
	CodecVP9 = CodecInfo{
		Type:        CodecTypeVP9,
		MimeType:    webrtc.MimeTypeVP9,
		ClockRate:   90000,
		SDPFmtpLine: "profile-id=0",
		PayloadType: 98,
	}
	CodecH264 = CodecInfo{
		Type:        CodecTypeH264,
		MimeType:    webrtc.MimeTypeH264,
		ClockRate:   90000,
		SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
		PayloadType: 102,
	}
	CodecAV1 = CodecInfo{
		Type:        CodecTypeAV1,
		MimeType:    webrtc.MimeTypeAV1,
		ClockRate:   90000,
		PayloadType: 45,
	}

	// 音频编解码器
	CodecOpus = CodecInfo{
		Type:        CodecTypeOpus,
		MimeType:    webrtc.MimeTypeOpus,
		ClockRate:   48000,
		Channels:    2,
		SDPFmtpLine: "minptime=10;useinbandfec=1",
		PayloadType: 111,
	}
	CodecG722 = CodecInfo{
		Type:        CodecTypeG722,
		MimeType:    webrtc.MimeTypeG722,
		ClockRate:   8000,
		PayloadType: 9,
	}
	CodecPCMU = CodecInfo{
		Type:        CodecTypePCMU,
		MimeType:    webrtc.MimeTypePCMU,
		ClockRate:   8000,
		PayloadType: 0,
	}
	CodecPCMA = CodecInfo{
		Type:        CodecTypePCMA,
		MimeType:    webrtc.MimeTypePCMA,
		ClockRate:   8000,
		PayloadType: 8,
	}
)

// CodecRegistry 编解码器注册表，列表顺序即偏好顺序
type CodecRegistry struct {
	mu          sync.RWMutex
	videoCodecs []CodecInfo
	audioCodecs []CodecInfo
}

// NewCodecRegistry 创建编解码器注册表
func NewCodecRegistry() *CodecRegistry {
	return &CodecRegistry{
		videoCodecs: []CodecInfo{CodecRaw, CodecVP8, CodecVP9, CodecH264, CodecAV1},
		audioCodecs: []CodecInfo{CodecOpus, CodecG722, CodecPCMU, CodecPCMA},
	}
}

// Codecs 获取某类媒体支持的编解码器
func (r *CodecRegistry) Codecs(kind MediaKind) []CodecInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var src []CodecInfo
	switch kind {
	case MediaKindVideo:
		src = r.videoCodecs
	case MediaKindAudio:
		src = r.audioCodecs
	}
	result := make([]CodecInfo, len(src))
	copy(result, src)
	return result
}

// FindCodec 根据 MimeType 查找编解码器
func (r *CodecRegistry) FindCodec(mimeType string) *CodecInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, list := range [][]CodecInfo{r.videoCodecs, r.audioCodecs} {
		for _, codec := range list {
			if strings.EqualFold(codec.MimeType, mimeType) {
				c := codec
				return &c
			}
		}
	}
	return nil
}

// Match 按 rtpmap 的编码名和时钟频率匹配本地编解码器
func (r *CodecRegistry) Match(kind MediaKind, encodingName string, clockRate uint32) *CodecInfo {
	for _, codec := range r.Codecs(kind) {
		if strings.EqualFold(codec.EncodingName(), encodingName) && codec.ClockRate == clockRate {
			c := codec
			return &c
		}
	}
	return nil
}

// SetPreferredVideoCodec 设置首选视频编解码器（放到列表首位）
func (r *CodecRegistry) SetPreferredVideoCodec(codecType CodecType) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, codec := range r.videoCodecs {
		if codec.Type == codecType {
			rest := append([]CodecInfo{}, r.videoCodecs[:i]...)
			rest = append(rest, r.videoCodecs[i+1:]...)
			r.videoCodecs = append([]CodecInfo{codec}, rest...)
			return
		}
	}
}

// ParseMimeType 解析 MimeType 获取编解码器类型
func ParseMimeType(mimeType string) CodecType {
	lower := strings.ToLower(mimeType)

	switch {
	case strings.HasSuffix(lower, "/raw"):
		return CodecTypeRaw
	case strings.Contains(lower, "vp8"):
		return CodecTypeVP8
	case strings.Contains(lower, "vp9"):
		return CodecTypeVP9
	case strings.Contains(lower, "h264"):
		return CodecTypeH264
	case strings.Contains(lower, "av1"):
		return CodecTypeAV1
	case strings.Contains(lower, "opus"):
		return CodecTypeOpus
	case strings.Contains(lower, "g722"):
		return CodecTypeG722
	case strings.Contains(lower, "pcmu"):
		return CodecTypePCMU
	case strings.Contains(lower, "pcma"):
		return CodecTypePCMA
	default:
		return CodecType(mimeType)
	}
}
