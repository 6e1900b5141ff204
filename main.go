/*
 * @Author: Marlon.M
 * @Email: maiguangyang@163.com
 * @Date: 2025-12-24
 *
 * Peer Core - native peer connection session manager
 * This is the main entry point for C-shared library exports.
 * All functions with //export comments are exposed to the host (Dart FFI / P/Invoke).
 *
 * Conductor 相关导出在 conductor_ffi.go，句柄管理在 instance.go
 */
package main

/*
#include <stdlib.h>
#include <stdint.h>

typedef void (*LogCallback)(int level, const char* message);

static LogCallback logCallback = NULL;

static void setLogCallback(LogCallback cb) {
    logCallback = cb;
}

static void callLogCallback(int level, const char* message) {
    if (logCallback != NULL) {
        logCallback(level, message);
    }
}

*/
import "C"

import (
	"encoding/json"
	"unsafe"

	"github.com/maiguangyang/peer_core/pkg/media"
	"github.com/maiguangyang/peer_core/pkg/negotiation"
	"github.com/maiguangyang/peer_core/pkg/utils"
)

// ==========================================
// Callback Registration
// ==========================================

//export SetLogCallback
func SetLogCallback(callback C.LogCallback) {
	C.setLogCallback(callback)

	// Also set the Go logger callback
	utils.SetCallback(func(level utils.LogLevel, message string) {
		cMessage := C.CString(message)
		// Do not free cMessage here; it must be freed by the host side to avoid Use-After-Free
		// in async callbacks.
		C.callLogCallback(C.int(level), cMessage)
	})

	utils.Info("Log callback registered")
}

//export SetLogLevel
func SetLogLevel(level C.int) {
	utils.SetLevel(utils.LogLevel(level))
}

// ==========================================
// Devices
// ==========================================

// GetVideoDevices 返回设备名 JSON 数组，调用方用 FreeString 释放
//
//export GetVideoDevices
func GetVideoDevices() *C.char {
	data, err := json.Marshal(media.DefaultRegistry().Devices())
	if err != nil {
		utils.Error("GetVideoDevices: %v", err)
		return nil
	}
	return C.CString(string(data))
}

// ==========================================
// Codecs & Pools
// ==========================================

func codecsJSON(kind negotiation.MediaKind) *C.char {
	codecs := negotiation.NewCodecRegistry().Codecs(kind)

	result := make([]map[string]interface{}, len(codecs))
	for i, codec := range codecs {
		result[i] = map[string]interface{}{
			"type":         string(codec.Type),
			"mime_type":    codec.MimeType,
			"clock_rate":   codec.ClockRate,
			"payload_type": codec.PayloadType,
		}
	}

	data, _ := json.Marshal(result)
	return C.CString(string(data))
}

// CodecGetSupportedVideo 获取支持的视频编解码器列表
//
//export CodecGetSupportedVideo
func CodecGetSupportedVideo() *C.char {
	return codecsJSON(negotiation.MediaKindVideo)
}

// CodecGetSupportedAudio 获取支持的音频编解码器列表
//
//export CodecGetSupportedAudio
func CodecGetSupportedAudio() *C.char {
	return codecsJSON(negotiation.MediaKindAudio)
}

// FramePoolGetStats 帧缓冲池统计 JSON
//
//export FramePoolGetStats
func FramePoolGetStats() *C.char {
	data, _ := json.Marshal(media.GetGlobalFramePoolStats())
	return C.CString(string(data))
}

// ==========================================
// Utility Functions
// ==========================================

//export FreeString
func FreeString(s *C.char) {
	C.free(unsafe.Pointer(s))
}

//export CleanupAll
func CleanupAll() {
	cleanupAllConductors()
	utils.Info("All resources cleaned up")
}

//export GetVersion
func GetVersion() *C.char {
	return C.CString("1.0.0-peer")
}

// main is required but not used for c-shared library
func main() {}
