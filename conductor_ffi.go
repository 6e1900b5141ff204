/*
 * @Author: Marlon.M
 * @Email: maiguangyang@163.com
 * @Date: 2026-01-23
 *
 * Conductor FFI Exports
 * 一个 conductor 对应一个 PeerConnection，宿主通过句柄调用
 * 所有回调都在该 conductor 的事件协程中串行执行
 */
package main

/*
#include <stdlib.h>
#include <stdint.h>

// Callback function types, the first argument is always the conductor handle
typedef void (*SuccessCallback)(int64_t handle, const char* type, const char* sdp);
typedef void (*IceCandidateCallback)(int64_t handle, const char* sdpMid, int sdpMLineIndex, const char* sdp);
typedef void (*MessageCallback)(int64_t handle, const char* message);
typedef void (*BinaryCallback)(int64_t handle, const uint8_t* data, uint32_t size);
typedef void (*RenderCallback)(int64_t handle, int format, const uint8_t* data, uint32_t size, uint32_t width, uint32_t height);
typedef void (*StateCallback)(int64_t handle, int state);

// Caller functions (to be called from Go)
static void callSuccess(SuccessCallback cb, int64_t h, const char* type, const char* sdp) {
    if (cb != NULL) cb(h, type, sdp);
}

static void callIceCandidate(IceCandidateCallback cb, int64_t h, const char* mid, int index, const char* sdp) {
    if (cb != NULL) cb(h, mid, index, sdp);
}

static void callMessage(MessageCallback cb, int64_t h, const char* message) {
    if (cb != NULL) cb(h, message);
}

static void callBinary(BinaryCallback cb, int64_t h, const uint8_t* data, uint32_t size) {
    if (cb != NULL) cb(h, data, size);
}

static void callRender(RenderCallback cb, int64_t h, int format, const uint8_t* data, uint32_t size, uint32_t w, uint32_t hh) {
    if (cb != NULL) cb(h, format, data, size, w, hh);
}

static void callState(StateCallback cb, int64_t h, int state) {
    if (cb != NULL) cb(h, state);
}
*/
import "C"

import (
	"encoding/json"
	"fmt"
	"sync"
	"unsafe"

	"github.com/maiguangyang/peer_core/pkg/media"
	"github.com/maiguangyang/peer_core/pkg/peer"
	"github.com/maiguangyang/peer_core/pkg/utils"
	"github.com/pion/webrtc/v4"
)

// callbacks 宿主注册的函数指针
type callbacks struct {
	success      C.SuccessCallback
	iceCandidate C.IceCandidateCallback
	errorCb      C.MessageCallback
	failure      C.MessageCallback
	dataMessage  C.MessageCallback
	dataBinary   C.BinaryCallback
	renderLocal  C.RenderCallback
	renderRemote C.RenderCallback
	state        C.StateCallback
}

// conductor 绑定层的会话
type conductor struct {
	handle int64
	pc     *peer.PeerConnection
	probe  *peer.NetworkProbe

	mu sync.RWMutex
	cb callbacks

	closeOnce sync.Once
}

func (c *conductor) current() callbacks {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cb
}

func (c *conductor) setCallbacks(fn func(cb *callbacks)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.cb)
}

func (c *conductor) close() {
	c.closeOnce.Do(func() {
		if c.probe != nil {
			c.probe.Stop()
		}
		if err := c.pc.Close(); err != nil {
			utils.Warn("conductor %d close: %v", c.handle, err)
		}
	})
}

// wire 把 PeerConnection 的事件转成 C 回调
func (c *conductor) wire() {
	h := C.int64_t(c.handle)

	success := func(ev peer.Event) {
		sdpType := "offer"
		if ev.Kind == peer.EventSuccessAnswer {
			sdpType = "answer"
		}
		cType := C.CString(sdpType)
		cSDP := C.CString(ev.SDP)
		defer C.free(unsafe.Pointer(cType))
		defer C.free(unsafe.Pointer(cSDP))
		C.callSuccess(c.current().success, h, cType, cSDP)
	}
	c.pc.On(peer.EventSuccessOffer, success)
	c.pc.On(peer.EventSuccessAnswer, success)

	c.pc.On(peer.EventIceCandidate, func(ev peer.Event) {
		cMid := C.CString(ev.Candidate.SDPMid)
		cSDP := C.CString(ev.Candidate.Candidate)
		defer C.free(unsafe.Pointer(cMid))
		defer C.free(unsafe.Pointer(cSDP))
		C.callIceCandidate(c.current().iceCandidate, h, cMid, C.int(ev.Candidate.SDPMLineIndex), cSDP)
	})

	message := func(pick func(cb callbacks) C.MessageCallback) peer.Listener {
		return func(ev peer.Event) {
			cMsg := C.CString(ev.Message)
			defer C.free(unsafe.Pointer(cMsg))
			C.callMessage(pick(c.current()), h, cMsg)
		}
	}
	c.pc.On(peer.EventError, message(func(cb callbacks) C.MessageCallback { return cb.errorCb }))
	c.pc.On(peer.EventFailure, message(func(cb callbacks) C.MessageCallback { return cb.failure }))
	c.pc.On(peer.EventDataMessage, message(func(cb callbacks) C.MessageCallback { return cb.dataMessage }))

	c.pc.On(peer.EventDataBinaryMessage, func(ev peer.Event) {
		C.callBinary(c.current().dataBinary, h, bytesPtr(ev.Data), C.uint32_t(len(ev.Data)))
	})

	render := func(pick func(cb callbacks) C.RenderCallback) peer.Listener {
		return func(ev peer.Event) {
			f := ev.Frame
			C.callRender(pick(c.current()), h, C.int(f.Format), bytesPtr(f.Data), C.uint32_t(len(f.Data)),
				C.uint32_t(f.Width), C.uint32_t(f.Height))
		}
	}
	c.pc.On(peer.EventRenderLocal, render(func(cb callbacks) C.RenderCallback { return cb.renderLocal }))
	c.pc.On(peer.EventRenderRemote, render(func(cb callbacks) C.RenderCallback { return cb.renderRemote }))

	c.pc.On(peer.EventConnectionStateChange, func(ev peer.Event) {
		C.callState(c.current().state, h, C.int(ev.State))
	})
}

// bytesPtr 回调期间有效的指针，空切片为 NULL
func bytesPtr(b []byte) *C.uint8_t {
	if len(b) == 0 {
		return nil
	}
	return (*C.uint8_t)(unsafe.Pointer(&b[0]))
}

// parseICEServers 解析 webrtc.ICEServer 形式的 JSON 数组
func parseICEServers(raw string) ([]webrtc.ICEServer, error) {
	if raw == "" {
		return nil, nil
	}
	var servers []webrtc.ICEServer
	if err := json.Unmarshal([]byte(raw), &servers); err != nil {
		return nil, fmt.Errorf("parse ICE servers: %w", err)
	}
	return servers, nil
}

func addICEServers(pc *peer.PeerConnection, servers []webrtc.ICEServer) error {
	for _, s := range servers {
		var credential string
		switch v := any(s.Credential).(type) {
		case nil:
		case string:
			credential = v
		default:
			credential = fmt.Sprint(v)
		}
		for _, url := range s.URLs {
			if err := pc.AddICEServerConfig(url, s.Username, credential); err != nil {
				return err
			}
		}
	}
	return nil
}

// lookup 句柄无效时记录日志
func lookup(fn string, h C.int64_t) *conductor {
	c := getConductor(int64(h))
	if c == nil {
		utils.Error("%s: unknown conductor %d", fn, int64(h))
	}
	return c
}

// result 错误转成 -1 并记录日志
func result(fn string, err error) C.int {
	if err != nil {
		utils.Error("%s: %v", fn, err)
		return C.int(-1)
	}
	return C.int(0)
}

// ==========================================
// Conductor 创建与销毁
// ==========================================

// ConductorCreate 创建会话
// iceServersJSON: ICE 服务器配置 JSON，可为空
// 返回句柄，失败返回 -1
//
//export ConductorCreate
func ConductorCreate(iceServersJSON *C.char) C.int64_t {
	var raw string
	if iceServersJSON != nil {
		raw = C.GoString(iceServersJSON)
	}
	servers, err := parseICEServers(raw)
	if err != nil {
		utils.Error("ConductorCreate: %v", err)
		return C.int64_t(-1)
	}

	pc, err := peer.NewPeerConnection()
	if err != nil {
		utils.Error("ConductorCreate: %v", err)
		return C.int64_t(-1)
	}
	if err := addICEServers(pc, servers); err != nil {
		_ = pc.Close()
		utils.Error("ConductorCreate: %v", err)
		return C.int64_t(-1)
	}

	c := &conductor{pc: pc, probe: peer.NewNetworkProbe(pc)}
	h := registerConductor(c)
	c.wire()
	c.probe.Start()

	utils.Info("Conductor %d created (%s)", h, pc.ID())
	return C.int64_t(h)
}

// ConductorDestroy 关闭会话，停止它启动的 STUN/TURN 服务
//
//export ConductorDestroy
func ConductorDestroy(h C.int64_t) {
	c := unregisterConductor(int64(h))
	if c == nil {
		return
	}
	c.close()
	utils.Info("Conductor %d destroyed", int64(h))
}

// ==========================================
// 回调注册
// ==========================================

//export ConductorOnSuccess
func ConductorOnSuccess(h C.int64_t, cb C.SuccessCallback) {
	if c := lookup("ConductorOnSuccess", h); c != nil {
		c.setCallbacks(func(x *callbacks) { x.success = cb })
	}
}

//export ConductorOnIceCandidate
func ConductorOnIceCandidate(h C.int64_t, cb C.IceCandidateCallback) {
	if c := lookup("ConductorOnIceCandidate", h); c != nil {
		c.setCallbacks(func(x *callbacks) { x.iceCandidate = cb })
	}
}

//export ConductorOnError
func ConductorOnError(h C.int64_t, cb C.MessageCallback) {
	if c := lookup("ConductorOnError", h); c != nil {
		c.setCallbacks(func(x *callbacks) { x.errorCb = cb })
	}
}

//export ConductorOnFailure
func ConductorOnFailure(h C.int64_t, cb C.MessageCallback) {
	if c := lookup("ConductorOnFailure", h); c != nil {
		c.setCallbacks(func(x *callbacks) { x.failure = cb })
	}
}

//export ConductorOnDataMessage
func ConductorOnDataMessage(h C.int64_t, cb C.MessageCallback) {
	if c := lookup("ConductorOnDataMessage", h); c != nil {
		c.setCallbacks(func(x *callbacks) { x.dataMessage = cb })
	}
}

//export ConductorOnDataBinaryMessage
func ConductorOnDataBinaryMessage(h C.int64_t, cb C.BinaryCallback) {
	if c := lookup("ConductorOnDataBinaryMessage", h); c != nil {
		c.setCallbacks(func(x *callbacks) { x.dataBinary = cb })
	}
}

//export ConductorOnRenderLocal
func ConductorOnRenderLocal(h C.int64_t, cb C.RenderCallback) {
	if c := lookup("ConductorOnRenderLocal", h); c != nil {
		c.setCallbacks(func(x *callbacks) { x.renderLocal = cb })
	}
}

//export ConductorOnRenderRemote
func ConductorOnRenderRemote(h C.int64_t, cb C.RenderCallback) {
	if c := lookup("ConductorOnRenderRemote", h); c != nil {
		c.setCallbacks(func(x *callbacks) { x.renderRemote = cb })
	}
}

//export ConductorOnStateChange
func ConductorOnStateChange(h C.int64_t, cb C.StateCallback) {
	if c := lookup("ConductorOnStateChange", h); c != nil {
		c.setCallbacks(func(x *callbacks) { x.state = cb })
	}
}

// ==========================================
// 协商
// ==========================================

//export ConductorCreateOffer
func ConductorCreateOffer(h C.int64_t) C.int {
	c := lookup("ConductorCreateOffer", h)
	if c == nil {
		return C.int(-1)
	}
	return result("ConductorCreateOffer", c.pc.CreateOffer())
}

// ConductorSetRemoteDescription 设置远端描述
// sdpType: "offer" 时自动生成 answer 并通过 success 回调送出
//
//export ConductorSetRemoteDescription
func ConductorSetRemoteDescription(h C.int64_t, sdpType *C.char, sdp *C.char) C.int {
	c := lookup("ConductorSetRemoteDescription", h)
	if c == nil {
		return C.int(-1)
	}
	return result("ConductorSetRemoteDescription", c.pc.SetRemoteDescription(C.GoString(sdpType), C.GoString(sdp)))
}

//export ConductorAddIceCandidate
func ConductorAddIceCandidate(h C.int64_t, sdpMid *C.char, sdpMLineIndex C.int, sdp *C.char) C.int {
	c := lookup("ConductorAddIceCandidate", h)
	if c == nil {
		return C.int(-1)
	}
	if sdpMLineIndex < 0 || sdpMLineIndex > 0xffff {
		utils.Error("ConductorAddIceCandidate: bad m-line index %d", int(sdpMLineIndex))
		return C.int(-1)
	}
	return result("ConductorAddIceCandidate",
		c.pc.AddICECandidate(C.GoString(sdpMid), uint16(sdpMLineIndex), C.GoString(sdp)))
}

//export ConductorAddServerConfig
func ConductorAddServerConfig(h C.int64_t, uri *C.char, username *C.char, password *C.char) C.int {
	c := lookup("ConductorAddServerConfig", h)
	if c == nil {
		return C.int(-1)
	}
	return result("ConductorAddServerConfig",
		c.pc.AddICEServerConfig(C.GoString(uri), C.GoString(username), C.GoString(password)))
}

// ==========================================
// 数据通道
// ==========================================

//export ConductorCreateDataChannel
func ConductorCreateDataChannel(h C.int64_t, label *C.char) C.int {
	c := lookup("ConductorCreateDataChannel", h)
	if c == nil {
		return C.int(-1)
	}
	return result("ConductorCreateDataChannel", c.pc.CreateDataChannel(C.GoString(label)))
}

//export ConductorSendText
func ConductorSendText(h C.int64_t, text *C.char) C.int {
	c := lookup("ConductorSendText", h)
	if c == nil {
		return C.int(-1)
	}
	return result("ConductorSendText", c.pc.SendText(C.GoString(text)))
}

//export ConductorSendData
func ConductorSendData(h C.int64_t, data *C.uint8_t, length C.int) C.int {
	c := lookup("ConductorSendData", h)
	if c == nil || length < 0 {
		return C.int(-1)
	}
	return result("ConductorSendData", c.pc.SendBinary(C.GoBytes(unsafe.Pointer(data), length)))
}

// ==========================================
// 采集与媒体
// ==========================================

//export ConductorOpenVideoCaptureDevice
func ConductorOpenVideoCaptureDevice(h C.int64_t, name *C.char) C.int {
	c := lookup("ConductorOpenVideoCaptureDevice", h)
	if c == nil {
		return C.int(-1)
	}
	return result("ConductorOpenVideoCaptureDevice", c.pc.OpenCaptureDevice(C.GoString(name)))
}

//export ConductorSetVideoCapturer
func ConductorSetVideoCapturer(h C.int64_t, width C.int, height C.int, fps C.int) C.int {
	c := lookup("ConductorSetVideoCapturer", h)
	if c == nil {
		return C.int(-1)
	}
	return result("ConductorSetVideoCapturer", c.pc.SetVideoCapturer(int(width), int(height), int(fps)))
}

// ConductorPushFrame 推送一帧，data 只在调用期间被读取
// format: 0=i420 1=rgb24 2=bgr24 3=bgra
//
//export ConductorPushFrame
func ConductorPushFrame(h C.int64_t, format C.int, data *C.uint8_t, size C.int, width C.int, height C.int) C.int {
	c := lookup("ConductorPushFrame", h)
	if c == nil || data == nil || size <= 0 {
		return C.int(-1)
	}
	f := media.Frame{
		Format: media.PixelFormat(format),
		Width:  int(width),
		Height: int(height),
		Data:   unsafe.Slice((*byte)(unsafe.Pointer(data)), int(size)),
	}
	return result("ConductorPushFrame", c.pc.PushFrame(f))
}

// ConductorCaptureFrameAndPush 从设备取一帧并推送
// 返回 1 已推送，0 尺寸不符未推送，-1 失败
//
//export ConductorCaptureFrameAndPush
func ConductorCaptureFrameAndPush(h C.int64_t) C.int {
	c := lookup("ConductorCaptureFrameAndPush", h)
	if c == nil {
		return C.int(-1)
	}
	pushed, err := c.pc.CaptureFrameAndPush()
	if err != nil {
		return result("ConductorCaptureFrameAndPush", err)
	}
	if pushed {
		return C.int(1)
	}
	return C.int(0)
}

//export ConductorSetAudio
func ConductorSetAudio(h C.int64_t, enable C.int) C.int {
	c := lookup("ConductorSetAudio", h)
	if c == nil {
		return C.int(-1)
	}
	c.pc.SetAudioEnabled(enable != 0)
	return C.int(0)
}

// ==========================================
// STUN / TURN 服务
// ==========================================

//export ConductorRunStunServer
func ConductorRunStunServer(h C.int64_t, bind *C.char) C.int {
	c := lookup("ConductorRunStunServer", h)
	if c == nil {
		return C.int(-1)
	}
	return result("ConductorRunStunServer", c.pc.RunSTUNServer(C.GoString(bind)))
}

// ConductorRunTurnServer 启动 TURN 服务
// authFile: 每行 username=HA1hex
//
//export ConductorRunTurnServer
func ConductorRunTurnServer(h C.int64_t, bind *C.char, relayIP *C.char, realm *C.char, authFile *C.char) C.int {
	c := lookup("ConductorRunTurnServer", h)
	if c == nil {
		return C.int(-1)
	}
	return result("ConductorRunTurnServer", c.pc.RunTURNServer(
		C.GoString(bind), C.GoString(relayIP), C.GoString(realm), C.GoString(authFile)))
}

// ==========================================
// 状态查询
// ==========================================

// ConductorGetState 返回连接状态，句柄无效返回 -1
//
//export ConductorGetState
func ConductorGetState(h C.int64_t) C.int {
	c := lookup("ConductorGetState", h)
	if c == nil {
		return C.int(-1)
	}
	return C.int(c.pc.ConnectionState())
}

// ConductorGetStats 返回统计 JSON，调用方用 FreeString 释放
//
//export ConductorGetStats
func ConductorGetStats(h C.int64_t) *C.char {
	c := lookup("ConductorGetStats", h)
	if c == nil {
		return nil
	}
	return C.CString(c.pc.Stats().ToJSON())
}

// ConductorGetNetworkQuality 返回最新和平均的连接质量 JSON，调用方用 FreeString 释放
//
//export ConductorGetNetworkQuality
func ConductorGetNetworkQuality(h C.int64_t) *C.char {
	c := lookup("ConductorGetNetworkQuality", h)
	if c == nil {
		return nil
	}
	data, err := json.Marshal(map[string]interface{}{
		"latest":  c.probe.GetLatest(),
		"average": c.probe.GetAverage(),
	})
	if err != nil {
		utils.Error("ConductorGetNetworkQuality: %v", err)
		return nil
	}
	return C.CString(string(data))
}
