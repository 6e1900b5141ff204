/*
 * @Author: Marlon.M
 * @Email: maiguangyang@163.com
 * @Date: 2026-01-20
 */
package peer

import (
	"fmt"

	"github.com/maiguangyang/peer_core/pkg/dcmux"
	"github.com/maiguangyang/peer_core/pkg/rtcerr"
)

// CreateDataChannel 创建数据通道
// 传输建立之前调用时记下 label，连接后再打开
func (pc *PeerConnection) CreateDataChannel(label string) error {
	pc.mu.Lock()
	if err := pc.checkOpenLocked(); err != nil {
		pc.mu.Unlock()
		return err
	}
	if !pc.attached {
		pc.pendingChannels = append(pc.pendingChannels, label)
		pc.mu.Unlock()
		pc.log.Debug("data channel %q deferred until connected", label)
		return nil
	}
	pc.mu.Unlock()
	return pc.openChannel(label)
}

func (pc *PeerConnection) openChannel(label string) error {
	ch, err := pc.mux.CreateChannel(label, pc.config.Channel)
	if err != nil {
		return err
	}
	pc.wireChannel(ch)

	pc.mu.Lock()
	pc.channel = ch
	pc.mu.Unlock()
	return nil
}

func (pc *PeerConnection) handleRemoteChannel(ch *dcmux.Channel) {
	pc.log.Info("remote data channel %q id=%d", ch.Label(), ch.ID())
	pc.wireChannel(ch)

	pc.mu.Lock()
	pc.channel = ch
	pc.mu.Unlock()
}

func (pc *PeerConnection) wireChannel(ch *dcmux.Channel) {
	label := ch.Label()
	ch.OnOpen(func() {
		pc.events.emit(Event{Kind: EventDataChannelOpen, Label: label})
	})
	ch.OnMessage(func(m dcmux.Message) {
		if m.IsString {
			pc.events.emit(Event{Kind: EventDataMessage, Label: label, Message: string(m.Data)})
			return
		}
		pc.events.emit(Event{Kind: EventDataBinaryMessage, Label: label, Data: m.Data})
	})
	ch.OnClose(func() {
		pc.log.Debug("data channel %q closed", label)
	})
}

func (pc *PeerConnection) currentChannel() (*dcmux.Channel, error) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.closed {
		return nil, rtcerr.ErrClosed
	}
	if pc.channel == nil {
		return nil, fmt.Errorf("%w: no data channel open", rtcerr.ErrChannelClosed)
	}
	return pc.channel, nil
}

// SendText 在当前数据通道上发送文本，通道未 Open 时返回 ErrChannelClosed
func (pc *PeerConnection) SendText(text string) error {
	ch, err := pc.currentChannel()
	if err != nil {
		return err
	}
	return ch.SendText(text)
}

// SendBinary 在当前数据通道上发送二进制
func (pc *PeerConnection) SendBinary(data []byte) error {
	ch, err := pc.currentChannel()
	if err != nil {
		return err
	}
	return ch.Send(data)
}
