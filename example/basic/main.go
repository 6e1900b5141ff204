/*
 * @Author: Marlon.M
 * @Email: maiguangyang@163.com
 * @Date: 2025-12-24
 *
 * Example: Basic Peer Usage
 *
 * 这个示例展示了 Peer Core 的基本使用方法：
 * 两个 PeerConnection 通过进程内信令互连，收发文本、二进制和一帧测试图案。
 * 注意：这是一个独立的演示程序，不作为 C-shared 库编译。
 *
 * 构建命令: go build -o peer_example example/basic/main.go
 */
package main

import (
	"context"
	"fmt"
	"time"

	"github.com/maiguangyang/peer_core/pkg/media"
	"github.com/maiguangyang/peer_core/pkg/peer"
	"github.com/maiguangyang/peer_core/pkg/signaling"
	"github.com/maiguangyang/peer_core/pkg/utils"
)

func main() {
	fmt.Println("=== Peer Core Basic Example ===")
	fmt.Println()

	utils.SetLevel(utils.LogLevelWarn)

	// 1. 创建两个 PeerConnection
	fmt.Println("1. Creating peers...")
	alice, err := peer.NewPeerConnection()
	if err != nil {
		fmt.Printf("   Error: %v\n", err)
		return
	}
	defer alice.Close()
	bob, err := peer.NewPeerConnection()
	if err != nil {
		fmt.Printf("   Error: %v\n", err)
		return
	}
	defer bob.Close()
	fmt.Printf("   ✓ alice=%s bob=%s\n", alice.ID(), bob.ID())

	// 2. 进程内信令
	fmt.Println("\n2. Wiring signaling...")
	chA, chB := signaling.NewLocalPair()
	defer chA.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = signaling.NewPump(chA, alice, nil).Run(ctx) }()
	go func() { _ = signaling.NewPump(chB, bob, nil).Run(ctx) }()
	fmt.Println("   ✓ Local signaling pair ready")

	// 3. 事件回调
	opened := make(chan struct{}, 1)
	done := make(chan struct{}, 3)
	alice.On(peer.EventDataChannelOpen, func(ev peer.Event) {
		fmt.Printf("   → alice: channel %q open\n", ev.Label)
		opened <- struct{}{}
	})
	bob.On(peer.EventDataMessage, func(ev peer.Event) {
		fmt.Printf("   → bob received text: %s\n", ev.Message)
		done <- struct{}{}
	})
	alice.On(peer.EventDataBinaryMessage, func(ev peer.Event) {
		fmt.Printf("   → alice received %d bytes\n", len(ev.Data))
		done <- struct{}{}
	})
	bob.On(peer.EventRenderRemote, func(ev peer.Event) {
		fmt.Printf("   → bob rendered remote frame %dx%d %s\n", ev.Frame.Width, ev.Frame.Height, ev.Frame.Format)
		done <- struct{}{}
	})
	for _, pc := range []*peer.PeerConnection{alice, bob} {
		name := "alice"
		if pc == bob {
			name = "bob"
		}
		pc.On(peer.EventConnectionStateChange, func(ev peer.Event) {
			fmt.Printf("   → %s: %s\n", name, ev.State)
		})
		pc.On(peer.EventFailure, func(ev peer.Event) {
			fmt.Printf("   ✗ %s failure: %s\n", name, ev.Message)
		})
	}

	// 4. 协商
	fmt.Println("\n3. Negotiating...")
	if err := alice.CreateDataChannel("chat"); err != nil {
		fmt.Printf("   Error: %v\n", err)
		return
	}
	if err := alice.CreateOffer(); err != nil {
		fmt.Printf("   Error: %v\n", err)
		return
	}
	select {
	case <-opened:
	case <-time.After(15 * time.Second):
		fmt.Println("   ✗ Timed out waiting for the data channel")
		return
	}

	// 5. 发送
	fmt.Println("\n4. Exchanging data...")
	_ = alice.SendText("hello bob")
	time.Sleep(100 * time.Millisecond)
	_ = bob.SendBinary([]byte{0xde, 0xad, 0xbe, 0xef})

	if err := alice.SetVideoCapturer(160, 120, 5); err == nil {
		if err := alice.OpenCaptureDevice(media.TestPatternDevice); err == nil {
			if _, err := alice.CaptureFrameAndPush(); err != nil {
				fmt.Printf("   Error: %v\n", err)
			}
		}
	}

	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			fmt.Println("   ✗ Timed out")
			return
		}
	}

	// 6. 统计
	fmt.Println("\n5. Stats:")
	fmt.Println(alice.Stats().ToJSON())
	fmt.Println("\n=== Example completed ===")
}
