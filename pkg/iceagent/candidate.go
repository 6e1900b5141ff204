/*
 * @Author: Marlon.M
 * @Email: maiguangyang@163.com
 * @Date: 2026-01-13
 */
package iceagent

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/maiguangyang/peer_core/pkg/rtcerr"
	"github.com/pion/ice/v4"
)

// Candidate is a trickled ICE candidate as carried by signaling.
// An empty Candidate string marks end-of-candidates.
type Candidate struct {
	SDPMid        string `json:"sdpMid"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex"`
	Candidate     string `json:"candidate"`
}

// IsEndOfCandidates reports whether c is the gathering-complete sentinel
func (c Candidate) IsEndOfCandidates() bool {
	return c.Candidate == ""
}

// ParseCandidate validates an a=candidate value, with or without the "candidate:" prefix
func ParseCandidate(raw string) (ice.Candidate, error) {
	value := strings.TrimPrefix(strings.TrimSpace(raw), "candidate:")
	if value == "" {
		return nil, fmt.Errorf("%w: empty candidate", rtcerr.ErrInvalidCandidate)
	}
	c, err := ice.UnmarshalCandidate(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", rtcerr.ErrInvalidCandidate, err)
	}
	return c, nil
}

func toCandidate(c ice.Candidate) Candidate {
	return Candidate{Candidate: "candidate:" + c.Marshal()}
}

// usable 只对 IPv4 UDP 且地址为字面 IP 的候选建立候选对
func usable(c ice.Candidate) bool {
	if !c.NetworkType().IsUDP() {
		return false
	}
	ip := net.ParseIP(c.Address())
	return ip != nil && ip.To4() != nil
}

func candidateAddr(c ice.Candidate) *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP(c.Address()), Port: c.Port()}
}

func sameTransportAddr(c ice.Candidate, addr *net.UDPAddr) bool {
	ip := net.ParseIP(c.Address())
	return ip != nil && ip.Equal(addr.IP) && c.Port() == addr.Port
}

func candidateKey(c ice.Candidate) string {
	return c.Type().String() + "/" + net.JoinHostPort(c.Address(), strconv.Itoa(c.Port()))
}

// toUDPAddr 兼容 stdnet 与 vnet 返回的地址类型
func toUDPAddr(addr net.Addr) (*net.UDPAddr, bool) {
	if udp, ok := addr.(*net.UDPAddr); ok {
		return udp, true
	}
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return nil, false
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, false
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, false
	}
	return &net.UDPAddr{IP: ip, Port: port}, true
}

// pairPriority RFC 8445 §6.1.2.3
// G 为 controlling 方候选优先级，D 为 controlled 方
func pairPriority(controlling bool, local, remote uint32) uint64 {
	g, d := remote, local
	if controlling {
		g, d = local, remote
	}
	var tie uint64
	if g > d {
		tie = 1
	}
	return (uint64(1)<<32)*uint64(min(g, d)) + 2*uint64(max(g, d)) + tie
}
