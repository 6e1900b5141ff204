/*
 * @Author: Marlon.M
 * @Email: maiguangyang@163.com
 * @Date: 2026-01-22
 */
package iceagent

import (
	"testing"
	"time"

	"github.com/pion/stun/v3"
)

func isControlling(a *Agent) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.controlling
}

// waitRolesDiffer 等待双方角色不同
func waitRolesDiffer(t *testing.T, a, b *Agent, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if isControlling(a) != isControlling(b) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("role conflict not resolved: a.controlling=%v b.controlling=%v", isControlling(a), isControlling(b))
}

func TestRoleConflictBothControlling(t *testing.T) {
	_, nets := newVNet(t, "1.2.3.4", "1.2.3.5")

	a := newTestAgent(t, Config{Net: nets[0]})
	b := newTestAgent(t, Config{Net: nets[1]})
	ra := newStateRecorder(a)
	rb := newStateRecorder(b)

	connectRoles(t, a, b, true, true)
	ra.wait(t, ConnectionStateConnected, 5*time.Second)
	rb.wait(t, ConnectionStateConnected, 5*time.Second)
	waitRolesDiffer(t, a, b, 3*time.Second)
}

func TestRoleConflictBothControlled(t *testing.T) {
	_, nets := newVNet(t, "1.2.3.4", "1.2.3.5")

	a := newTestAgent(t, Config{Net: nets[0]})
	b := newTestAgent(t, Config{Net: nets[1]})
	ra := newStateRecorder(a)
	rb := newStateRecorder(b)

	connectRoles(t, a, b, false, false)
	ra.wait(t, ConnectionStateConnected, 5*time.Second)
	rb.wait(t, ConnectionStateConnected, 5*time.Second)
	waitRolesDiffer(t, a, b, 3*time.Second)
}

func TestRoleConflictAfterConnect(t *testing.T) {
	_, nets := newVNet(t, "1.2.3.4", "1.2.3.5")

	keepalive := KeepaliveConfig{Interval: 20 * time.Millisecond, Timeout: time.Second}
	a := newTestAgent(t, Config{Net: nets[0], Keepalive: keepalive})
	b := newTestAgent(t, Config{Net: nets[1], Keepalive: keepalive})
	ra := newStateRecorder(a)
	rb := newStateRecorder(b)

	connect(t, a, b)
	ra.wait(t, ConnectionStateConnected, 5*time.Second)
	rb.wait(t, ConnectionStateConnected, 5*time.Second)

	// consent 请求携带角色属性，冲突在 consent 上解决
	b.SetControlling(true)
	waitRolesDiffer(t, a, b, 3*time.Second)
}

func TestConsentTransactionsBounded(t *testing.T) {
	_, nets := newVNet(t, "1.2.3.4", "1.2.3.5")

	config := Config{
		RetransmitInterval: 20 * time.Millisecond,
		MaxBindingRequests: 5,
		Keepalive:          KeepaliveConfig{Interval: 10 * time.Millisecond, Timeout: 50 * time.Millisecond},
	}
	config.Net = nets[0]
	a := newTestAgent(t, config)
	config.Net = nets[1]
	b := newTestAgent(t, config)
	ra := newStateRecorder(a)
	rb := newStateRecorder(b)

	connect(t, a, b)
	ra.wait(t, ConnectionStateConnected, 5*time.Second)
	rb.wait(t, ConnectionStateConnected, 5*time.Second)

	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	ra.wait(t, ConnectionStateDisconnected, 3*time.Second)
	time.Sleep(500 * time.Millisecond)

	a.mu.Lock()
	n, pairs := len(a.transactions), len(a.pairs)
	a.mu.Unlock()
	if n > pairs {
		t.Fatalf("transactions = %d after disconnect, want at most one per pair (%d)", n, pairs)
	}
}

func TestExpireCheckTransactions(t *testing.T) {
	a := newTestAgent(t, Config{RetransmitInterval: 10 * time.Millisecond, MaxBindingRequests: 3})

	now := time.Now()
	stale := [stun.TransactionIDSize]byte{1}
	fresh := [stun.TransactionIDSize]byte{2}
	consent := [stun.TransactionIDSize]byte{3}

	a.mu.Lock()
	a.transactions[stale] = &transaction{kind: txCheck, sent: now.Add(-time.Second)}
	a.transactions[fresh] = &transaction{kind: txCheck, sent: now}
	a.transactions[consent] = &transaction{kind: txConsent, sent: now.Add(-time.Second)}
	a.expireTransactionsLocked(now)
	_, hasStale := a.transactions[stale]
	_, hasFresh := a.transactions[fresh]
	_, hasConsent := a.transactions[consent]
	a.mu.Unlock()

	if hasStale {
		t.Error("stale check transaction should expire")
	}
	if !hasFresh || !hasConsent {
		t.Error("fresh check and consent transactions should be kept")
	}
}
