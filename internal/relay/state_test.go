package relay

import (
	"testing"
	"time"
)

func TestRegisterDesktopRejectsDuplicateRelayID(t *testing.T) {
	st := NewState("", "", AuthDisabled)
	dc1 := &desktopControl{send: make(chan outMessage, 1)}
	dc2 := &desktopControl{send: make(chan outMessage, 1)}

	if !st.registerDesktop("abc123", dc1) {
		t.Fatalf("first registration should succeed")
	}
	if st.registerDesktop("abc123", dc2) {
		t.Fatalf("second registration with same relay_id should be rejected")
	}
}

func TestPendingSessionInvariant(t *testing.T) {
	st := NewState("", "", AuthDisabled)
	dc := &desktopControl{send: make(chan outMessage, 1)}
	st.registerDesktop("relay1", dc)

	st.addPending("sess1", &pendingSession{relayID: "relay1", mobileSend: make(chan outMessage, 1)})

	// invariant: for every pending session, its relay_id has a registered desktop
	for _, sid := range st.pendingIDsForRelay("relay1") {
		p, ok := st.takePending(sid)
		if !ok {
			t.Fatalf("pending session missing")
		}
		if _, ok := st.getDesktop(p.relayID); !ok {
			t.Fatalf("pending session %s references unregistered desktop %s", sid, p.relayID)
		}
	}
}

func TestActiveSessionRemovedOnDesktopCleanup(t *testing.T) {
	st := NewState("", "", AuthDisabled)
	st.addSession("sess1", &activeSession{relayID: "relay1", slots: &sessionSlots{}})

	ids := st.sessionIDsForRelay("relay1")
	if len(ids) != 1 {
		t.Fatalf("expected 1 session for relay1, got %d", len(ids))
	}
	for _, sid := range ids {
		st.removeSession(sid)
	}
	if _, ok := st.getSession("sess1"); ok {
		t.Fatalf("session should have been removed")
	}
}

func TestSessionSlotsPeerRouting(t *testing.T) {
	slots := &sessionSlots{}
	desktopCh := make(chan outMessage, 1)
	mobileCh := make(chan outMessage, 1)

	slots.set(roleDesktop, desktopCh)
	slots.set(roleMobile, mobileCh)

	if slots.peer(roleDesktop) != mobileCh {
		t.Fatalf("desktop's peer should be the mobile channel")
	}
	if slots.peer(roleMobile) != desktopCh {
		t.Fatalf("mobile's peer should be the desktop channel")
	}

	slots.clear(roleDesktop)
	if slots.peer(roleMobile) != nil {
		t.Fatalf("clearing desktop slot should nil out mobile's peer view")
	}
}

func TestDeadDesktopsDetectsTimeout(t *testing.T) {
	st := NewState("", "", AuthDisabled)
	dc := &desktopControl{send: make(chan outMessage, 1), lastHeartbeat: time.Now()}
	st.registerDesktop("relay1", dc)

	if got := st.deadDesktops(); len(got) != 0 {
		t.Fatalf("freshly registered desktop should not be dead, got %v", got)
	}

	dc.mu.Lock()
	dc.lastHeartbeat = dc.lastHeartbeat.Add(-2 * HeartbeatTimeout)
	dc.mu.Unlock()

	got := st.deadDesktops()
	if len(got) != 1 || got[0] != "relay1" {
		t.Fatalf("expected relay1 to be dead, got %v", got)
	}
}
