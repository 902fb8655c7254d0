package host

import (
	"fmt"
	"sync"
	"time"
)

type fakeSubscription struct {
	mu     sync.Mutex
	chunks [][]byte
	closed bool
}

func (f *fakeSubscription) push(chunk []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunks = append(f.chunks, chunk)
}

func (f *fakeSubscription) RecvTimeout(d time.Duration) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, false, fmt.Errorf("subscription closed")
	}
	if len(f.chunks) == 0 {
		time.Sleep(time.Millisecond)
		return nil, false, nil
	}
	chunk := f.chunks[0]
	f.chunks = f.chunks[1:]
	return chunk, true, nil
}

func (f *fakeSubscription) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

type fakeBridge struct {
	mu          sync.Mutex
	panes       []PaneInfo
	subs        map[int]*fakeSubscription
	inputs      [][]byte
	pastes      []string
	resizes     []struct{ rows, cols int }
	clipboardCh map[int]chan string
}

func newFakeBridge(panes ...PaneInfo) *fakeBridge {
	return &fakeBridge{
		panes: panes,
		subs:  make(map[int]*fakeSubscription),
	}
}

func (b *fakeBridge) ListPanes() ([]PaneInfo, error) {
	return b.panes, nil
}

func (b *fakeBridge) SubscribeOutput(paneID int) (OutputSubscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, p := range b.panes {
		if p.PaneID == paneID {
			sub := &fakeSubscription{}
			b.subs[paneID] = sub
			return sub, nil
		}
	}
	return nil, fmt.Errorf("no such pane: %d", paneID)
}

func (b *fakeBridge) SendInput(paneID int, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inputs = append(b.inputs, data)
	return nil
}

func (b *fakeBridge) SendPaste(paneID int, text string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pastes = append(b.pastes, text)
	return nil
}

func (b *fakeBridge) Resize(paneID int, rows, cols int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resizes = append(b.resizes, struct{ rows, cols int }{rows, cols})
	return nil
}

func (b *fakeBridge) ClipboardWrites(paneID int) (<-chan string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.clipboardCh[paneID]
	return ch, ok
}

type fakeApprover struct {
	approve bool
	reason  string
}

func (a *fakeApprover) ApprovePairing(userEmail, deviceName, fingerprint string) (PairingApproval, error) {
	return PairingApproval{Approved: a.approve, Reason: a.reason}, nil
}
