package torgate

import (
	"strings"
	"sync"
)

// PendingOnionServices counts descriptor upload attempts per onion service
// address that tor has not yet confirmed. While it is non-empty the bridge
// must keep the upstream event subscription alive, because the confirmation
// the downstream client is waiting for arrives on it.
type PendingOnionServices struct {
	mu      sync.Mutex
	pending map[string]int
}

// NewPendingOnionServices returns an empty tracker.
func NewPendingOnionServices() *PendingOnionServices {
	return &PendingOnionServices{pending: make(map[string]int)}
}

// UploadStarted records one upload attempt for address.
func (p *PendingOnionServices) UploadStarted(address string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending[address]++
}

// UploadConfirmed forgets address regardless of how many attempts preceded it.
func (p *PendingOnionServices) UploadConfirmed(address string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.pending, address)
}

// Empty reports whether no upload is awaiting confirmation.
func (p *PendingOnionServices) Empty() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending) == 0
}

// Attempts returns the number of unconfirmed attempts for address.
func (p *PendingOnionServices) Attempts(address string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending[address]
}

// Snapshot returns a copy of the pending map.
func (p *PendingOnionServices) Snapshot() map[string]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]int, len(p.pending))
	for k, v := range p.pending {
		out[k] = v
	}
	return out
}

// Observe updates the tracker from one event line. HS_DESC UPLOAD counts an
// attempt and HS_DESC UPLOADED clears the address. It reports whether the
// line was a descriptor upload event.
func (p *PendingOnionServices) Observe(line string) bool {
	action, address, ok := parseHSDescEvent(line)
	if !ok {
		return false
	}
	switch action {
	case "UPLOAD":
		p.UploadStarted(address)
	case "UPLOADED":
		p.UploadConfirmed(address)
	default:
		return false
	}
	return true
}

// parseHSDescEvent splits "650 HS_DESC <Action> <HSAddress> ..." into its
// action and address.
func parseHSDescEvent(line string) (string, string, bool) {
	if !IsAsyncEvent(line) || len(line) < 4 {
		return "", "", false
	}
	fields := strings.Fields(line[4:])
	if len(fields) < 3 || fields[0] != "HS_DESC" {
		return "", "", false
	}
	return fields[1], fields[2], true
}
