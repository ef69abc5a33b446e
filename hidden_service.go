package torgate

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// HiddenServiceInfo describes an onion service created through the bridge.
type HiddenServiceInfo struct {
	// Hostname is the .onion address.
	Hostname string
	// Ports holds the Port= targets passed to ADD_ONION.
	Ports []string
	// CreatedAt is when tor acknowledged ADD_ONION.
	CreatedAt time.Time
	// PendingUploads is the number of unconfirmed descriptor uploads.
	PendingUploads int
	// Published reports whether tor has confirmed at least one descriptor upload.
	Published bool
}

// hiddenServiceRegistry remembers the onion services downstream clients
// created, keyed by service ID (the hostname without ".onion").
type hiddenServiceRegistry struct {
	mu       sync.Mutex
	services map[string]*HiddenServiceInfo
	now      func() time.Time
}

func newHiddenServiceRegistry() *hiddenServiceRegistry {
	return &hiddenServiceRegistry{
		services: make(map[string]*HiddenServiceInfo),
		now:      time.Now,
	}
}

// recordAddOnion stores the service named in a successful ADD_ONION reply.
// It returns the hostname when one was found.
func (r *hiddenServiceRegistry) recordAddOnion(cmd string, reply []string) (string, bool) {
	if !IsSuccessReply(reply) {
		return "", false
	}
	serviceID := ""
	for _, line := range replyPayload(reply) {
		if id, ok := strings.CutPrefix(line, "ServiceID="); ok {
			serviceID = id
		}
	}
	if serviceID == "" {
		return "", false
	}

	_, args := splitCommand(cmd)
	var ports []string
	for _, field := range strings.Fields(args) {
		if target, ok := strings.CutPrefix(field, "Port="); ok {
			ports = append(ports, target)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.services[serviceID] = &HiddenServiceInfo{
		Hostname:  serviceID + ".onion",
		Ports:     ports,
		CreatedAt: r.now(),
	}
	return serviceID + ".onion", true
}

// observe updates publication state from an HS_DESC event line.
func (r *hiddenServiceRegistry) observe(line string) {
	action, address, ok := parseHSDescEvent(line)
	if !ok {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.services[strings.TrimSuffix(address, ".onion")]
	if !ok {
		return
	}
	switch action {
	case "UPLOAD":
		info.PendingUploads++
	case "UPLOADED":
		info.PendingUploads = 0
		info.Published = true
	}
}

// list returns the known services sorted by hostname.
func (r *hiddenServiceRegistry) list() []HiddenServiceInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]HiddenServiceInfo, 0, len(r.services))
	for _, info := range r.services {
		cp := *info
		cp.Ports = append([]string(nil), info.Ports...)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hostname < out[j].Hostname })
	return out
}
