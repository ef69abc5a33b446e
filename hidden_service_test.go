package torgate

import (
	"testing"
	"time"
)

func TestHiddenServiceRegistry(t *testing.T) {
	const serviceID = "abcdefghijklmnopqrstuvwxyz234567abcdefghijklmnopqrstuvwx"
	fixed := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)

	newRegistry := func() *hiddenServiceRegistry {
		r := newHiddenServiceRegistry()
		r.now = func() time.Time { return fixed }
		return r
	}

	t.Run("should record the service from a successful ADD_ONION reply", func(t *testing.T) {
		r := newRegistry()
		host, ok := r.recordAddOnion(
			"ADD_ONION NEW:ED25519-V3 Flags=DiscardPK Port=80,127.0.0.1:8080 Port=443,127.0.0.1:8443",
			[]string{"250-ServiceID=" + serviceID, "250 OK"},
		)
		if !ok || host != serviceID+".onion" {
			t.Fatalf("expected %s.onion, got %q (ok=%v)", serviceID, host, ok)
		}

		list := r.list()
		if len(list) != 1 {
			t.Fatalf("expected one service, got %d", len(list))
		}
		info := list[0]
		if len(info.Ports) != 2 || info.Ports[0] != "80,127.0.0.1:8080" {
			t.Fatalf("unexpected ports: %v", info.Ports)
		}
		if !info.CreatedAt.Equal(fixed) || info.Published {
			t.Fatalf("unexpected info: %+v", info)
		}
	})

	t.Run("should ignore failed replies and replies without a service ID", func(t *testing.T) {
		r := newRegistry()
		if _, ok := r.recordAddOnion("ADD_ONION NEW:BEST Port=80", []string{"512 Bad arguments"}); ok {
			t.Fatal("error reply must not be recorded")
		}
		if _, ok := r.recordAddOnion("ADD_ONION NEW:BEST Port=80", []string{"250 OK"}); ok {
			t.Fatal("reply without ServiceID must not be recorded")
		}
		if len(r.list()) != 0 {
			t.Fatal("expected empty registry")
		}
	})

	t.Run("should track descriptor publication", func(t *testing.T) {
		r := newRegistry()
		r.recordAddOnion("ADD_ONION NEW:BEST Port=80", []string{"250-ServiceID=" + serviceID, "250 OK"})

		r.observe("650 HS_DESC UPLOAD " + serviceID + " UNKNOWN $AAAA~relay1 descid1")
		r.observe("650 HS_DESC UPLOAD " + serviceID + " UNKNOWN $BBBB~relay2 descid2")
		if got := r.list()[0].PendingUploads; got != 2 {
			t.Fatalf("expected 2 pending uploads, got %d", got)
		}

		r.observe("650 HS_DESC UPLOADED " + serviceID + " UNKNOWN $AAAA~relay1")
		info := r.list()[0]
		if !info.Published || info.PendingUploads != 0 {
			t.Fatalf("expected published service, got %+v", info)
		}
	})

	t.Run("should ignore events for unknown services", func(t *testing.T) {
		r := newRegistry()
		r.observe("650 HS_DESC UPLOADED " + serviceID + " UNKNOWN $AAAA~relay1")
		if len(r.list()) != 0 {
			t.Fatal("expected empty registry")
		}
	})

	t.Run("should return copies", func(t *testing.T) {
		r := newRegistry()
		r.recordAddOnion("ADD_ONION NEW:BEST Port=80", []string{"250-ServiceID=" + serviceID, "250 OK"})
		list := r.list()
		list[0].Ports[0] = "changed"
		if r.list()[0].Ports[0] != "80" {
			t.Fatal("list must not alias internal state")
		}
	})
}
