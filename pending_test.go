package torgate

import "testing"

func TestPendingOnionServices(t *testing.T) {
	const addr = "abcdefghijklmnopqrstuvwxyz234567abcdefghijklmnopqrstuvwx"

	t.Run("should count uploads until one is confirmed", func(t *testing.T) {
		p := NewPendingOnionServices()
		if !p.Empty() {
			t.Fatal("new tracker must be empty")
		}

		if !p.Observe("650 HS_DESC UPLOAD " + addr + " UNKNOWN $AAAA~relay1 descid1") {
			t.Fatal("expected UPLOAD to be recognized")
		}
		p.Observe("650 HS_DESC UPLOAD " + addr + " UNKNOWN $BBBB~relay2 descid2")
		if got := p.Attempts(addr); got != 2 {
			t.Fatalf("expected 2 attempts, got %d", got)
		}

		if !p.Observe("650 HS_DESC UPLOADED " + addr + " UNKNOWN $AAAA~relay1") {
			t.Fatal("expected UPLOADED to be recognized")
		}
		if !p.Empty() {
			t.Fatalf("expected empty tracker, got %v", p.Snapshot())
		}
	})

	t.Run("should ignore unrelated lines", func(t *testing.T) {
		p := NewPendingOnionServices()
		for _, line := range []string{
			"650 CIRC 1 BUILT",
			"250 OK",
			"650 HS_DESC REQUESTED " + addr + " NO_AUTH $AAAA~relay1 descid1",
			"650 HS_DESC",
			"",
		} {
			if p.Observe(line) {
				t.Fatalf("line %q must not count as an upload event", line)
			}
		}
		if !p.Empty() {
			t.Fatalf("expected empty tracker, got %v", p.Snapshot())
		}
	})

	t.Run("should return an independent snapshot", func(t *testing.T) {
		p := NewPendingOnionServices()
		p.UploadStarted(addr)
		snap := p.Snapshot()
		snap[addr] = 99
		if p.Attempts(addr) != 1 {
			t.Fatal("snapshot must not alias internal state")
		}
	})

	t.Run("should confirm an address that was never pending", func(t *testing.T) {
		p := NewPendingOnionServices()
		p.UploadConfirmed(addr)
		if !p.Empty() {
			t.Fatal("expected empty tracker")
		}
	})
}
