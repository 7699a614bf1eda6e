package catalog

import (
	"testing"

	"github.com/edgeflow/controller/internal/addr"
)

func mustIP(t *testing.T, s string) addr.IPv4 {
	t.Helper()
	ip, err := addr.ParseIPv4(s)
	if err != nil {
		t.Fatalf("ParseIPv4(%q): %v", s, err)
	}
	return ip
}

func TestContainsAndGet(t *testing.T) {
	tr := New()
	ip := mustIP(t, "10.0.0.1")
	sock := addr.NewSocket(ip, 80)
	tr.Set(sock, "svc-a")

	if !tr.Contains(sock) {
		t.Error("expected Contains to be true after Set")
	}
	v, ok := tr.Get(sock)
	if !ok || v != "svc-a" {
		t.Errorf("Get = %v, %v; want svc-a, true", v, ok)
	}

	other := addr.NewSocket(mustIP(t, "10.0.0.2"), 80)
	if tr.Contains(other) {
		t.Error("expected Contains to be false for unrelated key")
	}
}

func TestInsertionOrderIndependence(t *testing.T) {
	entries := []string{"10.0.0.1", "192.168.1.1", "203.0.113.9", "8.8.8.8", "172.16.5.5"}

	build := func(order []string) *Trie {
		tr := New()
		for _, s := range order {
			tr.Set(addr.NewSocket(mustIP(t, s), 80), nil)
		}
		return tr
	}

	forward := build(entries)
	reversed := make([]string, len(entries))
	for i, e := range entries {
		reversed[len(entries)-1-i] = e
	}
	backward := build(reversed)

	for _, s := range entries {
		sock := addr.NewSocket(mustIP(t, s), 80)
		if forward.Contains(sock) != backward.Contains(sock) {
			t.Errorf("membership of %s depends on insertion order", s)
		}
	}
	if forward.Len() != backward.Len() {
		t.Errorf("Len differs by insertion order: %d vs %d", forward.Len(), backward.Len())
	}
}

func TestUniquePrefixExactMember(t *testing.T) {
	tr := New()
	tr.Set(addr.NewSocket(mustIP(t, "10.0.0.1"), 80), nil)

	n, _ := tr.UniquePrefix(mustIP(t, "10.0.0.1"))
	if n != 33 {
		t.Errorf("UniquePrefix(exact member) = %d, want 33", n)
	}
}

func TestUniquePrefixOffByLastBit(t *testing.T) {
	tr := New()
	tr.Set(addr.NewSocket(mustIP(t, "10.0.0.1"), 80), nil)

	n, _ := tr.UniquePrefix(mustIP(t, "10.0.0.0"))
	if n != 32 {
		t.Errorf("UniquePrefix(10.0.0.0) = %d, want 32", n)
	}
}

func TestUniquePrefixInvariantFlipBitExcludes(t *testing.T) {
	tr := New()
	ips := []string{"10.0.0.1", "203.0.113.9", "192.168.50.50", "8.8.8.8"}
	for _, s := range ips {
		tr.Set(addr.NewSocket(mustIP(t, s), 80), nil)
	}

	for _, s := range ips {
		ip := mustIP(t, s)
		n, _ := tr.UniquePrefix(ip)
		if n > 32 {
			continue // exact member: n==33, nothing to flip within 32 bits
		}
		flipped := addr.IPv4(uint32(ip) ^ (1 << uint(32-n)))
		if tr.ContainsIP(flipped) {
			t.Errorf("flipping bit 32-%d of %s yielded %s, which is still a member", n, s, flipped)
		}
	}
}

func TestContainsIPIgnoresPort(t *testing.T) {
	tr := New()
	ip := mustIP(t, "203.0.113.9")
	tr.Set(addr.NewSocket(ip, 80), nil)

	if !tr.ContainsIP(ip) {
		t.Error("expected ContainsIP true for the inserted IP")
	}
	// A different port on the same IP is not an exact member...
	if tr.Contains(addr.NewSocket(ip, 443)) {
		t.Error("port 443 was never inserted")
	}
	// ...but containsIP must still be true for any port on that IP.
	if !tr.ContainsIP(ip) {
		t.Error("ContainsIP must be true regardless of which port was registered")
	}
}

func TestUniquePrefixEmptyCatalog(t *testing.T) {
	tr := New()
	n, prefixes := tr.UniquePrefix(mustIP(t, "1.2.3.4"))
	if n != 1 || prefixes != nil {
		t.Errorf("UniquePrefix on empty catalog = (%d, %v), want (1, nil)", n, prefixes)
	}
}

func TestWalkVisitsAllEntries(t *testing.T) {
	tr := New()
	want := map[addr.Key]bool{}
	for _, s := range []string{"10.0.0.1", "10.0.0.2", "192.168.1.1"} {
		k := addr.NewSocket(mustIP(t, s), 80).Key()
		want[k] = true
		tr.Set(addr.NewSocket(mustIP(t, s), 80), nil)
	}
	got := map[addr.Key]bool{}
	tr.Walk(func(key addr.Key, _ any) { got[key] = true })
	if len(got) != len(want) {
		t.Fatalf("Walk visited %d entries, want %d", len(got), len(want))
	}
	for k := range want {
		if !got[k] {
			t.Errorf("Walk missed %v", k)
		}
	}
}
