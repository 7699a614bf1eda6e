package catalog

import (
	"testing"

	"github.com/edgeflow/controller/internal/addr"
)

func mustSocket(t *testing.T, ip string, port uint16) addr.Socket {
	t.Helper()
	a, err := addr.ParseIPv4(ip)
	if err != nil {
		t.Fatalf("ParseIPv4(%q): %v", ip, err)
	}
	return addr.NewSocket(a, port)
}

func TestManifestStorePutGetRoundTrip(t *testing.T) {
	store, err := NewManifestStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewManifestStore: %v", err)
	}
	s := mustSocket(t, "198.51.100.1", 80)

	if _, ok := store.Get(s); ok {
		t.Fatal("Get should miss before any Put")
	}
	if err := store.Put(s, []byte("hello")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	body, ok := store.Get(s)
	if !ok || string(body) != "hello" {
		t.Fatalf("Get = (%q, %v), want (\"hello\", true)", body, ok)
	}
}

func TestManifestStorePutOverwrites(t *testing.T) {
	store, err := NewManifestStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewManifestStore: %v", err)
	}
	s := mustSocket(t, "198.51.100.1", 80)
	store.Put(s, []byte("v1"))
	store.Put(s, []byte("v2"))
	body, _ := store.Get(s)
	if string(body) != "v2" {
		t.Fatalf("Get after overwrite = %q, want v2", body)
	}
}

func TestManifestStoreRemoveTolerance(t *testing.T) {
	store, err := NewManifestStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewManifestStore: %v", err)
	}
	s := mustSocket(t, "198.51.100.1", 80)
	if err := store.Remove(s); err != nil {
		t.Fatalf("Remove on an absent manifest should not error: %v", err)
	}
	store.Put(s, []byte("v1"))
	if err := store.Remove(s); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, ok := store.Get(s); ok {
		t.Fatal("manifest should be gone after Remove")
	}
}

func TestManifestStoreDistinctSocketsDistinctFiles(t *testing.T) {
	store, err := NewManifestStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewManifestStore: %v", err)
	}
	a := mustSocket(t, "198.51.100.1", 80)
	b := mustSocket(t, "198.51.100.1", 443)
	store.Put(a, []byte("a"))
	store.Put(b, []byte("b"))

	gotA, _ := store.Get(a)
	gotB, _ := store.Get(b)
	if string(gotA) != "a" || string(gotB) != "b" {
		t.Fatalf("distinct sockets collided: a=%q b=%q", gotA, gotB)
	}
}
