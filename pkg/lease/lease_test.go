package lease

import "testing"

func TestKeyNamespacing(t *testing.T) {
	m := &Manager{prefix: "kernel"}
	got := m.key("u1")
	want := "kernel:stream_leases:u1"
	if got != want {
		t.Fatalf("key() = %q, want %q", got, want)
	}
}
