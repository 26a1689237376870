package raft

import "testing"

func TestClockLess(t *testing.T) {
	cases := []struct {
		a, b Clock
		want bool
	}{
		{Clock{1, 5}, Clock{2, 1}, true},
		{Clock{2, 1}, Clock{1, 5}, false},
		{Clock{3, 4}, Clock{3, 5}, true},
		{Clock{3, 5}, Clock{3, 5}, false},
	}
	for _, c := range cases {
		if got := c.a.Less(c.b); got != c.want {
			t.Errorf("%v.Less(%v) = %v, want %v", c.a, c.b, got, c.want)
		}
	}
}

func TestCommandRoundTrip(t *testing.T) {
	cases := []Command{
		NoopCommand(),
		UserCommand([]byte("hello")),
		KernelCommand([]byte("kern")),
		ClusterConfigurationCommand(NewMembership("a", "b", "c")),
		SnapshotCommand(NewMembership("a")),
	}
	for _, cmd := range cases {
		decoded, err := DecodeCommand(cmd.Encode())
		if err != nil {
			t.Fatalf("decode %v: %v", cmd.Kind, err)
		}
		if decoded.Kind != cmd.Kind {
			t.Errorf("kind = %v, want %v", decoded.Kind, cmd.Kind)
		}
		if string(decoded.Payload) != string(cmd.Payload) {
			t.Errorf("payload = %q, want %q", decoded.Payload, cmd.Payload)
		}
		if len(cmd.Membership) > 0 && len(decoded.Membership) != len(cmd.Membership) {
			t.Errorf("membership size = %d, want %d", len(decoded.Membership), len(cmd.Membership))
		}
	}
}

func TestDecodeCommandRejectsUnknownTag(t *testing.T) {
	_, err := DecodeCommand([]byte{0xff, 0, 0, 0, 0})
	if err == nil {
		t.Fatal("expected error decoding unknown command tag")
	}
}

func TestMembershipQuorum(t *testing.T) {
	cases := []struct {
		size int
		want int
	}{
		{1, 1}, {2, 2}, {3, 2}, {4, 3}, {5, 3},
	}
	for _, c := range cases {
		ids := make([]NodeID, c.size)
		for i := range ids {
			ids[i] = NodeID(string(rune('a' + i)))
		}
		m := NewMembership(ids...)
		if got := m.Quorum(); got != c.want {
			t.Errorf("Quorum() with %d members = %d, want %d", c.size, got, c.want)
		}
	}
}

func TestMembershipCloneIsIndependent(t *testing.T) {
	m := NewMembership("a", "b")
	clone := m.Clone()
	clone["c"] = struct{}{}
	if m.Contains("c") {
		t.Fatal("mutating a clone must not affect the original membership")
	}
}
