package mesh

import (
	"bytes"
	"testing"

	"github.com/google/uuid"
	"pgregory.net/rapid"
)

func TestMetadataRoundTrip(t *testing.T) {
	orig := PeerMetadata{
		PeerID:      uuid.New(),
		DisplayName: "agent@testhost",
		Roles:       NewRoleSet(RoleScheduler, RoleStorage),
		HTTPAddr:    "192.168.1.20:8100",
		MeshAddr:    "192.168.1.20:8181",
	}

	decoded, err := DecodePeerMetadata(orig.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded != orig {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", decoded, orig)
	}
}

func TestMetadataEncodingDeterministic(t *testing.T) {
	m := NewPeerMetadata("agent@host", NewRoleSet(RoleRunner), "10.0.0.1:8100", "10.0.0.1:8181")
	if !bytes.Equal(m.Encode(), m.Encode()) {
		t.Fatal("identical metadata must encode to identical bytes")
	}
}

func TestMetadataIgnoresTrailingBytes(t *testing.T) {
	orig := NewPeerMetadata("agent@host", NewRoleSet(RoleScheduler), "10.0.0.1:8100", "10.0.0.1:8181")
	extended := append(orig.Encode(), 0xDE, 0xAD, 0xBE, 0xEF)

	decoded, err := DecodePeerMetadata(extended)
	if err != nil {
		t.Fatalf("decode with trailing bytes: %v", err)
	}
	if decoded != orig {
		t.Fatalf("trailing bytes changed the decoded metadata: %+v", decoded)
	}
}

func TestMetadataPreservesUnknownRoleBits(t *testing.T) {
	m := NewPeerMetadata("future@host", NewRoleSet(RoleScheduler), "", "10.0.0.1:8181")
	m.Roles |= 1 << 11 // a role from the future

	decoded, err := DecodePeerMetadata(m.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Roles != m.Roles {
		t.Fatalf("unknown role bits lost: got %016b, want %016b", decoded.Roles, m.Roles)
	}
	// Unknown bits never match local lookups.
	for r := Role(0); r < numRoles; r++ {
		if r != RoleScheduler && decoded.HasRole(r) {
			t.Fatalf("unknown bit matched known role %s", r)
		}
	}
}

func TestMetadataRejectsGarbage(t *testing.T) {
	cases := map[string][]byte{
		"empty":       nil,
		"short":       {1, 2, 3},
		"bad version": append([]byte{99}, make([]byte, 30)...),
		"truncated string": func() []byte {
			m := NewPeerMetadata("agent", NewRoleSet(RoleScheduler), "", "")
			enc := m.Encode()
			return enc[:len(enc)-1]
		}(),
	}
	for name, data := range cases {
		if _, err := DecodePeerMetadata(data); err == nil {
			t.Errorf("%s: expected decode error", name)
		}
	}
}

func TestMetadataRoundTripProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		var id uuid.UUID
		copy(id[:], rapid.SliceOfN(rapid.Byte(), 16, 16).Draw(t, "id"))
		m := PeerMetadata{
			PeerID:      id,
			DisplayName: rapid.StringMatching(`[ -~]{0,64}`).Draw(t, "name"),
			Roles:       RoleSet(rapid.Uint16().Draw(t, "roles")),
			HTTPAddr:    rapid.StringMatching(`[ -~]{0,64}`).Draw(t, "http"),
			MeshAddr:    rapid.StringMatching(`[ -~]{0,64}`).Draw(t, "mesh"),
		}
		decoded, err := DecodePeerMetadata(m.Encode())
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if decoded != m {
			t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", decoded, m)
		}
	})
}

func TestRoleSet(t *testing.T) {
	s := NewRoleSet(RoleScheduler, RoleClient)
	if !s.Has(RoleScheduler) || !s.Has(RoleClient) {
		t.Fatal("set missing its members")
	}
	if s.Has(RoleRunner) {
		t.Fatal("set contains a role it was never given")
	}
	if got := s.String(); got != "scheduler,client" {
		t.Fatalf("String() = %q", got)
	}
	if got := RoleSet(0).String(); got != "none" {
		t.Fatalf("empty String() = %q", got)
	}
}
