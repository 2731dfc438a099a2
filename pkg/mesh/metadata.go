package mesh

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// metadataVersion is the codec version byte leading every encoded
// PeerMetadata. Decoders reject versions they do not know.
const metadataVersion = 1

// maxFieldLen caps the length-prefixed string fields so an encoded
// metadata blob always fits in a gossip payload (memberlist limits
// node metadata to 512 bytes).
const maxFieldLen = 128

// PeerMetadata is the structured identity of a peer: who it is, how to
// reach it, and what it can do. Immutable for the lifetime of a mesh
// membership; changing roles requires leaving and rejoining.
type PeerMetadata struct {
	PeerID      uuid.UUID
	DisplayName string
	Roles       RoleSet

	// HTTPAddr is the host:port of the peer's HTTP front door. Empty for
	// peers that accept no inbound requests (one-shot clients).
	HTTPAddr string

	// MeshAddr is the host:port the peer gossips on.
	MeshAddr string
}

// NewPeerMetadata constructs metadata with a fresh process-unique peer id.
func NewPeerMetadata(displayName string, roles RoleSet, httpAddr, meshAddr string) PeerMetadata {
	return PeerMetadata{
		PeerID:      uuid.New(),
		DisplayName: displayName,
		Roles:       roles,
		HTTPAddr:    httpAddr,
		MeshAddr:    meshAddr,
	}
}

// HasRole reports whether the peer advertises the given role.
func (m PeerMetadata) HasRole(r Role) bool {
	return m.Roles.Has(r)
}

// Encode serializes the metadata to its compact gossip form. The encoding
// is deterministic: identical metadata always yields identical bytes.
// Layout: version byte, 16-byte peer id, big-endian role bitset, then
// three length-prefixed strings (display name, http addr, mesh addr).
// Decoders ignore unknown trailing bytes, so fields can be appended later.
func (m PeerMetadata) Encode() []byte {
	buf := make([]byte, 0, 19+3+len(m.DisplayName)+len(m.HTTPAddr)+len(m.MeshAddr))
	buf = append(buf, metadataVersion)
	buf = append(buf, m.PeerID[:]...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(m.Roles))
	buf = appendString(buf, m.DisplayName)
	buf = appendString(buf, m.HTTPAddr)
	buf = appendString(buf, m.MeshAddr)
	return buf
}

// DecodePeerMetadata parses an encoded metadata blob. Bytes beyond the
// fields we know are ignored.
func DecodePeerMetadata(data []byte) (PeerMetadata, error) {
	var m PeerMetadata
	if len(data) < 19 {
		return m, fmt.Errorf("metadata too short: %d bytes", len(data))
	}
	if data[0] != metadataVersion {
		return m, fmt.Errorf("unknown metadata version %d", data[0])
	}
	copy(m.PeerID[:], data[1:17])
	m.Roles = RoleSet(binary.BigEndian.Uint16(data[17:19]))
	rest := data[19:]

	var err error
	if m.DisplayName, rest, err = readString(rest); err != nil {
		return m, fmt.Errorf("display name: %w", err)
	}
	if m.HTTPAddr, rest, err = readString(rest); err != nil {
		return m, fmt.Errorf("http addr: %w", err)
	}
	if m.MeshAddr, _, err = readString(rest); err != nil {
		return m, fmt.Errorf("mesh addr: %w", err)
	}
	return m, nil
}

func appendString(buf []byte, s string) []byte {
	if len(s) > maxFieldLen {
		s = s[:maxFieldLen]
	}
	buf = append(buf, byte(len(s)))
	return append(buf, s...)
}

func readString(data []byte) (string, []byte, error) {
	if len(data) < 1 {
		return "", nil, fmt.Errorf("missing length byte")
	}
	n := int(data[0])
	if len(data) < 1+n {
		return "", nil, fmt.Errorf("truncated string: want %d bytes, have %d", n, len(data)-1)
	}
	return string(data[1 : 1+n]), data[1+n:], nil
}
