package binding

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"net/url"
	"sync"
	"time"
)

// Artifact is a parsed type-0004 SAML artifact: a 20-byte source ID naming
// the issuing entity and a 20-byte message handle.
type Artifact struct {
	TypeCode      uint16
	EndpointIndex uint16
	SourceID      [20]byte
	Handle        [20]byte
}

const artifactTypeCode = 0x0004

// ParseArtifact decodes a base64 artifact parameter.
func ParseArtifact(encoded string) (*Artifact, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("base64 decode artifact: %w", err)
	}
	if len(raw) != 44 {
		return nil, fmt.Errorf("artifact length %d, want 44", len(raw))
	}
	a := &Artifact{
		TypeCode:      binary.BigEndian.Uint16(raw[0:2]),
		EndpointIndex: binary.BigEndian.Uint16(raw[2:4]),
	}
	if a.TypeCode != artifactTypeCode {
		return nil, fmt.Errorf("unsupported artifact type %#04x", a.TypeCode)
	}
	copy(a.SourceID[:], raw[4:24])
	copy(a.Handle[:], raw[24:44])
	return a, nil
}

// Encode renders the artifact in its base64 wire form.
func (a *Artifact) Encode() string {
	raw := make([]byte, 44)
	binary.BigEndian.PutUint16(raw[0:2], a.TypeCode)
	binary.BigEndian.PutUint16(raw[2:4], a.EndpointIndex)
	copy(raw[4:24], a.SourceID[:])
	copy(raw[24:44], a.Handle[:])
	return base64.StdEncoding.EncodeToString(raw)
}

// NewArtifact issues a fresh artifact for the given source ID.
func NewArtifact(sourceID [20]byte) (*Artifact, error) {
	a := &Artifact{TypeCode: artifactTypeCode, SourceID: sourceID}
	if _, err := rand.Read(a.Handle[:]); err != nil {
		return nil, fmt.Errorf("generate artifact handle: %w", err)
	}
	return a, nil
}

// BuildArtifactURL appends the artifact and relay state to the destination.
func BuildArtifactURL(destination string, artifact *Artifact, relayState string) (string, error) {
	dest, err := url.Parse(destination)
	if err != nil {
		return "", fmt.Errorf("invalid destination URL: %w", err)
	}
	q := dest.Query()
	q.Set("SAMLart", artifact.Encode())
	if relayState != "" {
		q.Set("RelayState", relayState)
	}
	dest.RawQuery = q.Encode()
	return dest.String(), nil
}

// ArtifactStore keeps messages issued under an artifact until the peer
// dereferences them. Resolution is one-time; unresolved entries expire.
type ArtifactStore struct {
	mu     sync.Mutex
	issued map[[20]byte]issuedArtifact
	ttl    time.Duration
}

type issuedArtifact struct {
	message  []byte
	issuedAt time.Time
}

// NewArtifactStore creates a store whose entries live for ttl.
func NewArtifactStore(ttl time.Duration) *ArtifactStore {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &ArtifactStore{
		issued: make(map[[20]byte]issuedArtifact),
		ttl:    ttl,
	}
}

// Put stores the serialized message under the artifact handle.
func (s *ArtifactStore) Put(artifact *Artifact, message []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictLocked()
	s.issued[artifact.Handle] = issuedArtifact{
		message:  bytes.Clone(message),
		issuedAt: time.Now(),
	}
}

// Resolve returns and removes the message for the handle. The second return
// is false for unknown, already-resolved or expired handles.
func (s *ArtifactStore) Resolve(handle [20]byte) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.issued[handle]
	if !ok {
		return nil, false
	}
	delete(s.issued, handle)
	if time.Since(entry.issuedAt) > s.ttl {
		return nil, false
	}
	return entry.message, true
}

func (s *ArtifactStore) evictLocked() {
	cutoff := time.Now().Add(-s.ttl)
	for h, entry := range s.issued {
		if entry.issuedAt.Before(cutoff) {
			delete(s.issued, h)
		}
	}
}
