package registry

import (
	"crypto/x509"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/openfed/samlgate/internal/saml"
)

// metadataRefresh is how long a fetched descriptor is served before the
// source is consulted again.
const metadataRefresh = time.Hour

// MetadataProvider resolves and caches the entity descriptor for one peer.
// File sources are re-read on expiry; URL sources are fetched with a bounded
// timeout.
type MetadataProvider struct {
	entityID string
	file     string
	url      string

	client *http.Client

	mu        sync.Mutex
	cached    *saml.EntityDescriptor
	fetchedAt time.Time
}

// NewMetadataProvider creates a provider reading from file when set,
// otherwise from url.
func NewMetadataProvider(entityID, file, url string) *MetadataProvider {
	return &MetadataProvider{
		entityID: entityID,
		file:     file,
		url:      url,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// EntityID returns the peer entity ID this provider serves.
func (p *MetadataProvider) EntityID() string { return p.entityID }

// Descriptor returns the (possibly cached) entity descriptor.
func (p *MetadataProvider) Descriptor() (*saml.EntityDescriptor, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cached != nil && time.Since(p.fetchedAt) < metadataRefresh {
		return p.cached, nil
	}

	data, err := p.fetch()
	if err != nil {
		if p.cached != nil {
			// stale descriptor beats no descriptor
			return p.cached, nil
		}
		return nil, err
	}

	desc, err := ParseEntityDescriptor(data)
	if err != nil {
		return nil, fmt.Errorf("metadata for %s: %w", p.entityID, err)
	}
	p.cached = desc
	p.fetchedAt = time.Now()
	return desc, nil
}

func (p *MetadataProvider) fetch() ([]byte, error) {
	if p.file != "" {
		data, err := os.ReadFile(p.file)
		if err != nil {
			return nil, fmt.Errorf("read metadata file: %w", err)
		}
		return data, nil
	}
	resp, err := p.client.Get(p.url)
	if err != nil {
		return nil, fmt.Errorf("fetch metadata: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch metadata: unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 4<<20))
}

// SigningCertificates parses the signing certificates the peer publishes.
func (p *MetadataProvider) SigningCertificates() ([]*x509.Certificate, error) {
	desc, err := p.Descriptor()
	if err != nil {
		return nil, err
	}
	var out []*x509.Certificate
	for _, b64 := range desc.RoleSigningCertificates() {
		der, err := base64.StdEncoding.DecodeString(normalizeBase64(b64))
		if err != nil {
			continue
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			continue
		}
		out = append(out, cert)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("metadata for %s publishes no usable signing certificate", p.entityID)
	}
	return out, nil
}

// SetDescriptor primes the cache. Used by tests and by artifact decoding,
// which must attach a descriptor before the full decode runs.
func (p *MetadataProvider) SetDescriptor(desc *saml.EntityDescriptor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cached = desc
	p.fetchedAt = time.Now()
}

// ParseEntityDescriptor parses a single EntityDescriptor document, accepting
// a surrounding EntitiesDescriptor with exactly one entry.
func ParseEntityDescriptor(data []byte) (*saml.EntityDescriptor, error) {
	var desc saml.EntityDescriptor
	if err := xml.Unmarshal(data, &desc); err == nil && desc.EntityID != "" {
		return &desc, nil
	}
	var multi saml.EntitiesDescriptor
	if err := xml.Unmarshal(data, &multi); err != nil {
		return nil, fmt.Errorf("unparseable metadata document: %w", err)
	}
	if len(multi.Entities) != 1 {
		return nil, fmt.Errorf("expected one entity descriptor, found %d", len(multi.Entities))
	}
	return &multi.Entities[0], nil
}

func normalizeBase64(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '\r':
			return -1
		}
		return r
	}, s)
}
