package client

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/suetaketakaya/Tokyo-ai-festival-sub001/internal/pairing"
)

// KnownHost is durable, machine-local metadata for a paired host.
type KnownHost struct {
	// Name is the operator-chosen alias for the host.
	Name string `json:"name"`
	// URI is the pairing URI last used to reach the host.
	URI string `json:"uri"`
	// SessionToken is the reconnect credential from the last session.
	SessionToken string `json:"sessionToken,omitempty"`
	// LastSessionID is the most recent session id on this host.
	LastSessionID string `json:"lastSessionId,omitempty"`
	// PairedAtMs is the wall-clock timestamp of the most recent write.
	PairedAtMs int64 `json:"pairedAtMs,omitempty"`
}

// Descriptor decodes the stored pairing URI.
func (h KnownHost) Descriptor() (pairing.Descriptor, error) {
	return pairing.Decode(h.URI)
}

// HostStore persists known hosts as a JSON file under the client home
// directory.
type HostStore struct {
	path string
}

// NewHostStore creates a store rooted at the given home directory.
func NewHostStore(home string) (*HostStore, error) {
	if strings.TrimSpace(home) == "" {
		return nil, fmt.Errorf("missing home directory")
	}
	return &HostStore{path: filepath.Join(home, "hosts.json")}, nil
}

// Load reads all known hosts. A missing file is an empty store.
func (s *HostStore) Load() (map[string]KnownHost, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]KnownHost{}, nil
		}
		return nil, err
	}
	hosts := map[string]KnownHost{}
	if err := json.Unmarshal(data, &hosts); err != nil {
		return nil, fmt.Errorf("parse %s: %w", s.path, err)
	}
	return hosts, nil
}

// Get returns one known host by name. ok is false when no entry exists.
func (s *HostStore) Get(name string) (KnownHost, bool, error) {
	hosts, err := s.Load()
	if err != nil {
		return KnownHost{}, false, err
	}
	h, ok := hosts[name]
	return h, ok, nil
}

// Save upserts one known host entry.
func (s *HostStore) Save(host KnownHost) error {
	if strings.TrimSpace(host.Name) == "" {
		return fmt.Errorf("missing host name")
	}
	hosts, err := s.Load()
	if err != nil {
		return err
	}
	host.PairedAtMs = time.Now().UnixMilli()
	hosts[host.Name] = host
	return s.write(hosts)
}

// Delete removes one known host entry.
func (s *HostStore) Delete(name string) error {
	hosts, err := s.Load()
	if err != nil {
		return err
	}
	delete(hosts, name)
	return s.write(hosts)
}

// Names lists known host names in sorted order.
func (s *HostStore) Names() ([]string, error) {
	hosts, err := s.Load()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(hosts))
	for name := range hosts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *HostStore) write(hosts map[string]KnownHost) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(hosts, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
