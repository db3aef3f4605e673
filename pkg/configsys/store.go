// Package configsys manages the cluster configuration persisted in the
// storage engine's system area. Unlike the process configuration loaded from
// disk at startup, these settings travel with the data and survive restarts
// on any node.
package configsys

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/orbitfs/orbitfs/pkg/storage"
)

const configFile = "config/system.json"

// ErrSubsystemUnknown is returned for lookups of a subsystem that has no
// stored settings.
var ErrSubsystemUnknown = errors.New("configsys: unknown subsystem")

// Document is the persisted form of the cluster configuration.
type Document struct {
	Version    int                          `json:"version"`
	UpdatedAt  time.Time                    `json:"updatedAt"`
	Subsystems map[string]map[string]string `json:"subsystems"`
}

// Store is the in-memory view of the persisted cluster configuration.
type Store struct {
	eng bucketmetaArea
	log *slog.Logger

	mu  sync.RWMutex
	doc Document
}

type bucketmetaArea interface {
	ReadSystemFile(ctx context.Context, rel string) ([]byte, error)
	WriteSystemFile(ctx context.Context, rel string, data []byte) error
}

// Init loads the persisted configuration, seeding a default document on
// first boot. Any other failure is fatal to bootstrap.
func Init(ctx context.Context, eng bucketmetaArea, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	s := &Store{eng: eng, log: log}
	raw, err := eng.ReadSystemFile(ctx, configFile)
	switch {
	case err == nil:
		if uerr := json.Unmarshal(raw, &s.doc); uerr != nil {
			return nil, fmt.Errorf("configsys: decode stored configuration: %w", uerr)
		}
	case errors.Is(err, storage.ErrObjectNotFound):
		s.doc = defaultDocument()
		if werr := s.persist(ctx); werr != nil {
			return nil, werr
		}
		log.Info("configsys: seeded default configuration")
	default:
		return nil, fmt.Errorf("configsys: load configuration: %w", err)
	}
	if s.doc.Subsystems == nil {
		s.doc.Subsystems = make(map[string]map[string]string)
	}
	return s, nil
}

func defaultDocument() Document {
	return Document{
		Version:   1,
		UpdatedAt: time.Now().UTC(),
		Subsystems: map[string]map[string]string{
			"region":  {"name": "us-east-1"},
			"scanner": {"speed": "default"},
			"heal":    {"bitrot": "on"},
		},
	}
}

// Get returns the settings for one subsystem.
func (s *Store) Get(subsystem string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	kv, ok := s.doc.Subsystems[subsystem]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrSubsystemUnknown, subsystem)
	}
	out := make(map[string]string, len(kv))
	for k, v := range kv {
		out[k] = v
	}
	return out, nil
}

// Lookup returns a single setting, with ok reporting presence.
func (s *Store) Lookup(subsystem, key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.doc.Subsystems[subsystem][key]
	return v, ok
}

// Set replaces a subsystem's settings and persists the document.
func (s *Store) Set(ctx context.Context, subsystem string, kv map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.Subsystems[subsystem] = kv
	s.doc.UpdatedAt = time.Now().UTC()
	return s.persist(ctx)
}

// Region returns the configured cluster region.
func (s *Store) Region() string {
	if v, ok := s.Lookup("region", "name"); ok {
		return v
	}
	return "us-east-1"
}

func (s *Store) persist(ctx context.Context) error {
	raw, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("configsys: encode configuration: %w", err)
	}
	if err := s.eng.WriteSystemFile(ctx, configFile, raw); err != nil {
		return fmt.Errorf("configsys: persist configuration: %w", err)
	}
	return nil
}
