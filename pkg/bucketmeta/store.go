// Package bucketmeta keeps per-bucket metadata (notification configuration,
// replication targets) in the storage engine's reserved system area.
package bucketmeta

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sync"

	"github.com/orbitfs/orbitfs/pkg/notify"
	"github.com/orbitfs/orbitfs/pkg/storage"
)

// ErrNoNotificationConfig is returned when a bucket has no stored
// notification configuration.
var ErrNoNotificationConfig = errors.New("bucketmeta: no notification configuration")

const (
	metaPrefix       = "buckets"
	notificationFile = "notification.json"
	replicationFile  = "replication.json"
)

// ReplicationTarget describes one remote endpoint a bucket replicates to.
type ReplicationTarget struct {
	ARN      string `json:"arn"`
	Endpoint string `json:"endpoint"`
	Bucket   string `json:"bucket"`
}

// SystemReader is the slice of the storage engine the store needs.
type SystemReader interface {
	ReadSystemFile(ctx context.Context, rel string) ([]byte, error)
	WriteSystemFile(ctx context.Context, rel string, data []byte) error
}

// Store caches per-bucket metadata loaded from the system area.
type Store struct {
	eng SystemReader
	log *slog.Logger

	mu            sync.RWMutex
	notifications map[string]*notify.Config
}

// New builds an empty store over the engine's system area.
func New(eng SystemReader, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		eng:           eng,
		log:           log,
		notifications: make(map[string]*notify.Config),
	}
}

// Init warms the cache for the given buckets. A bucket with no stored
// configuration is simply absent from the cache; a corrupt file is logged and
// skipped so one bad bucket never blocks startup.
func (s *Store) Init(ctx context.Context, buckets []storage.BucketInfo) error {
	for _, b := range buckets {
		cfg, err := s.loadNotification(ctx, b.Name)
		if err != nil {
			if errors.Is(err, ErrNoNotificationConfig) {
				continue
			}
			s.log.Warn("bucketmeta: skip bucket with unreadable metadata",
				slog.String("bucket", b.Name),
				slog.String("error", err.Error()),
			)
			continue
		}
		s.mu.Lock()
		s.notifications[b.Name] = cfg
		s.mu.Unlock()
	}
	return nil
}

// NotificationConfig returns the bucket's stored notification configuration,
// consulting the cache first and falling back to the system area.
func (s *Store) NotificationConfig(ctx context.Context, bucket string) (*notify.Config, error) {
	s.mu.RLock()
	cfg, ok := s.notifications[bucket]
	s.mu.RUnlock()
	if ok {
		return cfg, nil
	}
	cfg, err := s.loadNotification(ctx, bucket)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.notifications[bucket] = cfg
	s.mu.Unlock()
	return cfg, nil
}

// SetNotificationConfig persists and caches a bucket's notification
// configuration.
func (s *Store) SetNotificationConfig(ctx context.Context, bucket string, cfg *notify.Config) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("bucketmeta: encode notification config: %w", err)
	}
	if err := s.eng.WriteSystemFile(ctx, path.Join(metaPrefix, bucket, notificationFile), raw); err != nil {
		return fmt.Errorf("bucketmeta: persist notification config for %q: %w", bucket, err)
	}
	s.mu.Lock()
	s.notifications[bucket] = cfg
	s.mu.Unlock()
	return nil
}

// ReplicationTargets returns the bucket's stored replication targets, or nil
// when none are configured.
func (s *Store) ReplicationTargets(ctx context.Context, bucket string) ([]ReplicationTarget, error) {
	raw, err := s.eng.ReadSystemFile(ctx, path.Join(metaPrefix, bucket, replicationFile))
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("bucketmeta: read replication targets for %q: %w", bucket, err)
	}
	var targets []ReplicationTarget
	if err := json.Unmarshal(raw, &targets); err != nil {
		return nil, fmt.Errorf("bucketmeta: decode replication targets for %q: %w", bucket, err)
	}
	return targets, nil
}

// SetReplicationTargets persists the bucket's replication targets.
func (s *Store) SetReplicationTargets(ctx context.Context, bucket string, targets []ReplicationTarget) error {
	raw, err := json.Marshal(targets)
	if err != nil {
		return fmt.Errorf("bucketmeta: encode replication targets: %w", err)
	}
	if err := s.eng.WriteSystemFile(ctx, path.Join(metaPrefix, bucket, replicationFile), raw); err != nil {
		return fmt.Errorf("bucketmeta: persist replication targets for %q: %w", bucket, err)
	}
	return nil
}

func (s *Store) loadNotification(ctx context.Context, bucket string) (*notify.Config, error) {
	raw, err := s.eng.ReadSystemFile(ctx, path.Join(metaPrefix, bucket, notificationFile))
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return nil, ErrNoNotificationConfig
		}
		return nil, fmt.Errorf("bucketmeta: read notification config for %q: %w", bucket, err)
	}
	var cfg notify.Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("bucketmeta: decode notification config for %q: %w", bucket, err)
	}
	return &cfg, nil
}
