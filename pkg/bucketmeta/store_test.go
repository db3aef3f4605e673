package bucketmeta

import (
	"context"
	"errors"
	"testing"

	"github.com/orbitfs/orbitfs/pkg/notify"
	"github.com/orbitfs/orbitfs/pkg/storage"
)

type fakeSystemArea struct {
	files map[string][]byte
}

func newFakeSystemArea() *fakeSystemArea {
	return &fakeSystemArea{files: map[string][]byte{}}
}

func (f *fakeSystemArea) ReadSystemFile(ctx context.Context, rel string) ([]byte, error) {
	raw, ok := f.files[rel]
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return raw, nil
}

func (f *fakeSystemArea) WriteSystemFile(ctx context.Context, rel string, data []byte) error {
	f.files[rel] = data
	return nil
}

func TestNotificationConfigRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := New(newFakeSystemArea(), nil)

	if _, err := s.NotificationConfig(ctx, "empty"); !errors.Is(err, ErrNoNotificationConfig) {
		t.Fatalf("unconfigured bucket: %v", err)
	}

	cfg := &notify.Config{
		QueueConfigurations: []notify.TargetConfig{
			{ARN: "arn:orbitfs:sqs:us-east-1:1:events", Events: []string{"s3:ObjectCreated:*"}},
		},
	}
	if err := s.SetNotificationConfig(ctx, "pics", cfg); err != nil {
		t.Fatalf("SetNotificationConfig: %v", err)
	}
	got, err := s.NotificationConfig(ctx, "pics")
	if err != nil {
		t.Fatalf("NotificationConfig: %v", err)
	}
	if len(got.QueueConfigurations) != 1 || got.QueueConfigurations[0].ARN != cfg.QueueConfigurations[0].ARN {
		t.Fatalf("round trip = %+v", got)
	}
}

func TestInitSkipsCorruptMetadata(t *testing.T) {
	ctx := context.Background()
	area := newFakeSystemArea()
	area.files["buckets/good/notification.json"] = []byte(`{"queueConfigurations":[{"arn":"arn:orbitfs:sqs:r:1:t","events":["s3:ObjectCreated:*"]}]}`)
	area.files["buckets/bad/notification.json"] = []byte(`{not json`)

	s := New(area, nil)
	buckets := []storage.BucketInfo{{Name: "good"}, {Name: "bad"}, {Name: "none"}}
	if err := s.Init(ctx, buckets); err != nil {
		t.Fatalf("Init: %v", err)
	}

	if _, err := s.NotificationConfig(ctx, "good"); err != nil {
		t.Fatalf("good bucket: %v", err)
	}
	if _, err := s.NotificationConfig(ctx, "none"); !errors.Is(err, ErrNoNotificationConfig) {
		t.Fatalf("none bucket: %v", err)
	}
}

func TestReplicationTargets(t *testing.T) {
	ctx := context.Background()
	s := New(newFakeSystemArea(), nil)

	got, err := s.ReplicationTargets(ctx, "b")
	if err != nil || got != nil {
		t.Fatalf("no targets: %v %v", got, err)
	}

	targets := []ReplicationTarget{{ARN: "arn:orbitfs:replication:r:1:peer", Endpoint: "https://peer:9000", Bucket: "b"}}
	if err := s.SetReplicationTargets(ctx, "b", targets); err != nil {
		t.Fatalf("SetReplicationTargets: %v", err)
	}
	got, err = s.ReplicationTargets(ctx, "b")
	if err != nil {
		t.Fatalf("ReplicationTargets: %v", err)
	}
	if len(got) != 1 || got[0].Endpoint != "https://peer:9000" {
		t.Fatalf("targets = %+v", got)
	}
}
