package iam

import (
	"context"
	"errors"
	"testing"

	"github.com/orbitfs/orbitfs/pkg/storage"
)

type fakeArea struct {
	files   map[string][]byte
	readErr error
}

func (f *fakeArea) ReadSystemFile(ctx context.Context, rel string) ([]byte, error) {
	if f.readErr != nil {
		return nil, f.readErr
	}
	raw, ok := f.files[rel]
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return raw, nil
}

func (f *fakeArea) WriteSystemFile(ctx context.Context, rel string, data []byte) error {
	if f.files == nil {
		f.files = map[string][]byte{}
	}
	f.files[rel] = data
	return nil
}

func TestRootLookup(t *testing.T) {
	t.Setenv("ORBITFS_ROOT_USER", "admin")
	t.Setenv("ORBITFS_ROOT_PASSWORD", "hunter2")
	s, err := Init(context.Background(), &fakeArea{}, nil)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	secret, user, ok := s.Lookup("admin")
	if !ok || secret != "hunter2" || user != "admin" {
		t.Fatalf("Lookup root = %q %q %v", secret, user, ok)
	}
	if _, _, ok := s.Lookup("nobody"); ok {
		t.Fatal("unexpected lookup hit")
	}
}

func TestServiceAccountLifecycle(t *testing.T) {
	ctx := context.Background()
	area := &fakeArea{}
	s, err := Init(ctx, area, nil)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}

	a, err := s.CreateServiceAccount(ctx, "alice")
	if err != nil {
		t.Fatalf("CreateServiceAccount: %v", err)
	}
	if a.AccessKey == "" || a.SecretKey == "" {
		t.Fatalf("account = %+v", a)
	}
	secret, user, ok := s.Lookup(a.AccessKey)
	if !ok || secret != a.SecretKey || user != "alice" {
		t.Fatalf("Lookup = %q %q %v", secret, user, ok)
	}

	// Accounts survive a restart.
	s2, err := Init(ctx, area, nil)
	if err != nil {
		t.Fatalf("second Init: %v", err)
	}
	if _, _, ok := s2.Lookup(a.AccessKey); !ok {
		t.Fatal("account not persisted")
	}

	if err := s2.DeleteServiceAccount(ctx, a.AccessKey); err != nil {
		t.Fatalf("DeleteServiceAccount: %v", err)
	}
	if _, _, ok := s2.Lookup(a.AccessKey); ok {
		t.Fatal("account still resolvable after delete")
	}
	if err := s2.DeleteServiceAccount(ctx, a.AccessKey); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("second delete: %v", err)
	}
}

func TestListBlanksSecrets(t *testing.T) {
	ctx := context.Background()
	s, err := Init(ctx, &fakeArea{}, nil)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if _, err := s.CreateServiceAccount(ctx, "bob"); err != nil {
		t.Fatalf("CreateServiceAccount: %v", err)
	}
	for _, a := range s.ListServiceAccounts() {
		if a.SecretKey != "" {
			t.Fatalf("secret leaked in listing: %+v", a)
		}
	}
}

func TestHealthyProbesSystemArea(t *testing.T) {
	ctx := context.Background()
	area := &fakeArea{}
	s, err := Init(ctx, area, nil)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if !s.Healthy(ctx) {
		t.Fatal("fresh system should be healthy; a missing accounts file is first boot")
	}

	if _, err := s.CreateServiceAccount(ctx, "carol"); err != nil {
		t.Fatalf("CreateServiceAccount: %v", err)
	}
	if !s.Healthy(ctx) {
		t.Fatal("system with stored accounts should be healthy")
	}

	area.readErr = errors.New("disk io error")
	if s.Healthy(ctx) {
		t.Fatal("unreadable system area should report unhealthy")
	}
}

func TestInitFailsOnCorruptAccounts(t *testing.T) {
	area := &fakeArea{files: map[string][]byte{usersFile: []byte("[{")}}
	if _, err := Init(context.Background(), area, nil); err == nil {
		t.Fatal("expected decode error")
	}
}
