// Package iam manages the identity system: the root credential pair plus
// service accounts persisted in the storage engine's system area. It backs
// SigV4 verification on the serving layer.
package iam

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orbitfs/orbitfs/pkg/storage"
)

const usersFile = "iam/users.json"

// Default root credentials when the environment does not override them.
const (
	DefaultRootUser     = "orbitfsadmin"
	DefaultRootPassword = "orbitfsadmin"
)

// Errors returned by the identity system.
var (
	ErrAccountExists   = errors.New("iam: access key already exists")
	ErrAccountNotFound = errors.New("iam: access key not found")
)

// ServiceAccount is a stored access/secret key pair.
type ServiceAccount struct {
	AccessKey string    `json:"accessKey"`
	SecretKey string    `json:"secretKey"`
	User      string    `json:"user"`
	CreatedAt time.Time `json:"createdAt"`
}

type systemArea interface {
	ReadSystemFile(ctx context.Context, rel string) ([]byte, error)
	WriteSystemFile(ctx context.Context, rel string, data []byte) error
}

// System holds credentials in memory, mirrored to the system area on change.
type System struct {
	eng systemArea
	log *slog.Logger

	rootUser     string
	rootPassword string

	mu       sync.RWMutex
	accounts map[string]ServiceAccount
}

// Init loads stored service accounts and resolves root credentials from the
// environment. A missing accounts file means first boot; any other read
// failure is fatal.
func Init(ctx context.Context, eng systemArea, log *slog.Logger) (*System, error) {
	if log == nil {
		log = slog.Default()
	}
	s := &System{
		eng:          eng,
		log:          log,
		rootUser:     envOr("ORBITFS_ROOT_USER", DefaultRootUser),
		rootPassword: envOr("ORBITFS_ROOT_PASSWORD", DefaultRootPassword),
		accounts:     make(map[string]ServiceAccount),
	}
	raw, err := eng.ReadSystemFile(ctx, usersFile)
	switch {
	case err == nil:
		var accounts []ServiceAccount
		if uerr := json.Unmarshal(raw, &accounts); uerr != nil {
			return nil, fmt.Errorf("iam: decode stored accounts: %w", uerr)
		}
		for _, a := range accounts {
			s.accounts[a.AccessKey] = a
		}
	case errors.Is(err, storage.ErrObjectNotFound):
		// First boot, nothing stored yet.
	default:
		return nil, fmt.Errorf("iam: load accounts: %w", err)
	}
	if s.rootUser == DefaultRootUser && s.rootPassword == DefaultRootPassword {
		log.Warn("iam: running with default root credentials")
	}
	return s, nil
}

// SetRootCredentials overrides the root pair, used when the server
// configuration carries explicit credentials. Empty values are ignored.
func (s *System) SetRootCredentials(user, password string) {
	if user != "" {
		s.rootUser = user
	}
	if password != "" {
		s.rootPassword = password
	}
}

// Lookup resolves an access key to its secret. Satisfies the SigV4
// credentials store.
func (s *System) Lookup(accessKey string) (secret string, user string, ok bool) {
	if accessKey == s.rootUser {
		return s.rootPassword, s.rootUser, true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[accessKey]
	if !ok {
		return "", "", false
	}
	return a.SecretKey, a.User, true
}

// CreateServiceAccount mints and persists a new access/secret pair owned by
// user.
func (s *System) CreateServiceAccount(ctx context.Context, user string) (ServiceAccount, error) {
	a := ServiceAccount{
		AccessKey: "OFS" + uuid.NewString()[:13],
		SecretKey: uuid.NewString(),
		User:      user,
		CreatedAt: time.Now().UTC(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.accounts[a.AccessKey]; exists {
		return ServiceAccount{}, ErrAccountExists
	}
	s.accounts[a.AccessKey] = a
	if err := s.persistLocked(ctx); err != nil {
		delete(s.accounts, a.AccessKey)
		return ServiceAccount{}, err
	}
	return a, nil
}

// DeleteServiceAccount removes a stored access key.
func (s *System) DeleteServiceAccount(ctx context.Context, accessKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[accessKey]
	if !ok {
		return ErrAccountNotFound
	}
	delete(s.accounts, accessKey)
	if err := s.persistLocked(ctx); err != nil {
		s.accounts[accessKey] = a
		return err
	}
	return nil
}

// ListServiceAccounts returns stored accounts with secrets blanked.
func (s *System) ListServiceAccounts() []ServiceAccount {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ServiceAccount, 0, len(s.accounts))
	for _, a := range s.accounts {
		a.SecretKey = ""
		out = append(out, a)
	}
	return out
}

// Healthy reports whether the identity system can serve lookups and persist
// changes. Lookups are in memory, so the probe checks the system area the
// accounts file lives in; a missing file is the normal first-boot state.
func (s *System) Healthy(ctx context.Context) bool {
	if s == nil || s.eng == nil {
		return false
	}
	_, err := s.eng.ReadSystemFile(ctx, usersFile)
	return err == nil || errors.Is(err, storage.ErrObjectNotFound)
}

func (s *System) persistLocked(ctx context.Context) error {
	accounts := make([]ServiceAccount, 0, len(s.accounts))
	for _, a := range s.accounts {
		accounts = append(accounts, a)
	}
	raw, err := json.Marshal(accounts)
	if err != nil {
		return fmt.Errorf("iam: encode accounts: %w", err)
	}
	if err := s.eng.WriteSystemFile(ctx, usersFile, raw); err != nil {
		return fmt.Errorf("iam: persist accounts: %w", err)
	}
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
