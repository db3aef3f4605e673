// Package storage implements the local-disk storage engine. Objects live on
// a set of disks computed from the volume topology; each object carries a
// sidecar manifest with size, ETag and a sha256 content hash that the
// scanner and heal manager verify against.
package storage

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/orbitfs/orbitfs/pkg/topology"
)

// Errors returned by the engine.
var (
	ErrBucketNotFound    = errors.New("storage: bucket not found")
	ErrBucketExists      = errors.New("storage: bucket already exists")
	ErrObjectNotFound    = errors.New("storage: object not found")
	ErrChecksumMismatch  = errors.New("storage: content hash mismatch")
	ErrInvalidName       = errors.New("storage: invalid bucket or object name")
	ErrEngineUnavailable = errors.New("storage: engine unavailable")
)

const (
	bucketDir     = "buckets"
	systemDir     = ".system"
	quarantineDir = "quarantine"
	bucketMeta    = "bucket.json"
	manifestExt   = ".meta.json"
	probeName     = ".orbitfs.check"
)

// BucketInfo describes a bucket entry.
type BucketInfo struct {
	Name         string    `json:"name"`
	CreationDate time.Time `json:"creationDate"`
}

// ObjectInfo describes a stored object; SHA256Hex comes from the manifest
// written at put time and is the scanner's ground truth.
type ObjectInfo struct {
	Bucket    string    `json:"bucket"`
	Key       string    `json:"key"`
	Size      int64     `json:"size"`
	ETag      string    `json:"etag"`
	SHA256Hex string    `json:"sha256"`
	ModTime   time.Time `json:"modTime"`
}

// EventType identifies the object mutation an event describes.
type EventType string

const (
	EventObjectCreated EventType = "s3:ObjectCreated:Put"
	EventObjectRemoved EventType = "s3:ObjectRemoved:Delete"
)

// Event is emitted to the attached sink after a successful object mutation.
type Event struct {
	Type   EventType
	Bucket string
	Key    string
	Size   int64
	ETag   string
	Time   time.Time
}

// EventSink receives object mutation events. Attached after the notification
// system comes up, which is later than the engine itself.
type EventSink func(Event)

// Observer receives storage-level measurements for the metrics layer.
type Observer interface {
	ObserveOp(op string, bytes int64, d time.Duration, err error)
}

// InitLocalDisks creates the disk roots for the computed topology and probes
// each one for writability. Any unusable disk aborts bootstrap.
func InitLocalDisks(topo *topology.Topology) error {
	for _, d := range topo.Disks {
		abs, err := filepath.Abs(d)
		if err != nil {
			return fmt.Errorf("storage: disk path %q: %w", d, err)
		}
		if err := os.MkdirAll(abs, 0o700); err != nil {
			return fmt.Errorf("storage: create disk root %q: %w", abs, err)
		}
		probe := filepath.Join(abs, probeName)
		if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
			return fmt.Errorf("storage: disk %q not writable: %w", abs, err)
		}
		if err := os.Remove(probe); err != nil {
			return fmt.Errorf("storage: disk %q probe cleanup: %w", abs, err)
		}
	}
	return nil
}

// Engine is the storage engine over the local disk set. All background work
// it spawns observes the cancellation scope passed to New.
type Engine struct {
	bindAddr string
	disks    []string
	scope    context.Context

	sink EventSink
	obs  Observer
}

// New builds an Engine against an initialized topology. The disks must have
// been prepared by InitLocalDisks; a missing root is an error here, not a
// silent skip.
func New(ctx context.Context, bindAddr string, topo *topology.Topology, scope context.Context) (*Engine, error) {
	if topo == nil || len(topo.Disks) == 0 {
		return nil, fmt.Errorf("storage: topology has no disks")
	}
	disks := make([]string, 0, len(topo.Disks))
	for _, d := range topo.Disks {
		abs, err := filepath.Abs(d)
		if err != nil {
			return nil, fmt.Errorf("storage: disk path %q: %w", d, err)
		}
		st, err := os.Stat(abs)
		if err != nil {
			return nil, fmt.Errorf("storage: disk root %q: %w", abs, err)
		}
		if !st.IsDir() {
			return nil, fmt.Errorf("storage: disk root %q is not a directory", abs)
		}
		disks = append(disks, abs)
	}
	if scope == nil {
		scope = context.Background()
	}
	return &Engine{bindAddr: bindAddr, disks: disks, scope: scope}, nil
}

// SetEventSink attaches the notification sink. Called once during bootstrap
// after the notification system is up; not safe to race with traffic, which
// the stage ordering guarantees.
func (e *Engine) SetEventSink(s EventSink) { e.sink = s }

// SetObserver attaches the metrics observer.
func (e *Engine) SetObserver(o Observer) { e.obs = o }

// MakeBucket creates the bucket on every disk and records its metadata.
func (e *Engine) MakeBucket(ctx context.Context, name string) error {
	if !validName(name) {
		return ErrInvalidName
	}
	if ok, err := e.BucketExists(ctx, name); err != nil {
		return err
	} else if ok {
		return ErrBucketExists
	}
	info := BucketInfo{Name: name, CreationDate: time.Now().UTC()}
	raw, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("storage: encode bucket metadata: %w", err)
	}
	for _, d := range e.disks {
		dir := filepath.Join(d, bucketDir, name)
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("storage: create bucket %q: %w", name, err)
		}
		if err := writeFileAtomic(filepath.Join(dir, bucketMeta), raw); err != nil {
			return fmt.Errorf("storage: write bucket metadata: %w", err)
		}
	}
	return nil
}

// BucketExists reports whether the bucket is present on the first disk.
func (e *Engine) BucketExists(ctx context.Context, name string) (bool, error) {
	if !validName(name) {
		return false, ErrInvalidName
	}
	_, err := os.Stat(filepath.Join(e.disks[0], bucketDir, name, bucketMeta))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// ListBuckets enumerates buckets sorted by name.
func (e *Engine) ListBuckets(ctx context.Context) ([]BucketInfo, error) {
	root := filepath.Join(e.disks[0], bucketDir)
	entries, err := os.ReadDir(root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: list buckets: %w", err)
	}
	out := make([]BucketInfo, 0, len(entries))
	for _, ent := range entries {
		if !ent.IsDir() {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(root, ent.Name(), bucketMeta))
		if err != nil {
			continue // half-created bucket, skip
		}
		var info BucketInfo
		if err := json.Unmarshal(raw, &info); err != nil {
			continue
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// PutObject streams r into the bucket under key, recording md5 (ETag) and
// sha256 in the sidecar manifest. The write goes to a temp file first and is
// renamed into place.
func (e *Engine) PutObject(ctx context.Context, bucket, key string, r io.Reader) (ObjectInfo, error) {
	start := time.Now()
	info, err := e.putObject(ctx, bucket, key, r)
	e.observe("put", info.Size, start, err)
	if err == nil {
		e.emit(Event{Type: EventObjectCreated, Bucket: bucket, Key: key, Size: info.Size, ETag: info.ETag, Time: time.Now().UTC()})
	}
	return info, err
}

func (e *Engine) putObject(ctx context.Context, bucket, key string, r io.Reader) (ObjectInfo, error) {
	if ok, err := e.BucketExists(ctx, bucket); err != nil {
		return ObjectInfo{}, err
	} else if !ok {
		return ObjectInfo{}, ErrBucketNotFound
	}
	path, err := e.objectPath(bucket, key)
	if err != nil {
		return ObjectInfo{}, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return ObjectInfo{}, fmt.Errorf("storage: prepare object dir: %w", err)
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("storage: create object: %w", err)
	}
	md5h := md5.New()
	shah := sha256.New()
	n, err := io.Copy(io.MultiWriter(f, md5h, shah), r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return ObjectInfo{}, fmt.Errorf("storage: write object: %w", err)
	}
	info := ObjectInfo{
		Bucket:    bucket,
		Key:       key,
		Size:      n,
		ETag:      hex.EncodeToString(md5h.Sum(nil)),
		SHA256Hex: hex.EncodeToString(shah.Sum(nil)),
		ModTime:   time.Now().UTC(),
	}
	raw, err := json.Marshal(info)
	if err != nil {
		_ = os.Remove(tmp)
		return ObjectInfo{}, fmt.Errorf("storage: encode manifest: %w", err)
	}
	if err := writeFileAtomic(path+manifestExt, raw); err != nil {
		_ = os.Remove(tmp)
		return ObjectInfo{}, fmt.Errorf("storage: write manifest: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return ObjectInfo{}, fmt.Errorf("storage: finalize object: %w", err)
	}
	_ = syncDir(filepath.Dir(path))
	return info, nil
}

// GetObject opens the object for reading along with its manifest.
func (e *Engine) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, ObjectInfo, error) {
	start := time.Now()
	rc, info, err := e.getObject(ctx, bucket, key)
	e.observe("get", info.Size, start, err)
	return rc, info, err
}

func (e *Engine) getObject(ctx context.Context, bucket, key string) (io.ReadCloser, ObjectInfo, error) {
	info, err := e.StatObject(ctx, bucket, key)
	if err != nil {
		return nil, ObjectInfo{}, err
	}
	path, err := e.objectPath(bucket, key)
	if err != nil {
		return nil, ObjectInfo{}, err
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ObjectInfo{}, ErrObjectNotFound
		}
		return nil, ObjectInfo{}, fmt.Errorf("storage: open object: %w", err)
	}
	return f, info, nil
}

// StatObject reads the sidecar manifest.
func (e *Engine) StatObject(ctx context.Context, bucket, key string) (ObjectInfo, error) {
	path, err := e.objectPath(bucket, key)
	if err != nil {
		return ObjectInfo{}, err
	}
	raw, err := os.ReadFile(path + manifestExt)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ObjectInfo{}, ErrObjectNotFound
		}
		return ObjectInfo{}, fmt.Errorf("storage: read manifest: %w", err)
	}
	var info ObjectInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return ObjectInfo{}, fmt.Errorf("storage: decode manifest: %w", err)
	}
	return info, nil
}

// DeleteObject removes the object and its manifest.
func (e *Engine) DeleteObject(ctx context.Context, bucket, key string) error {
	start := time.Now()
	err := e.deleteObject(ctx, bucket, key)
	e.observe("delete", 0, start, err)
	if err == nil {
		e.emit(Event{Type: EventObjectRemoved, Bucket: bucket, Key: key, Time: time.Now().UTC()})
	}
	return err
}

func (e *Engine) deleteObject(ctx context.Context, bucket, key string) error {
	path, err := e.objectPath(bucket, key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrObjectNotFound
		}
		return fmt.Errorf("storage: delete object: %w", err)
	}
	_ = os.Remove(path + manifestExt)
	return nil
}

// VerifyObject recomputes the content hash and compares it against the
// manifest. Returns ErrChecksumMismatch on latent corruption.
func (e *Engine) VerifyObject(ctx context.Context, bucket, key string) error {
	info, err := e.StatObject(ctx, bucket, key)
	if err != nil {
		return err
	}
	path, err := e.objectPath(bucket, key)
	if err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrObjectNotFound
		}
		return fmt.Errorf("storage: open for verify: %w", err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("storage: hash object: %w", err)
	}
	if hex.EncodeToString(h.Sum(nil)) != info.SHA256Hex {
		return ErrChecksumMismatch
	}
	return nil
}

// Quarantine moves a corrupt object out of the serving namespace so reads
// fail fast instead of returning bad bytes. The manifest travels with it.
func (e *Engine) Quarantine(ctx context.Context, bucket, key string) error {
	path, err := e.objectPath(bucket, key)
	if err != nil {
		return err
	}
	disk := e.diskFor(bucket, key)
	dst := filepath.Join(disk, systemDir, quarantineDir, bucket, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dst), 0o700); err != nil {
		return fmt.Errorf("storage: prepare quarantine dir: %w", err)
	}
	if err := os.Rename(path, dst); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrObjectNotFound
		}
		return fmt.Errorf("storage: quarantine object: %w", err)
	}
	_ = os.Rename(path+manifestExt, dst+manifestExt)
	return nil
}

// Walk visits every object on every disk. fn returning an error stops the
// walk and propagates it; context cancellation does the same.
func (e *Engine) Walk(ctx context.Context, fn func(bucket, key string) error) error {
	for _, d := range e.disks {
		root := filepath.Join(d, bucketDir)
		err := filepath.WalkDir(root, func(p string, ent fs.DirEntry, err error) error {
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return nil
				}
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if ent.IsDir() || !strings.HasSuffix(ent.Name(), manifestExt) {
				return nil
			}
			rel, rerr := filepath.Rel(root, p)
			if rerr != nil {
				return nil
			}
			relSlash := filepath.ToSlash(strings.TrimSuffix(rel, manifestExt))
			parts := strings.SplitN(relSlash, "/", 3)
			if len(parts) != 3 || parts[1] != "objects" {
				return nil
			}
			return fn(parts[0], parts[2])
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Healthy probes every disk for writability. Used by the health document.
func (e *Engine) Healthy(ctx context.Context) bool {
	for _, d := range e.disks {
		probe := filepath.Join(d, probeName)
		if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
			return false
		}
		_ = os.Remove(probe)
	}
	return true
}

// BindAddr returns the address the engine was initialized against.
func (e *Engine) BindAddr() string { return e.bindAddr }

// DiskCount returns the number of disks in the topology.
func (e *Engine) DiskCount() int { return len(e.disks) }

// ReadSystemFile reads a file from the reserved system area on the first
// disk. Used by the config store, bucket metadata and identity subsystems.
func (e *Engine) ReadSystemFile(ctx context.Context, rel string) ([]byte, error) {
	p, err := e.systemPath(rel)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("storage: read system file: %w", err)
	}
	return raw, nil
}

// WriteSystemFile atomically writes a file into the reserved system area.
func (e *Engine) WriteSystemFile(ctx context.Context, rel string, data []byte) error {
	p, err := e.systemPath(rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return fmt.Errorf("storage: prepare system dir: %w", err)
	}
	return writeFileAtomic(p, data)
}

func (e *Engine) systemPath(rel string) (string, error) {
	clean := filepath.ToSlash(filepath.Clean("/" + rel))
	if strings.Contains(clean, "..") {
		return "", ErrInvalidName
	}
	return filepath.Join(e.disks[0], systemDir, filepath.FromSlash(clean)), nil
}

func (e *Engine) objectPath(bucket, key string) (string, error) {
	if !validName(bucket) || !validKey(key) {
		return "", ErrInvalidName
	}
	disk := e.diskFor(bucket, key)
	return filepath.Join(disk, bucketDir, bucket, "objects", filepath.FromSlash(key)), nil
}

// diskFor places an object deterministically on one disk.
func (e *Engine) diskFor(bucket, key string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(bucket))
	_, _ = h.Write([]byte{'/'})
	_, _ = h.Write([]byte(key))
	return e.disks[int(h.Sum32())%len(e.disks)]
}

func (e *Engine) emit(ev Event) {
	if e.sink != nil {
		e.sink(ev)
	}
}

func (e *Engine) observe(op string, bytes int64, start time.Time, err error) {
	if e.obs != nil {
		e.obs.ObserveOp(op, bytes, time.Since(start), err)
	}
}

func validName(name string) bool {
	if name == "" || strings.HasPrefix(name, ".") {
		return false
	}
	return !strings.ContainsAny(name, "/\\")
}

func validKey(key string) bool {
	if key == "" || strings.HasPrefix(key, "/") {
		return false
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return false
		}
	}
	return !strings.HasSuffix(key, manifestExt) && !strings.HasSuffix(key, ".tmp")
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
