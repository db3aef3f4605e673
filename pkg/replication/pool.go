// Package replication resynchronizes buckets that have remote replication
// targets configured. A worker pool walks each such bucket and pushes its
// objects to the configured peers.
package replication

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/orbitfs/orbitfs/pkg/bucketmeta"
	"github.com/orbitfs/orbitfs/pkg/iam/sigv4"
	"github.com/orbitfs/orbitfs/pkg/storage"
)

// ObjectSource is the slice of the storage engine the pool reads from.
type ObjectSource interface {
	Walk(ctx context.Context, fn func(bucket, key string) error) error
	GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, storage.ObjectInfo, error)
}

// TargetSource resolves a bucket's replication targets.
type TargetSource interface {
	ReplicationTargets(ctx context.Context, bucket string) ([]bucketmeta.ReplicationTarget, error)
}

// Replicator pushes one object to one remote target.
type Replicator interface {
	Replicate(ctx context.Context, target bucketmeta.ReplicationTarget, bucket, key string, body io.Reader, info storage.ObjectInfo) error
}

// Task is one object pending replication to one target.
type Task struct {
	Target bucketmeta.ReplicationTarget
	Bucket string
	Key    string
}

// Stats is a snapshot of the pool's counters.
type Stats struct {
	Queued     uint64 `json:"queued"`
	Replicated uint64 `json:"replicated"`
	Failures   uint64 `json:"failures"`
	Dropped    uint64 `json:"dropped"`
	Buckets    int    `json:"buckets"`
}

// Options tunes the pool.
type Options struct {
	Workers   int
	QueueSize int
}

func (o *Options) defaults() {
	if o.Workers <= 0 {
		o.Workers = 2
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 512
	}
}

// Pool is the replication worker pool. Workers run until the cancellation
// scope given to InitResync ends.
type Pool struct {
	src   ObjectSource
	meta  TargetSource
	repl  Replicator
	log   *slog.Logger
	opts  Options
	tasks chan Task
	wg    sync.WaitGroup

	started atomic.Bool

	queued     atomic.Uint64
	replicated atomic.Uint64
	failures   atomic.Uint64
	dropped    atomic.Uint64
	buckets    atomic.Int64
}

// NewPool builds an idle pool. repl may be nil; the default pushes objects
// over signed HTTP PUTs.
func NewPool(src ObjectSource, meta TargetSource, repl Replicator, log *slog.Logger, opts Options) *Pool {
	if log == nil {
		log = slog.Default()
	}
	opts.defaults()
	if repl == nil {
		repl = &httpReplicator{client: &http.Client{Timeout: 30 * time.Second}}
	}
	return &Pool{
		src:   src,
		meta:  meta,
		repl:  repl,
		log:   log,
		opts:  opts,
		tasks: make(chan Task, opts.QueueSize),
	}
}

// InitResync starts the workers and feeds them every object of every bucket
// that has replication targets. A bucket whose target lookup fails is logged
// and skipped; resync of the remaining buckets continues. Workers exit when
// scope is cancelled.
func (p *Pool) InitResync(scope context.Context, buckets []storage.BucketInfo) error {
	if p.started.Swap(true) {
		return fmt.Errorf("replication: resync already started")
	}
	for i := 0; i < p.opts.Workers; i++ {
		p.wg.Add(1)
		go p.worker(scope)
	}
	p.wg.Add(1)
	go p.feed(scope, buckets)
	return nil
}

// SetCredentials configures the signing identity used by the default HTTP
// replicator. No-op when a custom Replicator was supplied.
func (p *Pool) SetCredentials(accessKey, secretKey string) {
	if h, ok := p.repl.(*httpReplicator); ok {
		h.SetCredentials(accessKey, secretKey)
	}
}

// Wait blocks until the workers have exited. Returns immediately when the
// pool was never started.
func (p *Pool) Wait() { p.wg.Wait() }

// Stats returns a snapshot of the counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Queued:     p.queued.Load(),
		Replicated: p.replicated.Load(),
		Failures:   p.failures.Load(),
		Dropped:    p.dropped.Load(),
		Buckets:    int(p.buckets.Load()),
	}
}

func (p *Pool) feed(scope context.Context, buckets []storage.BucketInfo) {
	defer p.wg.Done()
	defer close(p.tasks)
	for _, b := range buckets {
		if scope.Err() != nil {
			return
		}
		targets, err := p.meta.ReplicationTargets(scope, b.Name)
		if err != nil {
			p.log.Warn("replication: skip bucket, target lookup failed",
				slog.String("bucket", b.Name),
				slog.String("error", err.Error()),
			)
			continue
		}
		if len(targets) == 0 {
			continue
		}
		p.buckets.Add(1)
		err = p.src.Walk(scope, func(bucket, key string) error {
			if bucket != b.Name {
				return nil
			}
			for _, tgt := range targets {
				select {
				case p.tasks <- Task{Target: tgt, Bucket: bucket, Key: key}:
					p.queued.Add(1)
				case <-scope.Done():
					return scope.Err()
				}
			}
			return nil
		})
		if err != nil && scope.Err() == nil {
			p.log.Warn("replication: walk bucket",
				slog.String("bucket", b.Name),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (p *Pool) worker(scope context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-scope.Done():
			return
		case task, ok := <-p.tasks:
			if !ok {
				return
			}
			p.process(scope, task)
		}
	}
}

func (p *Pool) process(scope context.Context, task Task) {
	rc, info, err := p.src.GetObject(scope, task.Bucket, task.Key)
	if err != nil {
		// Object deleted between walk and push.
		p.dropped.Add(1)
		return
	}
	defer rc.Close()
	if err := p.repl.Replicate(scope, task.Target, task.Bucket, task.Key, rc, info); err != nil {
		p.failures.Add(1)
		p.log.Error("replication: push object",
			slog.String("bucket", task.Bucket),
			slog.String("key", task.Key),
			slog.String("endpoint", task.Target.Endpoint),
			slog.String("error", err.Error()),
		)
		return
	}
	p.replicated.Add(1)
}

// httpReplicator PUTs objects to the peer's S3 endpoint, signing with the
// credentials configured at bootstrap.
type httpReplicator struct {
	client    *http.Client
	accessKey string
	secretKey string
}

// SetCredentials configures the signing identity for outgoing pushes.
func (h *httpReplicator) SetCredentials(accessKey, secretKey string) {
	h.accessKey, h.secretKey = accessKey, secretKey
}

func (h *httpReplicator) Replicate(ctx context.Context, target bucketmeta.ReplicationTarget, bucket, key string, body io.Reader, info storage.ObjectInfo) error {
	remoteBucket := target.Bucket
	if remoteBucket == "" {
		remoteBucket = bucket
	}
	u, err := url.JoinPath(target.Endpoint, remoteBucket, key)
	if err != nil {
		return fmt.Errorf("replication: build target url: %w", err)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("replication: read object: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("replication: build request: %w", err)
	}
	req.ContentLength = info.Size
	if h.accessKey != "" {
		sigv4.Sign(req, h.accessKey, h.secretKey, "us-east-1", time.Now())
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("replication: push to %q: %w", target.Endpoint, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("replication: peer %q returned %d", target.Endpoint, resp.StatusCode)
	}
	return nil
}
