// Package boot orchestrates the server lifecycle: the ordered bootstrap
// sequence, the lifecycle state machine, the process-wide singletons, the
// per-bucket notification reconciler, and the shutdown coordinator.
package boot

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/orbitfs/orbitfs/pkg/admin"
	adminoidc "github.com/orbitfs/orbitfs/pkg/admin/oidc"
	"github.com/orbitfs/orbitfs/pkg/api"
	"github.com/orbitfs/orbitfs/pkg/audit"
	"github.com/orbitfs/orbitfs/pkg/bucketmeta"
	"github.com/orbitfs/orbitfs/pkg/config"
	"github.com/orbitfs/orbitfs/pkg/configsys"
	"github.com/orbitfs/orbitfs/pkg/db"
	"github.com/orbitfs/orbitfs/pkg/heal"
	"github.com/orbitfs/orbitfs/pkg/iam"
	"github.com/orbitfs/orbitfs/pkg/notify"
	"github.com/orbitfs/orbitfs/pkg/obs/metrics"
	"github.com/orbitfs/orbitfs/pkg/obs/profiling"
	"github.com/orbitfs/orbitfs/pkg/obs/tracing"
	"github.com/orbitfs/orbitfs/pkg/replication"
	"github.com/orbitfs/orbitfs/pkg/scan"
	"github.com/orbitfs/orbitfs/pkg/storage"
	"github.com/orbitfs/orbitfs/pkg/topology"
)

// RunOptions parameterizes bootstrap.
type RunOptions struct {
	// ConfigPath overrides environment-based config file selection.
	ConfigPath string
}

// Runtime holds every subsystem the bootstrap sequence produced, in the
// order it produced them. The shutdown coordinator walks it in reverse.
type Runtime struct {
	App *App
	Cfg *config.Config

	DB            *db.PoolManager
	Metrics       *metrics.Metrics
	TraceShutdown func(context.Context) error
	Pprof         *profiling.Server
	Topo          *topology.Topology
	BindAddr      string
	API           *api.Server
	Engine        *storage.Engine
	ConfigSys     *configsys.Store
	Notify        *notify.System
	Audit         *audit.System
	Replication   *replication.Pool
	Buckets       []storage.BucketInfo
	BucketMeta    *bucketmeta.Store
	Identity      *iam.System
	Healer        *heal.Manager
	Scanner       *scan.Scanner
	Admin         *admin.Server

	// Flags is the maintenance configuration resolved exactly once at
	// config-load time. Shutdown consults this copy, never the environment.
	Flags config.MaintenanceConfig

	pollStops []func()
}

// Run executes the bootstrap sequence and transitions the app to Running.
// Any stage failure aborts with the error classified by the stage; the
// caller is expected to tear the partial runtime down via the shutdown
// coordinator.
func Run(ctx context.Context, app *App, opts RunOptions) (*Runtime, error) {
	rt := &Runtime{App: app}
	seq := NewSequencer(app.Log)
	if err := seq.Run(ctx, rt.stages(opts)); err != nil {
		return rt, err
	}
	app.State.Set(StateRunning)
	app.Log.Info("server running",
		slog.String("addr", rt.BindAddr),
		slog.String("version", app.Version),
	)
	return rt, nil
}

// stages returns the canonical bootstrap sequence. Order is load-bearing:
// the serving layer intentionally starts before the storage engine so health
// endpoints answer while the engine warms up, and the final reconciliation
// stage is the only one whose failures do not abort.
func (rt *Runtime) stages(opts RunOptions) []Stage {
	return []Stage{
		{Name: "configuration", Run: func(ctx context.Context) error { return rt.loadConfig(opts.ConfigPath) }},
		{Name: "database-pool", Run: rt.initDatabase},
		{Name: "observability", Run: rt.initObservability},
		{Name: "topology", Run: rt.resolveTopology},
		{Name: "local-disks", Run: rt.initLocalDisks},
		{Name: "serving-layer", Run: rt.startServing},
		{Name: "storage-engine", Run: rt.initEngine},
		{Name: "subsystems", Run: rt.initSubsystems},
		{Name: "buckets-and-identity", Run: rt.initBucketsAndIdentity},
		{Name: "maintenance", Run: rt.startMaintenance},
		{Name: "notification-reconciliation", Run: rt.reconcileNotifications},
	}
}

func (rt *Runtime) loadConfig(path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	if err := rt.App.Config.Set(cfg); err != nil {
		return fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	rt.Cfg = cfg
	rt.Flags = cfg.Maintenance
	return nil
}

// initDatabase brings up the pool only when a database section is present.
// A configured but unreachable database is fatal.
func (rt *Runtime) initDatabase(ctx context.Context) error {
	if rt.Cfg.Database == nil {
		rt.App.Log.Info("no database configured, skipping pool")
		return nil
	}
	pool, err := db.Init(ctx, rt.Cfg.Database, rt.App.Log)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}
	if err := rt.App.DB.Set(pool); err != nil {
		pool.Close()
		return fmt.Errorf("%w: %v", ErrFeatureInit, err)
	}
	rt.DB = pool
	return nil
}

func (rt *Runtime) initObservability(ctx context.Context) error {
	rt.Metrics = metrics.New()
	opt := tracing.Options{ServiceName: "orbitfs"}
	if oc := rt.Cfg.Observability; oc != nil {
		opt.Enabled = oc.Endpoint != "" || oc.SampleRatio > 0
		opt.Endpoint = oc.Endpoint
		opt.Protocol = oc.Protocol
		opt.SampleRatio = oc.SampleRatio
		if oc.ServiceName != "" {
			opt.ServiceName = oc.ServiceName
		}
	}
	shutdown, err := tracing.Init(ctx, opt)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFeatureInit, err)
	}
	rt.TraceShutdown = shutdown

	// Constructed now so the serving layer can hold the handle at stage 6;
	// the drain loop starts with the other subsystems in stage 8.
	rt.Audit = audit.New(rt.App.Log, 0)

	if prof := profiling.FromEnv(rt.App.Log); prof != nil {
		if err := prof.Start(ctx); err != nil {
			rt.App.Log.Warn("profiling listener failed to start",
				slog.String("error", err.Error()),
			)
		} else {
			rt.Pprof = prof
		}
	}
	return nil
}

func (rt *Runtime) resolveTopology(ctx context.Context) error {
	addr, err := topology.ResolveAddress(rt.Cfg.BindAddress())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	topo, err := topology.FromVolumes(rt.Cfg.VolumePattern())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	rt.BindAddr = addr
	rt.Topo = topo
	return nil
}

func (rt *Runtime) initLocalDisks(ctx context.Context) error {
	if err := storage.InitLocalDisks(rt.Topo); err != nil {
		return fmt.Errorf("%w: %v", ErrFeatureInit, err)
	}
	return nil
}

// startServing binds the HTTP listener before the storage engine exists.
// Health endpoints answer immediately; object routes stay gated on the
// lifecycle state until bootstrap completes.
func (rt *Runtime) startServing(ctx context.Context) error {
	srv := api.New(api.Options{
		Addr:    rt.BindAddr,
		Version: rt.App.Version,
		Metrics: rt.Metrics,
		Lifecycle: api.Lifecycle{
			State:  func() string { return rt.App.State.State().String() },
			Ready:  rt.App.State.Ready,
			Uptime: rt.App.State.Uptime,
		},
		Audit:       rt.Audit,
		RequireAuth: rt.Cfg.Server.AccessKey != "",
	}, rt.App.Log)
	if rt.DB != nil {
		pool := rt.DB
		srv.AddHealthCheck("database", func(ctx context.Context) bool {
			ok, _ := pool.HealthCheck(ctx)
			return ok
		})
	}
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrFeatureInit, err)
	}
	rt.API = srv
	return nil
}

func (rt *Runtime) initEngine(ctx context.Context) error {
	eng, err := storage.New(ctx, rt.BindAddr, rt.Topo, rt.App.Scope.Context())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFeatureInit, err)
	}
	eng.SetObserver(metrics.NewStorageMetrics(rt.Metrics.Registry()))
	rt.Engine = eng
	rt.API.AddHealthCheck("storage", eng.Healthy)
	return nil
}

func (rt *Runtime) initSubsystems(ctx context.Context) error {
	store, err := configsys.Init(ctx, rt.Engine, rt.App.Log)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFeatureInit, err)
	}
	rt.ConfigSys = store

	ns, err := notify.NewSystem(rt.Topo, rt.App.Log)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFeatureInit, err)
	}
	rt.Notify = ns

	if err := rt.Audit.Start(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrFeatureInit, err)
	}

	rt.BucketMeta = bucketmeta.New(rt.Engine, rt.App.Log)
	rt.Replication = replication.NewPool(rt.Engine, rt.BucketMeta, nil, rt.App.Log, replication.Options{})
	rt.Replication.SetCredentials(rt.Cfg.Server.AccessKey, rt.Cfg.Server.SecretKey)
	return nil
}

// initBucketsAndIdentity enumerates buckets, warms bucket metadata, brings
// up the identity system, and wires the event sink. The serving layer gets
// its late-bound handles here, still before traffic is admitted.
func (rt *Runtime) initBucketsAndIdentity(ctx context.Context) error {
	buckets, err := rt.Engine.ListBuckets(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFeatureInit, err)
	}
	rt.Buckets = buckets

	if err := rt.BucketMeta.Init(ctx, buckets); err != nil {
		return fmt.Errorf("%w: %v", ErrFeatureInit, err)
	}

	ident, err := iam.Init(ctx, rt.Engine, rt.App.Log)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFeatureInit, err)
	}
	ident.SetRootCredentials(rt.Cfg.Server.AccessKey, rt.Cfg.Server.SecretKey)
	rt.Identity = ident

	region := rt.ConfigSys.Region()
	if rt.Cfg.Server.Region != "" {
		region = rt.Cfg.Server.Region
	}
	ns := rt.Notify
	rt.Engine.SetEventSink(func(ev storage.Event) {
		ns.Publish(notify.Event{
			Type:   string(ev.Type),
			Bucket: ev.Bucket,
			Key:    ev.Key,
			Size:   ev.Size,
			ETag:   ev.ETag,
			Region: region,
			Time:   ev.Time,
		})
	})

	rt.API.Attach(rt.Engine, ident)
	rt.API.AddHealthCheck("identity", ident.Healthy)

	if err := rt.Replication.InitResync(rt.App.Scope.Context(), buckets); err != nil {
		return fmt.Errorf("%w: %v", ErrFeatureInit, err)
	}
	return nil
}

// startMaintenance honors the flags resolved at config load. Heal and the
// scanner are independent; any of the four combinations is valid.
func (rt *Runtime) startMaintenance(ctx context.Context) error {
	if rt.Flags.EnableHeal {
		healer, err := heal.Init(rt.App.Scope.Context(), rt.Engine, rt.App.Log, heal.Options{
			Concurrency: rt.Flags.HealWorkers,
		})
		if err != nil {
			return fmt.Errorf("%w: %v", ErrFeatureInit, err)
		}
		rt.Healer = healer
		hm := metrics.NewHealMetrics(rt.Metrics.Registry())
		rt.pollStops = append(rt.pollStops, hm.StartPolling(healer, 0))
	} else {
		rt.App.Log.Info("heal disabled by configuration")
	}

	if rt.Flags.EnableScanner {
		interval, err := time.ParseDuration(rt.Flags.ScanInterval)
		if err != nil || interval <= 0 {
			interval = time.Hour
		}
		scanner := scan.New(scan.Config{Interval: interval}, rt.Engine, rt.Healer, rt.App.Log)
		if err := scanner.Start(rt.App.Scope.Context()); err != nil {
			return fmt.Errorf("%w: %v", ErrFeatureInit, err)
		}
		rt.Scanner = scanner
		sm := metrics.NewScannerMetrics(rt.Metrics.Registry())
		rt.pollStops = append(rt.pollStops, sm.StartPolling(scanner, 0))
	} else {
		rt.App.Log.Info("scanner disabled by configuration")
	}

	if rt.Cfg.Admin.Address != "" {
		var verifier adminoidc.TokenVerifier
		if oc := rt.Cfg.Admin.OIDC; oc.Enabled {
			v, err := adminoidc.NewVerifier(ctx, adminoidc.Config{
				Issuer:   oc.Issuer,
				ClientID: oc.ClientID,
				Audience: oc.Audience,
				JWKSURL:  oc.JWKSURL,
			})
			if err != nil {
				return fmt.Errorf("%w: %v", ErrFeatureInit, err)
			}
			verifier = v
		}
		adm := admin.New(admin.Options{
			Addr:     rt.Cfg.Admin.Address,
			Version:  rt.App.Version,
			Verifier: verifier,
		}, admin.Subsystems{
			Scanner:     rt.Scanner,
			Healer:      rt.Healer,
			Replication: rt.Replication,
			Notify:      rt.Notify,
			Identity:    rt.Identity,
		}, rt.App.Log)
		if err := adm.Start(ctx); err != nil {
			return fmt.Errorf("%w: %v", ErrFeatureInit, err)
		}
		rt.Admin = adm
	}
	return nil
}
