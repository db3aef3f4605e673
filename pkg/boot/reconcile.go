package boot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/orbitfs/orbitfs/pkg/bucketmeta"
	"github.com/orbitfs/orbitfs/pkg/notify"
)

// reconcileNotifications installs every bucket's stored notification rules
// into the routing table. Buckets are reconciled independently: a corrupt or
// partially invalid configuration is logged and skipped, never aborting the
// stage or the remaining buckets. This is the only bootstrap stage whose
// errors are not fatal.
func (rt *Runtime) reconcileNotifications(ctx context.Context) error {
	region := rt.ConfigSys.Region()
	if rt.Cfg.Server.Region != "" {
		region = rt.Cfg.Server.Region
	}
	var failed int
	for _, b := range rt.Buckets {
		if err := rt.reconcileBucket(ctx, b.Name, region); err != nil {
			failed++
			rt.App.Log.Warn("notification reconciliation failed",
				slog.String("bucket", b.Name),
				slog.String("error", err.Error()),
			)
		}
	}
	if failed > 0 {
		rt.App.Log.Warn("notification reconciliation finished with failures",
			slog.Int("buckets", len(rt.Buckets)),
			slog.Int("failed", failed),
		)
	}
	return nil
}

func (rt *Runtime) reconcileBucket(ctx context.Context, bucket, region string) error {
	cfg, err := rt.BucketMeta.NotificationConfig(ctx, bucket)
	if err != nil {
		if errors.Is(err, bucketmeta.ErrNoNotificationConfig) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrReconciliation, err)
	}
	rules, errs := notify.TranslateConfig(cfg)
	for _, terr := range errs {
		rt.App.Log.Warn("notification target skipped",
			slog.String("bucket", bucket),
			slog.String("error", terr.Error()),
		)
	}
	if len(rules) == 0 {
		if len(errs) > 0 {
			return fmt.Errorf("%w: no usable targets for bucket %q", ErrReconciliation, bucket)
		}
		return nil
	}
	// Rules may name targets no subsystem registered. Bind those to the log
	// so the configuration stays visible instead of silently dropped.
	for _, r := range rules {
		if !rt.Notify.HasTarget(r.Target) {
			if err := rt.Notify.RegisterTarget(notify.NewLogTarget(r.Target, rt.App.Log)); err != nil {
				return fmt.Errorf("%w: %v", ErrReconciliation, err)
			}
		}
	}
	if err := rt.Notify.AddRules(ctx, bucket, region, rules); err != nil {
		return fmt.Errorf("%w: %v", ErrReconciliation, err)
	}
	return nil
}
