package boot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Coordinator drives the ordered teardown of a Runtime. Shutdown is
// best-effort: every step runs even when earlier steps fail, and the process
// always reaches Stopped. Step failures are wrapped in ErrShutdown, logged,
// and aggregated in the returned error.
type Coordinator struct {
	// Grace is the pause between releasing resources and declaring Stopped,
	// giving load balancers time to observe the readiness flip. Zero means
	// the default of one second.
	Grace time.Duration

	// StopTimeout bounds each individual stop call. Zero means ten seconds.
	StopTimeout time.Duration

	once sync.Once
	err  error
}

// Shutdown tears the runtime down. Safe to call more than once; only the
// first call does the work and later calls return its result.
func (c *Coordinator) Shutdown(rt *Runtime) error {
	c.once.Do(func() { c.err = c.run(rt) })
	return c.err
}

func (c *Coordinator) run(rt *Runtime) error {
	grace := c.Grace
	if grace <= 0 {
		grace = time.Second
	}
	timeout := c.StopTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	log := rt.App.Log
	log.Info("shutdown starting")
	started := time.Now()

	// Cancelling the scope first lets every background loop begin winding
	// down while the ordered stops below run.
	rt.App.Scope.Cancel()
	rt.App.State.Set(StateStopping)

	var errs []error
	step := func(name string, fn func(ctx context.Context) error) {
		if fn == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			werr := fmt.Errorf("%w: %s: %v", ErrShutdown, name, err)
			log.Error("shutdown step failed",
				slog.String("step", name),
				slog.String("error", err.Error()),
			)
			errs = append(errs, werr)
		}
	}

	for _, stop := range rt.pollStops {
		stop()
	}
	rt.pollStops = nil

	// The admin listener goes first: it can submit work into the maintenance
	// subsystems, so it must be quiet before those stop.
	if rt.Admin != nil {
		step("admin", rt.Admin.Stop)
	}

	// Maintenance services stop only when bootstrap started them; the flags
	// resolved at config load decide, never the current environment.
	if rt.Flags.EnableScanner && rt.Scanner != nil {
		step("scanner", rt.Scanner.Stop)
	}
	if rt.Flags.EnableHeal && rt.Healer != nil {
		step("healer", rt.Healer.Stop)
	}
	if rt.Replication != nil {
		step("replication", func(ctx context.Context) error { return waitCtx(ctx, rt.Replication.Wait) })
	}
	if rt.Notify != nil {
		step("notify", rt.Notify.Shutdown)
	}
	if rt.Audit != nil {
		step("audit", rt.Audit.Stop)
	}
	if rt.API != nil {
		step("api", rt.API.Stop)
	}
	if rt.Pprof != nil {
		step("profiling", rt.Pprof.Stop)
	}
	step("tracing", rt.TraceShutdown)
	if rt.DB != nil {
		rt.DB.Close()
	}

	// Hold the Stopping state for the grace period so the readiness flip is
	// observable before the process reports Stopped.
	time.Sleep(grace)
	rt.App.State.Set(StateStopped)
	log.Info("shutdown complete",
		slog.Duration("elapsed", time.Since(started)),
		slog.Int("failures", len(errs)),
	)
	return errors.Join(errs...)
}

// waitCtx runs the blocking wait in a goroutine so a wedged subsystem cannot
// stall the rest of shutdown past the step timeout.
func waitCtx(ctx context.Context, wait func()) error {
	done := make(chan struct{})
	go func() {
		wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
