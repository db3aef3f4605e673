package boot

import "errors"

// Bootstrap and teardown error classes. The first three are fatal: any stage
// returning one aborts startup. Reconciliation and shutdown errors are logged
// and never abort.
var (
	// ErrConfiguration marks invalid or missing configuration.
	ErrConfiguration = errors.New("configuration error")

	// ErrConnection marks a failure to reach an external dependency.
	ErrConnection = errors.New("connection error")

	// ErrFeatureInit marks a subsystem that failed to initialize.
	ErrFeatureInit = errors.New("feature initialization error")

	// ErrReconciliation marks a per-bucket reconciliation failure.
	ErrReconciliation = errors.New("reconciliation error")

	// ErrShutdown marks a subsystem that failed to stop cleanly.
	ErrShutdown = errors.New("shutdown error")
)
