package boot

import (
	"context"
	"log/slog"

	"github.com/orbitfs/orbitfs/pkg/config"
	"github.com/orbitfs/orbitfs/pkg/db"
	"github.com/orbitfs/orbitfs/pkg/global"
)

// App owns the process-wide singletons. Instead of package globals, the
// slots live here and are handed to whoever needs them; each is written
// exactly once during bootstrap.
type App struct {
	Log     *slog.Logger
	Version string

	Config global.Slot[*config.Config]
	DB     global.Slot[*db.PoolManager]

	State *StateManager
	Scope *CancellationScope
}

// NewApp builds an App in the Starting state with a fresh cancellation
// scope derived from parent.
func NewApp(parent context.Context, log *slog.Logger, version string) *App {
	if log == nil {
		log = slog.Default()
	}
	return &App{
		Log:     log,
		Version: version,
		State:   NewStateManager(),
		Scope:   NewScope(parent),
	}
}
