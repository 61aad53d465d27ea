package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/time/rate"

	"github.com/roach88/fedroom/internal/config"
	"github.com/roach88/fedroom/internal/crypto"
	"github.com/roach88/fedroom/internal/engine"
	"github.com/roach88/fedroom/internal/federation"
	"github.com/roach88/fedroom/internal/store"
)

// node is a configured local server: its store and engine, plus the
// network it federates over.
type node struct {
	cfg     *config.Config
	store   *store.Store
	engine  *engine.Engine
	network *federation.Network

	closers []func() error
}

// openNode loads the config named by --config and builds a server from it.
func openNode(ctx context.Context, opts *RootOptions) (*node, error) {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	configureLogging(opts, cfg.Log.Level, cfg.Log.Format)

	n := &node{cfg: cfg, network: federation.NewNetwork()}
	if err := n.start(ctx); err != nil {
		n.Close()
		return nil, err
	}
	return n, nil
}

func (n *node) start(ctx context.Context) error {
	cfg := n.cfg

	slog.Debug("opening database", "path", cfg.Store.Path, "driver", cfg.Store.Driver)
	st, err := store.Open(cfg.Store.Path, store.WithDriver(cfg.Store.Driver))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	n.store = st
	n.closers = append(n.closers, st.Close)

	signer, err := crypto.NewDerivedSigner([]byte(cfg.Server.SigningSeed), cfg.Server.Name)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to derive signing key", err)
	}
	svc := crypto.NewService(signer, crypto.NewKeyRing())

	backoff, err := n.backoff(ctx)
	if err != nil {
		return err
	}

	client := federation.NewClient(n.network, cfg.Server.Name,
		rate.Limit(cfg.Federation.RateLimit), cfg.Federation.Burst)

	eng, err := engine.New(ctx, st, svc,
		engine.WithTransport(client),
		engine.WithBackoff(backoff),
		engine.WithFetchBudget(cfg.Fetch.Budget),
	)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to start engine", err)
	}
	n.network.Register(cfg.Server.Name, eng.Responder())
	n.engine = eng

	slog.Debug("server ready", "server", cfg.Server.Name)
	return nil
}

// backoff selects the shared Redis registry when configured, the
// in-memory one otherwise.
func (n *node) backoff(ctx context.Context) (engine.RateLimiter, error) {
	b := n.cfg.Backoff
	if b.Redis == nil {
		return engine.NewMemoryBackoff(b.BaseDuration()), nil
	}
	rb := engine.DialRedisBackoff(b.Redis.Addr, b.Redis.Password, b.Redis.DB, b.BaseDuration())
	n.closers = append(n.closers, rb.Close)
	if err := rb.Ping(ctx); err != nil {
		return nil, WrapExitError(ExitCommandError, fmt.Sprintf("failed to reach redis at %s", b.Redis.Addr), err)
	}
	return rb, nil
}

// Close releases everything the node opened.
func (n *node) Close() error {
	var errs []error
	for i := len(n.closers) - 1; i >= 0; i-- {
		if err := n.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		slog.Error("error closing node", "error", err)
		return err
	}
	return nil
}
