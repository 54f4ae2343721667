// Command harvester runs extraction passes over the channel roster.
//
// Usage:
//
//	harvester [flags]                        run one pass, or loop with -interval
//	harvester [flags] keys list|add|remove   manage API keys
//	harvester [flags] channels list|add      manage the channel roster
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/Sternrassler/yt-harvester/internal/config"
	"github.com/Sternrassler/yt-harvester/pkg/cache"
	"github.com/Sternrassler/yt-harvester/pkg/checkpoint"
	"github.com/Sternrassler/yt-harvester/pkg/client"
	"github.com/Sternrassler/yt-harvester/pkg/credentials"
	"github.com/Sternrassler/yt-harvester/pkg/domain"
	"github.com/Sternrassler/yt-harvester/pkg/logging"
	"github.com/Sternrassler/yt-harvester/pkg/orchestrator"
	"github.com/Sternrassler/yt-harvester/pkg/ratelimit"
	"github.com/Sternrassler/yt-harvester/pkg/storage"
	"github.com/Sternrassler/yt-harvester/pkg/youtube"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.Error().Err(err).Msg("Harvester failed")
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := config.Load(args)
	if err != nil {
		return err
	}
	logging.Setup(cfg.LogSettings())
	logger := logging.NewLogger("main")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := setup(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.close()

	if len(cfg.Args) > 0 {
		return app.admin(ctx, cfg.Args)
	}

	// First signal stops gracefully, the second one cancels in-flight work.
	soft, softCancel := context.WithCancel(ctx)
	defer softCancel()
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)
	go func() {
		select {
		case sig := <-sigs:
			logger.Info().Str("signal", sig.String()).Msg("Shutting down after current units")
			app.orch.Stop()
			softCancel()
		case <-ctx.Done():
			return
		}
		select {
		case <-sigs:
			logger.Warn().Msg("Second signal, cancelling in-flight units")
			cancel()
		case <-ctx.Done():
		}
	}()

	if cfg.OpsListen != "" {
		srv := &http.Server{
			Addr:              cfg.OpsListen,
			Handler:           newOpsRouter(app.pool, app.tracker, logger),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info().Str("addr", cfg.OpsListen).Msg("Ops server listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("Ops server failed")
			}
		}()
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			srv.Shutdown(shutdownCtx)
		}()
	}

	return loop(ctx, soft, cfg.Interval, app, logger)
}

// loop runs passes until interval is zero, soft is cancelled or a pass
// fails for a reason other than quota exhaustion. Units already done for
// the current UTC day are skipped, so passes within one day only pick up
// failed, timed out or cancelled units.
func loop(ctx, soft context.Context, interval time.Duration, app *application, logger zerolog.Logger) error {
	period := app.now().UTC().Format(checkpoint.DateLayout)

	for {
		_, err := app.orch.Run(ctx)
		switch {
		case err == nil:
		case errors.Is(err, client.ErrQuotaExhausted) && interval > 0:
			logger.Warn().Err(err).Msg("Pass aborted on quota, waiting for the next period")
		default:
			return err
		}

		if interval <= 0 || app.orch.Stopped() {
			return nil
		}

		t := time.NewTimer(interval)
		select {
		case <-soft.Done():
			t.Stop()
			return nil
		case <-t.C:
		}

		if today := app.now().UTC().Format(checkpoint.DateLayout); today != period {
			logger.Info().Str("date", today).Msg("New quota period, resetting credentials")
			app.pool.ResetPeriod()
			period = today
		}
	}
}

// application holds the wired collaborators of one process.
type application struct {
	store   storage.Store
	redis   *redis.Client
	pool    *credentials.Pool
	tracker *ratelimit.Tracker
	orch    *orchestrator.Orchestrator
	now     func() time.Time
	out     io.Writer
	logger  zerolog.Logger
}

func setup(ctx context.Context, cfg *config.Config) (*application, error) {
	app := &application{now: time.Now, out: os.Stdout, logger: logging.NewLogger("main")}

	if cfg.RedisAddr != "" {
		app.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := app.redis.Ping(ctx).Err(); err != nil {
			app.close()
			return nil, fmt.Errorf("connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		app.logger.Info().Str("addr", cfg.RedisAddr).Msg("Connected to Redis")
	}

	store, err := storage.Open(ctx, cfg.StorageDSN)
	if err != nil {
		app.close()
		return nil, err
	}
	app.store = store

	pool, err := openPool(ctx, cfg, app.redis)
	if err != nil {
		app.close()
		return nil, err
	}
	app.pool = pool

	var cp domain.CheckpointStore
	if app.redis != nil {
		cp = checkpoint.NewRedisStore(app.redis)
	} else {
		fs, err := checkpoint.NewFileStore(cfg.Checkpoint)
		if err != nil {
			app.close()
			return nil, err
		}
		cp = fs
	}

	orchCfg := cfg.OrchestratorSettings()
	deps := orchestrator.Deps{
		Storage:    store,
		Checkpoint: cp,
		Pool:       pool,
		Transport:  youtube.NewFactory(youtubeOptions(cfg)),
	}
	if app.redis != nil {
		app.tracker = ratelimit.NewTracker(app.redis, cfg.QuotaLimits(), logging.NewLogger("quota"))
		orchCfg.Client.Usage = app.tracker
		deps.Quota = app.tracker
		deps.Cache = cache.NewManager(app.redis)
	}

	if app.orch, err = orchestrator.New(orchCfg, deps); err != nil {
		app.close()
		return nil, err
	}
	return app, nil
}

func youtubeOptions(cfg *config.Config) youtube.Options {
	opts := youtube.DefaultOptions()
	opts.Endpoint = cfg.APIEndpoint
	return opts
}

// openPool builds the credential pool. Inline keys win; otherwise keys come
// from Redis when configured (seeded from the keys file once) or the file.
func openPool(ctx context.Context, cfg *config.Config, rdb *redis.Client) (*credentials.Pool, error) {
	file := credentials.FileMirror{Path: cfg.KeysFile}
	var mirror credentials.Mirror = file

	if rdb != nil {
		shared := credentials.NewRedisMirror(rdb)
		keys, err := shared.Load(ctx)
		if err != nil {
			return nil, err
		}
		if len(keys) == 0 {
			seed, err := file.Load(ctx)
			if err != nil {
				return nil, err
			}
			if len(seed) > 0 {
				if err := shared.Save(ctx, seed); err != nil {
					return nil, err
				}
			}
		}
		mirror = shared
	}

	if len(cfg.Credentials) > 0 {
		pool := credentials.NewPool(cfg.Credentials)
		pool.SetMirror(mirror)
		return pool, nil
	}
	return credentials.NewPoolFromMirror(ctx, mirror)
}

func (a *application) close() {
	if a.store != nil {
		a.store.Close()
	}
	if a.redis != nil {
		a.redis.Close()
	}
}

// admin runs the keys and channels subcommands.
func (a *application) admin(ctx context.Context, args []string) error {
	out := a.out
	switch {
	case len(args) >= 2 && args[0] == "keys" && args[1] == "list":
		for _, c := range a.pool.Snapshot() {
			fmt.Fprintf(out, "%s\tusage=%d\texhausted=%v\n", c.Fingerprint(), c.Usage, c.Exhausted)
		}
		return nil

	case len(args) == 3 && args[0] == "keys" && args[1] == "add":
		if err := a.pool.Add(ctx, args[2]); err != nil {
			return err
		}
		fmt.Fprintf(out, "added %s\n", credentials.Fingerprint(args[2]))
		return nil

	case len(args) == 3 && args[0] == "keys" && args[1] == "remove":
		if err := a.pool.Remove(ctx, args[2]); err != nil {
			return err
		}
		fmt.Fprintf(out, "removed %s\n", credentials.Fingerprint(args[2]))
		return nil

	case len(args) >= 2 && args[0] == "channels" && args[1] == "list":
		roster, err := a.store.ChannelList(ctx)
		if err != nil {
			return err
		}
		for _, ch := range roster {
			fmt.Fprintf(out, "%s\t%s\tpriority=%d\tbackfill=%v\n", ch.ID, ch.Name, ch.Priority, ch.NeedsBackfill)
		}
		return nil

	case len(args) >= 3 && args[0] == "channels" && args[1] == "add":
		ch, err := parseChannel(args[2:])
		if err != nil {
			return err
		}
		if err := a.store.AddChannel(ctx, ch); err != nil {
			return fmt.Errorf("add channel %s: %w", ch.ID, err)
		}
		fmt.Fprintf(out, "added %s\n", ch.ID)
		return nil

	default:
		return fmt.Errorf("unknown command %q", args)
	}
}

// parseChannel reads "ID [NAME] [PRIORITY]". New channels start with a
// pending backfill.
func parseChannel(args []string) (domain.ChannelState, error) {
	ch := domain.ChannelState{ID: args[0], NeedsBackfill: true}
	if len(args) > 1 {
		ch.Name = args[1]
	}
	if len(args) > 2 {
		p, err := strconv.Atoi(args[2])
		if err != nil {
			return ch, fmt.Errorf("invalid priority %q: %w", args[2], err)
		}
		ch.Priority = p
	}
	if len(args) > 3 {
		return ch, fmt.Errorf("too many arguments for channels add")
	}
	return ch, nil
}
