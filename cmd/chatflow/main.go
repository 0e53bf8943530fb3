package main

import (
	"context"
	"errors"
	"io/fs"
	"log"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"
	"github.com/pitabwire/frame"
	"github.com/pitabwire/frame/config"
	"github.com/pitabwire/frame/workerpool"

	cfconfig "github.com/voicetyped/chatflow/config"
	"github.com/voicetyped/chatflow/internal/bots"
	"github.com/voicetyped/chatflow/internal/httputil"
	"github.com/voicetyped/chatflow/internal/webhook"
	"github.com/voicetyped/chatflow/pkg/convlog"
	"github.com/voicetyped/chatflow/pkg/dialog"
	"github.com/voicetyped/chatflow/pkg/events"
	"github.com/voicetyped/chatflow/pkg/guard"
	"github.com/voicetyped/chatflow/pkg/hooks"
	"github.com/voicetyped/chatflow/pkg/scenario"
	"github.com/voicetyped/chatflow/pkg/store"
	"github.com/voicetyped/chatflow/pkg/urlvalidation"
)

func main() {
	ctx := context.Background()

	// A .env file is optional; real environment variables win.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatalf("loading .env: %v", err)
	}

	cfg, err := config.LoadWithOIDC[cfconfig.ChatflowConfig](ctx)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	eventRef := cfg.GetEventsQueueName()
	eventURL := cfg.GetEventsQueueURL()
	useQueue := cfg.UpdatesQueueURL != ""

	opts := []frame.Option{
		frame.WithConfig(&cfg),
		frame.WithName("chatflow"),
		frame.WithRegisterServerOauth2Client(),
		frame.WithRegisterPublisher(eventRef, eventURL),
		frame.WithWorkerPoolOptions(
			workerpool.WithPoolCount(cfg.WorkerPoolCount),
			workerpool.WithSinglePoolCapacity(cfg.WorkerPoolCapacity),
		),
	}
	if !cfg.InMemory {
		opts = append(opts, frame.WithDatastore())
	}
	if useQueue {
		opts = append(opts, frame.WithRegisterPublisher(cfg.UpdatesQueueName, cfg.UpdatesQueueURL))
	}

	ctx, srv := frame.NewService(opts...)
	defer srv.Stop(ctx)

	slog.SetDefault(slog.New(convlog.NewHandler(slog.Default().Handler())))

	pool, err := srv.WorkManager().GetPool()
	if err != nil {
		log.Fatalf("getting worker pool: %v", err)
	}

	authenticator := srv.SecurityManager().GetAuthenticator(ctx)
	pub := events.NewPublisher(srv.QueueManager(), "chatflow", eventRef)

	// --- Scenarios ---
	loader := scenario.NewLoader(cfg.ScenarioDir)
	if _, err := loader.LoadAll(); err != nil {
		log.Fatalf("loading scenarios: %v", err)
	}
	if cfg.ScenarioHotReload {
		go func() {
			if err := loader.WatchAndReload(ctx); err != nil {
				slog.ErrorContext(ctx, "scenario watcher stopped", slog.String("error", err.Error()))
			}
		}()
	}

	// --- Bots ---
	factories := bots.DefaultFactories()
	botList, err := bots.LoadFile(cfg.BotsFile, factories)
	if err != nil {
		log.Fatalf("loading bots: %v", err)
	}
	for i := range botList {
		if botList[i].BaseURL == "" {
			botList[i].BaseURL = cfg.TelegramAPIURL
		}
	}
	registry, err := bots.New(botList, loader, factories)
	if err != nil {
		log.Fatalf("building bots: %v", err)
	}
	if err := registry.Initialize(ctx); err != nil {
		slog.WarnContext(ctx, "some bots are unavailable", slog.String("error", err.Error()))
	}
	if cfg.RegisterWebhooks {
		if err := registry.RegisterWebhooks(ctx); err != nil {
			slog.WarnContext(ctx, "webhook registration failed", slog.String("error", err.Error()))
		}
	}

	// --- State ---
	var repo dialog.StateRepository
	if cfg.InMemory {
		repo = store.NewMemory()
	} else {
		dbRepo := store.NewRepository(srv.DatastoreManager().GetPool(ctx, "__default__pool_name__"))
		if cfg.AutoMigrate {
			if err := dbRepo.Migrate(ctx); err != nil {
				log.Fatalf("migrating dialog tables: %v", err)
			}
		}
		repo = dbRepo
	}

	var guards guard.Store
	if cfg.RedisURL != "" {
		client, err := guard.ConnectRedis(ctx, cfg.RedisURL)
		if err != nil {
			log.Fatalf("connecting to redis: %v", err)
		}
		defer client.Close()
		guards = guard.NewRedis(client, "chatflow")
	} else {
		mem := guard.NewMemory()
		go mem.RunSweeper(ctx, time.Minute, 10*time.Minute)
		guards = mem
	}

	// --- Dialog engine ---
	hookOpts := []hooks.Option{hooks.WithBreaker(cfg.HookBreakerFailures, time.Duration(cfg.HookBreakerTimeoutSec)*time.Second)}
	if cfg.HookAllowPrivate {
		hookOpts = append(hookOpts, hooks.WithURLValidation(urlvalidation.AllowPrivateIPs()))
	}
	manager := dialog.NewManager(cfg.ManagerConfig(), repo, registry, registry,
		dialog.WithGuardStore(guards),
		dialog.WithPublisher(pub),
		dialog.WithHooks(hooks.NewExecutor(pub, hookOpts...)),
	)

	subscriber := &webhook.Subscriber{Engine: manager}
	var sink webhook.Sink = &webhook.PoolSink{Pool: pool, Subscriber: subscriber}
	if useQueue {
		sink = &webhook.QueueSink{Publisher: events.NewPublisher(srv.QueueManager(), "webhook", cfg.UpdatesQueueName)}
	}

	// --- HTTP ---
	mux := http.NewServeMux()
	webhook.NewHandler(registry, sink,
		webhook.WithReplayStore(guards),
		webhook.WithReplayWindow(cfg.ReplayWindow()),
	).RegisterRoutes(mux)

	restMux := http.NewServeMux()
	webhook.NewAdminHandler(manager, registry, loader, cfg.MediaDir, webhook.WithEventStream(pub)).RegisterRoutes(restMux)
	mux.Handle("/api/", httputil.AuthenticatedHTTPMiddleware(restMux, authenticator))

	initOpts := []frame.Option{
		frame.WithHTTPHandler(httputil.H2CHandler(httputil.Logging(mux))),
	}
	if useQueue {
		initOpts = append(initOpts, frame.WithRegisterSubscriber(cfg.UpdatesQueueName, cfg.UpdatesQueueURL, subscriber))
	}
	srv.Init(ctx, initOpts...)

	if err := srv.Run(ctx, ""); err != nil {
		log.Fatalf("service exited: %v", err)
	}
}
