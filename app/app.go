package vaultrelay

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"vaultrelay/core"
)

type App struct {
	config      *Config
	db          *core.SQLiteDB
	context     context.Context
	server      *http.Server
	logger      *slog.Logger
	router      chi.Router
	eventRouter *core.EventRouter
	wsManager   *core.ConnManager
	dispatcher  *core.Dispatcher
	registry    *core.Registry
	coordinator *core.Coordinator

	exit chan int

	cleanupFuncs []func(context.Context)

	wg sync.WaitGroup
}

func New(ctx context.Context, config *Config) *App {
	var err error
	app := &App{
		exit: make(chan int),
	}
	if ctx == nil {
		ctx, _ = signal.NotifyContext(
			context.Background(),
			syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP)
	}
	app.context = ctx

	if config == nil {
		var err error
		config, err = LoadConfig()
		if err != nil {
			failed(1, "failed to load config: %v\n", err)
		}
	}
	if err := config.Validate(); err != nil {
		failed(1, FormatValidationErrors(err))
	}
	app.config = config

	app.logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug,
		AddSource: true,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.SourceKey {
				source, _ := a.Value.Any().(*slog.Source)
				if source != nil {
					source.File = filepath.Base(source.File)
				}
			}
			return a
		},
	}))

	sqliteOptions := &core.SQLiteDBOption{
		Mode:        "rwc",
		Cache:       "shared",
		JournalMode: "WAL",
	}
	app.db, err = core.NewSQLiteDB(app.config.SQLite.File, app.config.SQLite.Migrations, sqliteOptions)
	if err != nil {
		failed(1, "failed to open audit database: %v\n", err)
	}
	app.AddCleanupFunc(func(ctx context.Context) {
		app.db.Close()
	})
	if err := app.db.Migrate(); err != nil {
		failed(1, "failed to migrate audit database: %v\n", err)
	}

	app.registry = core.NewRegistry()
	app.coordinator = core.NewCoordinator(
		app.registry,
		core.NewSQLiteAuditLog(app.db.DB),
		[]byte(app.config.Admin.Secret),
		app.logger.WithGroup("coordinator"),
	)

	app.wsManager = core.NewConnManager(app.context, &app.wg, app.logger.WithGroup("ws"))
	app.wsManager.OnDisconnect(app.onDisconnect)
	app.dispatcher = core.NewDispatcher(app.wsManager, app.logger.WithGroup("dispatcher"))
	app.eventRouter = core.NewEventRouter(app.context, app.logger.WithGroup("events"), app.wsManager)
	app.bindEvents()

	app.router = chi.NewRouter()
	app.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   app.config.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	app.router.Get("/ws", func(w http.ResponseWriter, r *http.Request) {
		if err := app.wsManager.Connect(w, r); err != nil {
			app.logger.Error(fmt.Sprintf("ws connect: %v", err))
		}
	})
	app.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	app.router.Post("/api/admin/token", app.MintAdminTokenHandler)

	app.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", app.config.Hostname, app.config.Port),
		Handler: app.router,
		BaseContext: func(listener net.Listener) context.Context {
			return app.context
		},
	}

	return app
}

func (app *App) bindEvents() {
	app.eventRouter.On(CheckRoomEvent, app.CheckRoomHandler)
	app.eventRouter.On(JoinRoomEvent, app.JoinRoomHandler)
	app.eventRouter.On(ApproveJoinEvent, app.ApproveJoinHandler)
	app.eventRouter.On(RejectJoinEvent, app.RejectJoinHandler)
	app.eventRouter.On(AllowNameEvent, app.AllowNameHandler)
	app.eventRouter.On(PublicKeyEvent, app.PublicKeyHandler)
	app.eventRouter.On(RoomKeyEvent, app.RoomKeyHandler)
	app.eventRouter.On(SendMessageEvent, app.SendMessageHandler)
	app.eventRouter.On(RelaySignalEvent, app.RelaySignalHandler)
	app.eventRouter.On(NukeRoomEvent, app.NukeRoomHandler)
	app.eventRouter.On(NukeAllEvent, app.NukeAllHandler)
}

// Handler exposes the HTTP surface, mainly for tests.
func (app *App) Handler() http.Handler {
	return app.router
}

func (app *App) Start() {
	app.eventRouter.Listen()
	app.AddCleanupFunc(func(ctx context.Context) {
		app.eventRouter.Close(ctx)
	})

	// listen for shutdown signal
	go func() {
		<-app.context.Done()
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer closeCancel()

		if app.runCleanup(closeCtx) {
			app.logger.Info("app shutdown gracefully")
			app.exit <- 0
		} else {
			app.logger.Info("app shutdown timed out")
			app.exit <- 1
		}
	}()

	app.AddCleanupFunc(func(ctx context.Context) {
		app.server.Shutdown(ctx)
	})
	app.logger.Info(fmt.Sprintf("relay running on %s:%d", app.config.Hostname, app.config.Port))

	err := app.server.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		failed(1, "server error: %v\n", err)
	}

	code := <-app.exit
	if code != 0 {
		failed(code, "app exit with code: %d\n", code)
	} else {
		os.Exit(code)
	}
}

func (app *App) AddCleanupFunc(f func(context.Context)) {
	app.cleanupFuncs = append(app.cleanupFuncs, f)
}

// runCleanup runs every registered cleanup function concurrently and waits
// for all of them. It reports whether they all finished before ctx expired.
func (app *App) runCleanup(ctx context.Context) bool {
	var wg sync.WaitGroup
	for _, f := range app.cleanupFuncs {
		wg.Add(1)
		go func(f func(context.Context)) {
			defer wg.Done()
			f(ctx)
		}(f)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

func failed(code int, s string, args ...interface{}) {
	fmt.Printf(s, args...)
	os.Exit(code)
}
