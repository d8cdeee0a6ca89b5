package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"collab-blocks/pkg/config"
	"collab-blocks/pkg/db"
	"collab-blocks/pkg/fanout"
	"collab-blocks/pkg/handlers"
	"collab-blocks/pkg/history"
	"collab-blocks/pkg/logging"
	"collab-blocks/pkg/room"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

// Storage is everything the server persists: document metadata, the
// update logs and the version history. *db.PostgresStore implements it.
type Storage interface {
	db.IDocumentStore
	room.Persistence
	history.Store
	Ping(ctx context.Context) error
	Close() error
}

// Server represents the application server
type Server struct {
	router      *mux.Router
	roomManager *room.RoomManager
	handlers    *handlers.Handlers
	store       Storage
	fanout      fanout.Fanout
	config      *config.Config
	log         logging.Logger
}

// NewServer connects to Postgres, applies migrations and, when configured,
// joins the Redis fanout.
func NewServer(ctx context.Context, cfg *config.Config, log logging.Logger) (*Server, error) {
	sqlDB, err := db.Open(ctx, cfg.GetDatabaseConnectionString())
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx, sqlDB); err != nil {
		sqlDB.Close()
		return nil, err
	}
	store := db.NewPostgresStore(sqlDB)

	instance := uuid.NewString()
	var fan fanout.Fanout = fanout.Local{}
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			store.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		fan = fanout.NewRedis(client, instance, log)
		log.Info(ctx, "redis fanout enabled", "addr", cfg.Redis.Addr)
	}
	return newServer(cfg, log, store, fan, instance), nil
}

func newServer(cfg *config.Config, log logging.Logger, store Storage, fan fanout.Fanout, instance string) *Server {
	roomManager := room.NewRoomManager(store,
		room.WithLogger(log),
		room.WithFanout(fan),
		room.WithVersions(store),
		room.WithInstance(instance),
		room.WithAwarenessTimeout(cfg.Sync.AwarenessTimeout),
		room.WithCompactAfter(cfg.Sync.CompactAfter),
	)

	opts := []handlers.Option{
		handlers.WithLogger(log),
		handlers.WithReadLimit(cfg.Sync.ReadLimit),
	}
	if cfg.Sync.MessageRate > 0 {
		opts = append(opts, handlers.WithRateLimit(cfg.Sync.MessageRate, cfg.Sync.MessageBurst))
	}
	h := handlers.NewHandlers(roomManager, store, store, opts...)

	s := &Server{
		roomManager: roomManager,
		handlers:    h,
		store:       store,
		fanout:      fan,
		config:      cfg,
		log:         log,
	}

	r := mux.NewRouter()
	r.Handle(cfg.Metrics.Path, promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.health).Methods(http.MethodGet)
	h.Register(r)
	s.router = r
	return s
}

// Handler is the root handler, CORS included.
func (s *Server) Handler() http.Handler {
	return corsMiddleware(s.router)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		s.log.Warn(ctx, "health check", "err", err)
		http.Error(w, "database unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// Start serves until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	if addr == "" {
		addr = s.config.GetServerAddr()
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Info(ctx, "starting collaboration server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
		defer cancel()
		s.log.Info(shutdownCtx, "shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// corsMiddleware handles CORS headers and answers preflight requests before
// they reach method-restricted routes.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		} else {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		if reqHeaders := r.Header.Get("Access-Control-Request-Headers"); reqHeaders != "" {
			w.Header().Set("Access-Control-Allow-Headers", reqHeaders)
		} else {
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		w.Header().Set("Access-Control-Max-Age", "600")
		w.Header().Add("Vary", "Origin")
		w.Header().Add("Vary", "Access-Control-Request-Headers")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Close stops every room, then releases the fanout and the database.
func (s *Server) Close() error {
	s.roomManager.Close()
	return errors.Join(s.fanout.Close(), s.store.Close())
}
