// Package runtime composes the live component server: WebSocket endpoint,
// connection registry, instance store, event bus, upload assembler, rate
// limiter and the reaper loop.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/websocket"

	"github.com/MarcosBrendonDePaula/fluxlive/internal/auth"
	"github.com/MarcosBrendonDePaula/fluxlive/internal/config"
	"github.com/MarcosBrendonDePaula/fluxlive/internal/connection"
	"github.com/MarcosBrendonDePaula/fluxlive/internal/dispatch"
	"github.com/MarcosBrendonDePaula/fluxlive/internal/eventbus"
	"github.com/MarcosBrendonDePaula/fluxlive/internal/instance"
	"github.com/MarcosBrendonDePaula/fluxlive/internal/logging"
	"github.com/MarcosBrendonDePaula/fluxlive/internal/metrics"
	"github.com/MarcosBrendonDePaula/fluxlive/internal/ratelimit"
	"github.com/MarcosBrendonDePaula/fluxlive/internal/registry"
	"github.com/MarcosBrendonDePaula/fluxlive/internal/upload"
)

// Subprotocol is the negotiated WebSocket subprotocol.
const Subprotocol = "live.v1"

// Server is the composed live component runtime.
type Server struct {
	cfg *config.Config
	reg *registry.Registry

	conns      *connection.Registry
	bus        *eventbus.Bus
	store      *instance.Store
	uploads    *upload.Assembler
	limiter    *ratelimit.Limiter
	dispatcher *dispatch.Dispatcher

	authenticators []auth.Authenticator
	upgrader       websocket.Upgrader

	httpSrv *http.Server
	redis   *redis.Client

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New wires the runtime from configuration and a populated type registry.
func New(cfg *config.Config, reg *registry.Registry) (*Server, error) {
	conns := connection.NewRegistry(cfg.Timeouts.Heartbeat, cfg.Limits.MaxSendQueue)
	bus := eventbus.New(conns)

	store := instance.NewStore(instance.Config{
		MaxMailbox:     cfg.Limits.MaxMailbox,
		HandlerTimeout: cfg.Timeouts.HandlerTimeout,
		IdleTTL:        cfg.Timeouts.IdleTTL,
	}, reg, bus, conns)
	bus.BindSubscribers(store)

	uploads, err := upload.New(upload.Config{
		Dir:            cfg.Server.WorkDir,
		MaxUploadBytes: cfg.Limits.MaxUploadBytes,
		MaxChunkBytes:  cfg.Limits.ChunkBytes,
		TTL:            cfg.Timeouts.UploadTTL,
	}, conns.SendUpdates)
	if err != nil {
		return nil, fmt.Errorf("upload assembler: %w", err)
	}
	uploads.OnComplete(store.UploadComplete)
	store.OnEvict(uploads.AbortForInstance)
	store.OnUnsubscribe(uploads.AbortForSubscription)

	var redisClient *redis.Client
	var backend ratelimit.Backend
	if cfg.RateLimit.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RateLimit.Redis.Addr,
			Password: cfg.RateLimit.Redis.Password,
			DB:       cfg.RateLimit.Redis.DB,
		})
		backend = ratelimit.NewFallbackBackend(ratelimit.NewRedisBackend(redisClient))
		logging.Op().Info("rate limiting via redis", "addr", cfg.RateLimit.Redis.Addr)
	}
	limiter := ratelimit.NewLimiter(backend, cfg.RateLimit.RPS, cfg.RateLimit.Burst)

	dispatcher := dispatch.New(store, uploads, conns, limiter, cfg.Limits.MaxFrameBytes)

	conns.OnClose(func(connectionID string) {
		store.DropConnection(connectionID)
		uploads.AbortForConnection(connectionID)
		limiter.Forget(connectionID)
	})

	var authenticators []auth.Authenticator
	if cfg.Auth.Enabled {
		authenticators = append(authenticators,
			auth.NewEd25519Authenticator(cfg.Auth.Keys, cfg.Auth.MaxSkew))
	}

	s := &Server{
		cfg:            cfg,
		reg:            reg,
		conns:          conns,
		bus:            bus,
		store:          store,
		uploads:        uploads,
		limiter:        limiter,
		dispatcher:     dispatcher,
		authenticators: authenticators,
		redis:          redisClient,
		stop:           make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			Subprotocols:    []string{Subprotocol},
			// Origin policy belongs to the deployment's edge; the runtime
			// accepts any origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Server.WSPath, s.handleWS)
	// Resolved per request: InitPrometheus may run after construction.
	mux.HandleFunc(cfg.Server.MetricsPath, func(w http.ResponseWriter, r *http.Request) {
		metrics.Handler().ServeHTTP(w, r)
	})
	mux.Handle("/stats", metrics.Global().JSONHandler())
	mux.HandleFunc("/healthz", s.handleHealthz)
	s.httpSrv = &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Registry exposes the type registry for registration at startup.
func (s *Server) Registry() *registry.Registry { return s.reg }

// handleWS authenticates and upgrades one WebSocket connection, then runs
// its read pump until the peer goes away.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	principal := auth.Verify(r, s.authenticators)
	if principal == nil {
		logging.Op().Warn("rejecting unauthenticated upgrade", "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Op().Debug("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := s.conns.Register(ws, principal)
	c.ReadPump(s.cfg.Limits.MaxFrameBytes, s.dispatcher.HandleFrame)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":      "ok",
		"connections": s.conns.Count(),
		"instances":   s.store.Count(),
		"uploads":     s.uploads.Count(),
		"types":       s.reg.Names(),
	})
}

// Start serves HTTP and runs the reaper until Shutdown.
func (s *Server) Start() error {
	s.wg.Add(1)
	go s.reaperLoop()

	logging.Op().Info("listening",
		"addr", s.cfg.Server.Addr,
		"ws_path", s.cfg.Server.WSPath,
		"types", len(s.reg.Names()))

	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// reaperLoop evicts idle instances, expires stale uploads and refreshes the
// active gauges on every tick.
func (s *Server) reaperLoop() {
	defer s.wg.Done()
	interval := s.cfg.Timeouts.ReapInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			s.store.ReapIdle(now)
			s.uploads.Sweep(now)
			metrics.SetActiveGauges(s.store.Count(), s.conns.Count(), s.uploads.Count())
		case <-s.stop:
			return
		}
	}
}

// Shutdown drains the runtime: stop accepting, close every connection with
// a normal close, unmount every instance, then release shared clients.
func (s *Server) Shutdown(ctx context.Context) error {
	var firstErr error
	s.stopOnce.Do(func() {
		logging.Op().Info("shutting down")
		close(s.stop)

		if err := s.httpSrv.Shutdown(ctx); err != nil {
			firstErr = err
		}
		s.conns.CloseAll("server shutdown")
		if err := s.store.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		if s.redis != nil {
			s.redis.Close()
		}
		s.wg.Wait()
	})
	return firstErr
}
