package server

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/wortley/dechecs/internal/bus"
	"github.com/wortley/dechecs/internal/ledger"
	"github.com/wortley/dechecs/internal/storage"
	"github.com/wortley/dechecs/pkg/logging"
)

type server struct {
	address  string
	upgrader websocket.Upgrader

	config Config

	ctx    context.Context
	cancel context.CancelFunc

	limiter  *tokenBucket
	registry *registry
	rdb      *redis.Client
	store    *storage.Client
	bus      *bus.Bus
	match    *MatchController

	publicKeys map[string]*rsa.PublicKey

	httpServer *http.Server
}

func NewServer() *server {
	cfg := NewConfig()

	var publicKeys map[string]*rsa.PublicKey
	if cfg.JwksURL != "" {
		keys, err := loadPublicKeys(cfg.JwksURL)
		if err != nil {
			panic(err)
		}
		publicKeys = keys
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		panic(fmt.Errorf("invalid redis url: %w", err))
	}
	rdb := redis.NewClient(opts)

	ledgerClient, err := ledger.NewClient(context.Background(), cfg.AwsRegion, cfg.SettlementFunctionName)
	if err != nil {
		panic(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	store := storage.NewClient(rdb)
	eventBus := bus.New(rdb)
	reg := newRegistry()

	srv := &server{
		address: "0.0.0.0:" + cfg.Port,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins
			},
		},
		config:     cfg,
		ctx:        ctx,
		cancel:     cancel,
		limiter:    newTokenBucket(cfg.InitialTokens, cfg.BucketCapacity, cfg.RefillPerMinute),
		registry:   reg,
		rdb:        rdb,
		store:      store,
		bus:        eventBus,
		publicKeys: publicKeys,
	}
	srv.match = newMatchController(ctx, cfg, store, eventBus, ledgerClient, reg)
	return srv
}

// Start method    starts the game server
func (s *server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/play", s.handleConnection)
	mux.HandleFunc("/exchange/matic-gbp", s.handleExchangeRate)
	mux.HandleFunc("/stats", s.handleStats)

	s.limiter.Start(s.ctx)

	s.httpServer = &http.Server{Addr: s.address, Handler: mux}
	logging.Info("websocket server started", zap.String("port", s.config.Port))
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *server) handleConnection(w http.ResponseWriter, r *http.Request) {
	clientID, err := s.auth(r)
	if err != nil {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(err.Error()))
		return
	}

	if !s.limiter.TryConsume() {
		logging.Warn("connection limit exceeded", zap.String("client_id", clientID))
		http.Error(w, "Connection limit exceeded", http.StatusTooManyRequests)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error("failed to upgrade connection", zap.Error(err))
		return
	}
	defer conn.Close()

	c := newClient(clientID, conn)
	logging.Info("client connected",
		zap.String("client_id", clientID),
		zap.String("remote_address", conn.RemoteAddr().String()),
	)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			s.match.Exit(s.ctx, clientID)
			logging.Info("connection closed",
				zap.String("client_id", clientID),
				zap.Error(err),
			)
			break
		}

		p := payload{}
		if err := json.Unmarshal(message, &p); err != nil {
			logging.Info("malformed payload", zap.String("client_id", clientID))
			continue
		}
		s.handleMessage(s.ctx, c, p)
	}
}

// Shutdown cancels the refiller and every held subscription, sweeps all
// session state from the shared store and stops the listener.
func (s *server) Shutdown(ctx context.Context) error {
	s.cancel()
	for _, sub := range s.registry.Clear() {
		sub.Cancel()
	}
	if err := s.store.DeleteAll(ctx); err != nil {
		logging.Error("failed to sweep sessions", zap.Error(err))
	}

	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	if cerr := s.rdb.Close(); cerr != nil && err == nil {
		err = cerr
	}
	logging.Info("server shut down")
	return err
}
