//Package relay implements the rendezvous server: nameplate and
//mailbox bookkeeping over a SQLite store, the websocket wire protocol
//at /v1, and the periodic pruning of idle channels.
package relay

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"wormhole-mailbox/config"
	"wormhole-mailbox/db"
	"wormhole-mailbox/log"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

//Relay owns the HTTP server, the set of connected clients and the
//pruning loop around a Server
type Relay struct {
	cfg    config.RelayOptions
	server *Server

	channelDB *sql.DB
	usageDB   *sql.DB

	httpServer *http.Server
	upgrader   websocket.Upgrader

	clients    map[*Client]struct{}
	register   chan *Client
	unregister chan *Client

	rebooted int64
}

//New opens the databases and assembles the relay. Store problems
//(corruption, unknown schema versions) surface here, before any
//client is accepted.
func New(cfg config.RelayOptions) (*Relay, error) {
	channelDB, err := db.OpenChannelDB(cfg.ChannelDB)
	if err != nil {
		return nil, fmt.Errorf("opening channel database: %w", err)
	}

	usageDB, err := db.OpenUsageDB(cfg.UsageDB)
	if err != nil {
		channelDB.Close()
		return nil, fmt.Errorf("opening usage database: %w", err)
	}

	server := NewServer(channelDB, usageDB, ServerOptions{
		MOTD:             cfg.MOTD,
		AdvertiseVersion: cfg.AdvertiseVersion,
		SignalError:      cfg.SignalError,
		BlurUsage:        int64(cfg.BlurUsage),
		AllowList:        cfg.AllowList(),
	})

	r := &Relay{
		cfg:    cfg,
		server: server,

		channelDB: channelDB,
		usageDB:   usageDB,

		upgrader: buildUpgrader(cfg.WebSocketOptions),

		clients:    make(map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),

		rebooted: server.now(),
	}

	router := http.NewServeMux()
	router.HandleFunc("/", handleIndex)
	router.HandleFunc("/v1", r.handleWebsocket)
	router.Handle("/metrics", promhttp.Handler())

	r.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: router,
	}

	return r, nil
}

//Server exposes the underlying registry, mostly for tests
func (r *Relay) Server() *Server {
	return r.server
}

//Run serves until the context is cancelled, then shuts down
//gracefully: clients are booted, the HTTP server drains and the
//databases close
func (r *Relay) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Infof("relay server listening on %s", r.httpServer.Addr)
		err := r.httpServer.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		r.runClients(ctx)
		return nil
	})

	g.Go(func() error {
		r.runCleaning(ctx)
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()

		r.server.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		r.httpServer.SetKeepAlivesEnabled(false)
		err := r.httpServer.Shutdown(shutdownCtx)

		log.Info("relay server shut down")
		return err
	})

	err := g.Wait()

	if closeErr := r.Close(); err == nil {
		err = closeErr
	}
	return err
}

//Close releases the database handles. Run calls this itself; only
//callers that never Run (like a one-shot cleaning pass) need it.
func (r *Relay) Close() error {
	err := r.channelDB.Close()
	if r.usageDB != nil {
		if usageErr := r.usageDB.Close(); err == nil {
			err = usageErr
		}
	}
	return err
}

//runClients tracks connected clients
func (r *Relay) runClients(ctx context.Context) {
	for {
		select {
		case client := <-r.register:
			r.clients[client] = struct{}{}
			metricConnections.Inc()
			client.logUsage("client connected")

		case client := <-r.unregister:
			if _, ok := r.clients[client]; ok {
				client.OnDisconnect()
				client.Close()
				delete(r.clients, client)
				metricConnections.Dec()
			}
			client.logUsage("client disconnected")

		case <-ctx.Done():
			return
		}
	}
}

//runCleaning prunes idle channels on a fixed period and refreshes the
//usage snapshot. A failed pass is logged and the next tick proceeds.
func (r *Relay) runCleaning(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(r.cfg.CleaningInterval) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.CleanNow()
		case <-ctx.Done():
			return
		}
	}
}

//CleanNow runs a single pruning pass followed by a stats snapshot
func (r *Relay) CleanNow() {
	srv := r.server
	srv.mu.Lock()
	defer srv.mu.Unlock()

	now := srv.now()
	old := now - int64(r.cfg.ChannelExpiration)

	if err := srv.PruneAllApps(now, old); err != nil {
		log.Err("pruning pass failed", err)
	}
	if err := srv.DumpStats(now, r.rebooted); err != nil {
		log.Err("dumping stats failed", err)
	}
}
