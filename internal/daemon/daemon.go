package daemon

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/leonletto/loom/internal/config"
	"github.com/leonletto/loom/internal/coord"
	"github.com/leonletto/loom/internal/daemon/rpc"
	"github.com/leonletto/loom/internal/monitor"
	"github.com/leonletto/loom/internal/paths"
	"github.com/leonletto/loom/internal/safedb"
	"github.com/leonletto/loom/internal/schema"
	"github.com/leonletto/loom/internal/store"
	"github.com/leonletto/loom/internal/websocket"
)

// Options configures optional daemon surfaces.
type Options struct {
	// ObserverAddr enables the websocket event stream when non-empty.
	ObserverAddr string

	// Version is reported by the health RPC.
	Version string
}

// Daemon is the per-directory host process: the RPC server, the engine
// and its reconciliation loops under one lifecycle. Exactly one daemon
// runs per coordination directory, enforced by the singleton flock.
type Daemon struct {
	loomDir   string
	cfg       config.Config
	opts      Options
	lock      *store.Flock
	db        *sql.DB
	server    *Server
	clients   *ClientRegistry
	events    *Broadcaster
	coord     *coord.Coordinator
	hub       *websocket.Hub
	startedAt time.Time
}

// New assembles a daemon for the coordination directory. Fails when
// another daemon already holds the directory's lock.
func New(loomDir string, cfg config.Config, opts Options) (*Daemon, error) {
	lock, err := store.TryAcquire(paths.DaemonLockPath(loomDir))
	if err != nil {
		if errors.Is(err, store.ErrLocked) {
			return nil, fmt.Errorf("another daemon is already running for %s", loomDir)
		}
		return nil, fmt.Errorf("acquire daemon lock: %w", err)
	}

	db, err := schema.OpenDB(paths.DBPath(loomDir))
	if err != nil {
		_ = lock.Release()
		return nil, err
	}
	if err := schema.Migrate(db); err != nil {
		_ = db.Close()
		_ = lock.Release()
		return nil, err
	}

	clients := NewClientRegistry()
	events := NewBroadcaster()

	engine, err := coord.New(loomDir, cfg, safedb.New(db), clients, events)
	if err != nil {
		_ = db.Close()
		_ = lock.Release()
		return nil, err
	}

	d := &Daemon{
		loomDir:   loomDir,
		cfg:       cfg,
		opts:      opts,
		lock:      lock,
		db:        db,
		server:    NewServer(paths.SocketPath(loomDir)),
		clients:   clients,
		events:    events,
		coord:     engine,
		startedAt: time.Now(),
	}
	d.registerHandlers()

	if opts.ObserverAddr != "" {
		d.hub = websocket.NewHub(opts.ObserverAddr, events)
	}
	return d, nil
}

// Coordinator exposes the engine, mainly for tests.
func (d *Daemon) Coordinator() *coord.Coordinator {
	return d.coord
}

// SocketPath returns the daemon's RPC socket path.
func (d *Daemon) SocketPath() string {
	return paths.SocketPath(d.loomDir)
}

func (d *Daemon) registerHandlers() {
	teams := rpc.NewTeamHandler(d.coord)
	d.server.RegisterHandler("team.register", teams.HandleRegister)
	d.server.RegisterHandler("team.heartbeat", teams.HandleHeartbeat)
	d.server.RegisterHandler("team.unregister", teams.HandleUnregister)
	d.server.RegisterHandler("team.get", teams.HandleGet)
	d.server.RegisterHandler("team.list", teams.HandleList)

	resources := rpc.NewResourceHandler(d.coord)
	d.server.RegisterHandler("resource.reserve", resources.HandleReserve)
	d.server.RegisterHandler("resource.release", resources.HandleRelease)
	d.server.RegisterHandler("resource.list", resources.HandleList)

	bridges := rpc.NewBridgeHandler(d.coord)
	d.server.RegisterHandler("bridge.create", bridges.HandleCreate)
	d.server.RegisterHandler("bridge.send", bridges.HandleSend)
	d.server.RegisterHandler("bridge.messages", bridges.HandleMessages)
	d.server.RegisterHandler("bridge.list", bridges.HandleList)
	d.server.RegisterHandler("bridge.cleanup", bridges.HandleCleanup)

	sharedContext := rpc.NewContextHandler(d.coord)
	d.server.RegisterHandler("context.sync", sharedContext.HandleSync)
	d.server.RegisterHandler("context.get", sharedContext.HandleGet)

	health := rpc.NewHealthHandler(d.coord, d.startedAt, d.opts.Version)
	d.server.RegisterHandler("health", health.Handle)

	d.server.RegisterConnHandler("client.attach", d.handleAttach)
	d.server.OnDisconnect(d.clients.DropConn)
}

// AttachRequest binds the calling connection to a team so message
// notifications reach it.
type AttachRequest struct {
	TeamID string `json:"team_id"`
}

// AttachResponse acknowledges an attach.
type AttachResponse struct {
	Attached bool `json:"attached"`
}

func (d *Daemon) handleAttach(_ context.Context, conn *ClientConn, params json.RawMessage) (any, error) {
	var req AttachRequest
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	if _, err := d.coord.GetTeam(req.TeamID); err != nil {
		return nil, err
	}
	d.clients.Attach(req.TeamID, conn)
	return AttachResponse{Attached: true}, nil
}

// Run starts the server, the observer hub and the reconciliation loops,
// then blocks until ctx is canceled and tears everything down.
func (d *Daemon) Run(ctx context.Context) error {
	info := PIDInfo{
		PID:        os.Getpid(),
		LoomDir:    d.loomDir,
		StartedAt:  d.startedAt,
		SocketPath: d.SocketPath(),
	}
	if err := WritePIDFile(paths.PidfilePath(d.loomDir), info); err != nil {
		return err
	}

	if err := d.server.Start(ctx); err != nil {
		return err
	}
	log.Printf("daemon: serving on %s", d.SocketPath())

	loopCtx, stopLoops := context.WithCancel(ctx)
	var loops sync.WaitGroup

	health := monitor.NewHealthMonitor(d.coord, d.cfg.HealthTick)
	cleanup := monitor.NewCleanupLoop(d.coord, d.cfg.CleanupTick)
	contextSync := monitor.NewContextSyncLoop(d.coord, d.cfg.ContextSyncTick)

	loops.Add(3)
	go func() { defer loops.Done(); health.Start(loopCtx) }()
	go func() { defer loops.Done(); cleanup.Start(loopCtx) }()
	go func() { defer loops.Done(); contextSync.Start(loopCtx) }()

	if d.hub != nil {
		loops.Add(1)
		go func() {
			defer loops.Done()
			if err := d.hub.Start(); err != nil {
				log.Printf("daemon: observer hub: %v", err)
			}
		}()
	}

	<-ctx.Done()
	log.Printf("daemon: shutting down")

	stopLoops()
	if d.hub != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := d.hub.Stop(shutdownCtx); err != nil {
			log.Printf("daemon: stop observer hub: %v", err)
		}
		cancel()
	}
	loops.Wait()

	return d.Close()
}

// Close releases everything the daemon holds. Safe after a failed Run.
func (d *Daemon) Close() error {
	var firstErr error
	if err := d.server.Stop(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := d.db.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := RemovePIDFile(paths.PidfilePath(d.loomDir)); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := d.lock.Release(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
