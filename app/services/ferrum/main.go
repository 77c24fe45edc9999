package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/ardanlabs/conf/v3"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/ferrumserver/ferrum/app/services/ferrum/handlers"
	"github.com/ferrumserver/ferrum/app/services/ferrum/handlers/admingrp"
	"github.com/ferrumserver/ferrum/business/sys/metrics"
	"github.com/ferrumserver/ferrum/foundation/events"
	"github.com/ferrumserver/ferrum/foundation/indexer/admission"
	"github.com/ferrumserver/ferrum/foundation/indexer/electrum"
	"github.com/ferrumserver/ferrum/foundation/indexer/index"
	"github.com/ferrumserver/ferrum/foundation/indexer/mempool"
	"github.com/ferrumserver/ferrum/foundation/indexer/registry"
	"github.com/ferrumserver/ferrum/foundation/indexer/state"
	"github.com/ferrumserver/ferrum/foundation/indexer/upstream"
	"github.com/ferrumserver/ferrum/foundation/indexer/worker"
	"github.com/ferrumserver/ferrum/foundation/logger"
	"github.com/ferrumserver/ferrum/foundation/throttle"
	"github.com/ferrumserver/ferrum/foundation/workpool"
	"go.uber.org/zap"
)

// build is the git version of this program. It is set using build flags in the makefile.
var build = "develop"

func main() {

	// Construct the application logger.
	log, err := logger.New("FERRUM")
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	defer log.Sync()

	// Perform the startup and shutdown sequence.
	if err := run(log); err != nil {
		log.Errorw("startup", "ERROR", err)
		log.Sync()
		os.Exit(1)
	}
}

func run(log *zap.SugaredLogger) error {

	// =========================================================================
	// Configuration

	// This is all the configuration for the application and the default values.
	// Configuration values will be passed through the application as individual
	// values.
	cfg := struct {
		conf.Version
		Web struct {
			ReadTimeout     time.Duration `conf:"default:5s"`
			WriteTimeout    time.Duration `conf:"default:10s"`
			IdleTimeout     time.Duration `conf:"default:120s"`
			ShutdownTimeout time.Duration `conf:"default:20s"`
			DebugHost       string        `conf:"default:0.0.0.0:7080"`
			StatsHost       string        `conf:"default:0.0.0.0:8080"`
		}
		Node struct {
			Host string `conf:"default:127.0.0.1:8332"`
			User string `conf:"default:rpcuser"`
			Pass string `conf:"default:rpcpass,mask"`
		}
		Index struct {
			DBPath        string        `conf:"default:zferrum/index.db"`
			MaxReorgDepth int           `conf:"default:100"`
			PollInterval  time.Duration `conf:"default:2s"`
		}
		Electrum struct {
			TCPHosts   []string `conf:"default:0.0.0.0:50001"`
			TLSHosts   []string
			WSHosts    []string
			WSSHosts   []string
			CertFile   string
			KeyFile    string
			BannerFile string
			Donation   string
			MaxBuffer  int `conf:"default:4000000"`
		}
		Admin struct {
			Host string `conf:"default:127.0.0.1:8000"`
		}
		Limits struct {
			MaxClients      int           `conf:"default:40000"`
			MaxPerIP        int           `conf:"default:12"`
			MaxPending      int           `conf:"default:60"`
			MaxSubs         int           `conf:"default:10000000"`
			MaxSubsPerIP    int           `conf:"default:75000"`
			Workers         int           `conf:"default:0"`
			Queue           int           `conf:"default:160"`
			ThrottleHi      int           `conf:"default:50"`
			ThrottleLo      int           `conf:"default:20"`
			ThrottleDecay   int           `conf:"default:10"`
			ThrottleTick    time.Duration `conf:"default:1s"`
			ExcludedSubnets []string      `conf:"default:127.0.0.0/8;::1/128"`
			BannedSubnets   []string
		}
	}{
		Version: conf.Version{
			Build: build,
			Desc:  "copyright information here",
		},
	}

	// Parse will set the defaults and then look for any overriding values
	// in environment variables and command line flags.
	const prefix = "FERRUM"
	help, err := conf.Parse(prefix, &cfg)
	if err != nil {
		if errors.Is(err, conf.ErrHelpWanted) {
			fmt.Println(help)
			return nil
		}
		return fmt.Errorf("parsing config: %w", err)
	}

	// =========================================================================
	// App Starting

	fmt.Println(`  _____ _____ ____  ____  _   _ __  __ `)
	fmt.Println(` |  ___| ____|  _ \|  _ \| | | |  \/  |`)
	fmt.Println(` | |_  |  _| | |_) | |_) | | | | |\/| |`)
	fmt.Println(` |  _| | |___|  _ <|  _ <| |_| | |  | |`)
	fmt.Println(` |_|   |_____|_| \_\_| \_\\___/|_|  |_|`)
	fmt.Print("\n")

	log.Infow("starting service", "version", build)
	defer log.Infow("shutdown complete")

	// Display the current configuration to the logs.
	out, err := conf.String(&cfg)
	if err != nil {
		return fmt.Errorf("generating config for output: %w", err)
	}
	log.Infow("startup", "config", out)

	// These bounds protect the node and the process. A violation refuses
	// to start rather than running with a value that can destabilize either.
	switch {
	case cfg.Index.PollInterval < 500*time.Millisecond || cfg.Index.PollInterval > 30*time.Second:
		return fmt.Errorf("poll interval %v outside [500ms, 30s]", cfg.Index.PollInterval)
	case cfg.Index.MaxReorgDepth < 1 || cfg.Index.MaxReorgDepth > 1000:
		return fmt.Errorf("max reorg depth %d outside [1, 1000]", cfg.Index.MaxReorgDepth)
	case cfg.Limits.Workers < 0 || cfg.Limits.Workers > runtime.NumCPU():
		return fmt.Errorf("workers %d outside [0, %d]", cfg.Limits.Workers, runtime.NumCPU())
	case cfg.Limits.Queue < 10:
		return fmt.Errorf("work queue %d below the minimum of 10", cfg.Limits.Queue)
	case cfg.Limits.MaxClients < 0:
		return fmt.Errorf("max clients %d cannot be negative", cfg.Limits.MaxClients)
	case cfg.Limits.MaxPerIP < 0:
		return fmt.Errorf("max clients per ip %d cannot be negative", cfg.Limits.MaxPerIP)
	case cfg.Limits.MaxPending < 10 || cfg.Limits.MaxPending > 9999:
		return fmt.Errorf("max pending connections %d outside [10, 9999]", cfg.Limits.MaxPending)
	case cfg.Limits.MaxSubs < 5000 || cfg.Limits.MaxSubs > 100000000:
		return fmt.Errorf("max subscriptions %d outside [5000, 100000000]", cfg.Limits.MaxSubs)
	case cfg.Limits.MaxSubsPerIP < 500 || cfg.Limits.MaxSubsPerIP > 25000000:
		return fmt.Errorf("max subscriptions per ip %d outside [500, 25000000]", cfg.Limits.MaxSubsPerIP)
	}

	// A worker count of zero means one per CPU.
	workers := cfg.Limits.Workers
	if workers == 0 {
		workers = runtime.NumCPU()
	}

	// =========================================================================
	// Events Support

	// The indexer packages accept a function of this signature to allow the
	// application to log. These raw messages are also sent to any websocket
	// client connected to the events endpoint on the stats API.
	evts := events.New()
	ev := func(v string, args ...any) {
		s := fmt.Sprintf(v, args...)
		log.Infow(s, "traceid", "00000000-0000-0000-0000-000000000000")
		evts.Send([]byte(s))
	}

	// =========================================================================
	// Indexer Support

	// The index owns the chain database. Open it first so a corrupt or
	// locked database fails the process before anything network facing
	// starts.
	idx, err := index.New(cfg.Index.DBPath, int32(cfg.Index.MaxReorgDepth), ev)
	if err != nil {
		return fmt.Errorf("unable to open index: %w", err)
	}

	// The throttle paces every node call the process makes.
	thr, err := throttle.New(throttle.Params{
		Hi:    cfg.Limits.ThrottleHi,
		Lo:    cfg.Limits.ThrottleLo,
		Decay: cfg.Limits.ThrottleDecay,
	}, cfg.Limits.ThrottleTick, ev)
	if err != nil {
		return fmt.Errorf("unable to build throttle: %w", err)
	}

	// The upstream client talks to the bitcoind RPC interface.
	node, err := upstream.New(upstream.Config{
		Host:      cfg.Node.Host,
		User:      cfg.Node.User,
		Pass:      cfg.Node.Pass,
		Throttle:  thr,
		EvHandler: ev,
	})
	if err != nil {
		return fmt.Errorf("unable to build node client: %w", err)
	}
	defer node.Close()

	// The work pool runs block downloads in parallel during catch up.
	pool, err := workpool.New(workers, cfg.Limits.Queue, ev)
	if err != nil {
		return fmt.Errorf("unable to build work pool: %w", err)
	}

	// The registry routes change notifications to subscribed sessions.
	reg, err := registry.New(cfg.Limits.MaxSubs, cfg.Limits.MaxSubsPerIP, ev)
	if err != nil {
		return fmt.Errorf("unable to build registry: %w", err)
	}

	trusted, err := admission.ParseSubnets(cfg.Limits.ExcludedSubnets)
	if err != nil {
		return fmt.Errorf("parsing excluded subnets: %w", err)
	}
	banned, err := admission.ParseSubnets(cfg.Limits.BannedSubnets)
	if err != nil {
		return fmt.Errorf("parsing banned subnets: %w", err)
	}

	// The admission controller enforces the connection ceilings.
	adm, err := admission.New(admission.Config{
		MaxClients: cfg.Limits.MaxClients,
		MaxPerIP:   cfg.Limits.MaxPerIP,
		MaxPending: cfg.Limits.MaxPending,
		Excluded:   trusted,
		Banned:     banned,
		EvHandler:  ev,
	})
	if err != nil {
		return fmt.Errorf("unable to build admission controller: %w", err)
	}

	// =========================================================================
	// Service Start/Stop Support

	// Make a channel to listen for an interrupt or terminate signal from the OS.
	// Use a buffered channel because the signal package requires it.
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	// Make a channel to listen for errors coming from the listeners. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	// Make a channel for the state to report an unrecoverable index fault.
	fatalErrors := make(chan error, 1)

	// =========================================================================
	// State Support

	// The state value manages the indexed view of the chain and provides an
	// API for everything the transports serve.
	st, err := state.New(state.Config{
		Index:         idx,
		Upstream:      node,
		Registry:      reg,
		Mempool:       mempool.New(),
		Admission:     adm,
		Pool:          pool,
		Throttle:      thr,
		PollInterval:  cfg.Index.PollInterval,
		MaxReorgDepth: int32(cfg.Index.MaxReorgDepth),
		MaxBuffer:     cfg.Electrum.MaxBuffer,
		EvHandler:     ev,
		FatalFunc: func() {
			select {
			case fatalErrors <- errors.New("unrecoverable index fault"):
			default:
			}
		},
	})
	if err != nil {
		return err
	}
	defer st.Shutdown()

	// The worker package implements the poll and throttle recovery loops.
	// The worker will register itself with the state.
	worker.Run(st, ev)

	// =========================================================================
	// Start Electrum Service

	log.Infow("startup", "status", "initializing electrum support")

	banner := ""
	if cfg.Electrum.BannerFile != "" {
		data, err := os.ReadFile(cfg.Electrum.BannerFile)
		if err != nil {
			return fmt.Errorf("reading banner file: %w", err)
		}
		banner = string(data)
	}

	esrv, err := electrum.New(electrum.Config{
		State:     st,
		Registry:  reg,
		Admission: adm,
		Version:   fmt.Sprintf("Ferrum %s", build),
		Banner:    banner,
		Donation:  cfg.Electrum.Donation,
		EvHandler: ev,
	})
	if err != nil {
		return fmt.Errorf("unable to build electrum server: %w", err)
	}

	for _, host := range cfg.Electrum.TCPHosts {
		addr, err := esrv.ListenTCP(host)
		if err != nil {
			return fmt.Errorf("electrum tcp: %w", err)
		}
		log.Infow("startup", "status", "electrum tcp started", "host", addr.String())
	}

	for _, host := range cfg.Electrum.TLSHosts {
		addr, err := esrv.ListenTLS(host, cfg.Electrum.CertFile, cfg.Electrum.KeyFile)
		if err != nil {
			return fmt.Errorf("electrum tls: %w", err)
		}
		log.Infow("startup", "status", "electrum tls started", "host", addr.String())
	}

	for _, host := range cfg.Electrum.WSHosts {
		addr, err := esrv.ListenWS(host)
		if err != nil {
			return fmt.Errorf("electrum ws: %w", err)
		}
		log.Infow("startup", "status", "electrum ws started", "host", addr.String())
	}

	for _, host := range cfg.Electrum.WSSHosts {
		addr, err := esrv.ListenWSS(host, cfg.Electrum.CertFile, cfg.Electrum.KeyFile)
		if err != nil {
			return fmt.Errorf("electrum wss: %w", err)
		}
		log.Infow("startup", "status", "electrum wss started", "host", addr.String())
	}

	// =========================================================================
	// Metrics Support

	metrics.RegisterGauge("ferrum_sync_height", "Indexed chain tip height.", func() float64 {
		return float64(st.RetrieveTip().Height)
	})
	metrics.RegisterGauge("ferrum_sync_phase", "Sync phase ordinal.", func() float64 {
		return float64(st.Phase())
	})
	metrics.RegisterGauge("ferrum_sessions_live", "Connected client sessions.", func() float64 {
		return float64(esrv.Sessions())
	})
	metrics.RegisterGauge("ferrum_subscriptions", "Active subscriptions.", func() float64 {
		return float64(reg.Stats().Subscriptions)
	})
	metrics.RegisterGauge("ferrum_pool_queue_depth", "Jobs waiting in the work pool.", func() float64 {
		return float64(pool.Stats().QueueDepth)
	})
	metrics.RegisterGauge("ferrum_throttle_budget", "Remaining upstream cost budget.", func() float64 {
		return float64(thr.Stats().Budget)
	})

	// =========================================================================
	// Start Admin Service

	log.Infow("startup", "status", "initializing admin RPC support")

	// The admin channel has no authentication. Warn loudly when it is
	// reachable beyond this machine.
	if host, _, err := net.SplitHostPort(cfg.Admin.Host); err == nil {
		if ip := net.ParseIP(host); host != "localhost" && (ip == nil || !ip.IsLoopback()) {
			log.Infow("startup", "WARNING", "admin RPC bound to a non-loopback address", "host", cfg.Admin.Host)
		}
	}

	rpcSrv := rpc.NewServer()
	defer rpcSrv.Stop()

	agh := admingrp.Handlers{
		Log:       log,
		State:     st,
		Server:    esrv,
		Admission: adm,
		Shutdown:  shutdown,
	}
	if err := rpcSrv.RegisterName("admin", agh); err != nil {
		return fmt.Errorf("registering admin API: %w", err)
	}

	admin := http.Server{
		Addr:         cfg.Admin.Host,
		Handler:      rpcSrv,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		ErrorLog:     zap.NewStdLog(log.Desugar()),
	}

	go func() {
		log.Infow("startup", "status", "admin RPC router started", "host", admin.Addr)
		serverErrors <- admin.ListenAndServe()
	}()

	// =========================================================================
	// Start Debug Service

	log.Infow("startup", "status", "debug router started", "host", cfg.Web.DebugHost)

	// The Debug function returns a mux to listen and serve on for all the debug
	// related endpoints. This includes the standard library endpoints.

	// Construct the mux for the debug calls.
	debugMux := handlers.DebugMux(build, log, st)

	// Start the service listening for debug requests.
	// Not concerned with shutting this down with load shedding.
	go func() {
		if err := http.ListenAndServe(cfg.Web.DebugHost, debugMux); err != nil {
			log.Errorw("shutdown", "status", "debug router closed", "host", cfg.Web.DebugHost, "ERROR", err)
		}
	}()

	// =========================================================================
	// Start Stats Service

	log.Infow("startup", "status", "initializing V1 stats API support")

	// Construct the mux for the stats API calls.
	statsMux := handlers.StatsMux(handlers.MuxConfig{
		Shutdown: shutdown,
		Log:      log,
		State:    st,
		Evts:     evts,
	})

	// Construct a server to service the requests against the mux.
	stats := http.Server{
		Addr:         cfg.Web.StatsHost,
		Handler:      statsMux,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		ErrorLog:     zap.NewStdLog(log.Desugar()),
	}

	// Start the service listening for api requests.
	go func() {
		log.Infow("startup", "status", "stats api router started", "host", stats.Addr)
		serverErrors <- stats.ListenAndServe()
	}()

	// =========================================================================
	// Shutdown

	// Blocking main and waiting for shutdown.
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)

	case err := <-fatalErrors:
		return fmt.Errorf("fatal error: %w", err)

	case sig := <-shutdown:
		log.Infow("shutdown", "status", "shutdown started", "signal", sig)
		defer log.Infow("shutdown", "status", "shutdown complete", "signal", sig)

		// Release any web sockets that are currently active.
		log.Infow("shutdown", "status", "shutdown web socket channels")
		evts.Shutdown()

		// Give outstanding requests a deadline for completion.
		ctx, cancelStats := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer cancelStats()

		// Asking listener to shut down and shed load.
		log.Infow("shutdown", "status", "shutdown stats API started")
		if err := stats.Shutdown(ctx); err != nil {
			stats.Close()
			return fmt.Errorf("could not stop stats service gracefully: %w", err)
		}

		// Give outstanding requests a deadline for completion.
		ctx, cancelAdmin := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer cancelAdmin()

		// Asking listener to shut down and shed load.
		log.Infow("shutdown", "status", "shutdown admin RPC started")
		if err := admin.Shutdown(ctx); err != nil {
			admin.Close()
			return fmt.Errorf("could not stop admin service gracefully: %w", err)
		}

		// Disconnect the electrum sessions and stop the listeners.
		ctx, cancelElec := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer cancelElec()

		log.Infow("shutdown", "status", "shutdown electrum started")
		if err := esrv.Shutdown(ctx); err != nil {
			return fmt.Errorf("could not stop electrum service gracefully: %w", err)
		}
	}

	return nil
}
