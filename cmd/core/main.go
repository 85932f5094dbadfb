package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"minerlink/internal/api"
	"minerlink/internal/bus/embeddednats"
	"minerlink/internal/bus/natsjs"
	"minerlink/internal/config"
	"minerlink/internal/core/manager"
	"minerlink/internal/core/registry"
	"minerlink/internal/credentials"
	"minerlink/internal/discovery/subnets"
	"minerlink/internal/events"
	"minerlink/internal/fingerprint"
	"minerlink/internal/fleet"
	"minerlink/internal/identify"
	"minerlink/internal/logging"
	"minerlink/internal/mikrotik"
	"minerlink/internal/miner"
	"minerlink/internal/netutil"
	"minerlink/internal/retry"
	"minerlink/internal/secrets"
	"minerlink/internal/session"
	"minerlink/internal/settings"
	"minerlink/internal/storage"
	"minerlink/internal/storage/sqlite"
	"minerlink/internal/transport/cgminer"
	"minerlink/internal/transport/dial"
	"minerlink/internal/transport/httpapi"
	"minerlink/internal/transport/sshexec"
	"minerlink/internal/version"
)

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", os.Getenv("MINERLINK_CONFIG"), "path to the YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(2)
	}

	// encrypt seals a credential value for the config file.
	if flag.Arg(0) == "encrypt" {
		if err := encrypt(cfg.DataDir, flag.Args()[1:]); err != nil {
			fmt.Fprintln(os.Stderr, "encrypt:", err)
			os.Exit(1)
		}
		return
	}

	lg, err := logging.New(logging.Config{Level: cfg.Log.Level, Development: cfg.Log.Development})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(2)
	}
	log := lg.Logger
	defer func() { _ = log.Sync() }()

	log.Info("starting core", zap.String("version", version.String()), zap.String("revision", version.Revision()))

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(rootCtx, cfg, log, lg.Level); err != nil {
		log.Fatal("core stopped", zap.Error(err))
	}
}

func encrypt(dataDir string, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: core encrypt <value>")
	}
	sec, err := secrets.Open(dataDir)
	if err != nil {
		return err
	}
	sealed, err := sec.Seal(args[0])
	if err != nil {
		return err
	}
	fmt.Println(sealed)
	return nil
}

func run(rootCtx context.Context, cfg *config.Config, log *zap.Logger, level http.Handler) error {
	sec, err := secrets.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("secrets: %w", err)
	}
	creds, err := credentials.FromConfig(cfg.Credentials, sec)
	if err != nil {
		return fmt.Errorf("credentials: %w", err)
	}

	schema, err := events.LoadSchema()
	if err != nil {
		return fmt.Errorf("event schema: %w", err)
	}

	// Embedded NATS (optional) and JetStream publisher.
	var emb *embeddednats.Server
	var js *natsjs.Client
	if cfg.NATS.Enabled {
		natsURL := cfg.NATS.URL
		if cfg.NATS.Embedded.Enabled {
			emb, err = embeddednats.Start(embeddednats.Config{
				Host:     cfg.NATS.Embedded.Host,
				Port:     cfg.NATS.Embedded.Port,
				HTTPPort: cfg.NATS.Embedded.HTTPPort,
				StoreDir: cfg.NATS.Embedded.StoreDir,
				MaxStore: cfg.NATS.Embedded.MaxStore,
				Debug:    cfg.Log.Level == "debug",
			}, log.Named("nats"))
			if err != nil {
				return fmt.Errorf("embedded nats: %w", err)
			}
			defer emb.Shutdown()
			natsURL = emb.ClientURL()
		}
		js, err = natsjs.Connect(natsjs.Config{
			URL:     natsURL,
			Prefix:  cfg.NATS.Prefix,
			Timeout: cfg.NATS.Timeout.Duration(),
			MaxAge:  cfg.NATS.Retention.Duration(),
		})
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		defer func() { _ = js.Close() }()
		if err := js.EnsureStreams(); err != nil {
			return fmt.Errorf("nats streams: %w", err)
		}
	}

	db, err := sqlite.New(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer func() { _ = db.Close() }()

	devices := registry.NewStore()
	sinks := []events.Sink{
		events.LogSink{Log: log.Named("events")},
		devices,
		&storage.Sink{
			Devices:       db,
			Snapshots:     db,
			Events:        db,
			Schema:        schema,
			Prefix:        cfg.NATS.Prefix,
			KeepSnapshots: cfg.Storage.KeepSnapshots,
			Log:           log.Named("storage"),
		},
	}
	if js != nil {
		sinks = append(sinks, &events.BusSink{
			Schema:  schema,
			Pub:     js,
			Prefix:  cfg.NATS.Prefix,
			Timeout: cfg.NATS.Timeout.Duration(),
			Log:     log.Named("bus"),
		})
	}
	sink := events.Multi(sinks...)

	table, err := fingerprint.Default()
	if err != nil {
		return fmt.Errorf("fingerprints: %w", err)
	}
	order, err := identify.ParseOrder(cfg.Identify.Order)
	if err != nil {
		return err
	}
	t := cfg.Transports
	dialer := dial.Factory{
		Socket: cgminer.Config{Port: t.Socket.Port, DialTimeout: t.Socket.DialTimeout.Duration(), KeepAlive: t.Socket.KeepAlive},
		HTTP:   httpapi.Config{Scheme: t.HTTP.Scheme, Port: t.HTTP.Port, DialTimeout: t.HTTP.DialTimeout.Duration(), Timeout: t.HTTP.Timeout.Duration()},
		SSH:    sshexec.Config{Port: t.SSH.Port, DialTimeout: t.SSH.DialTimeout.Duration()},
	}
	m := manager.New(dialer, table, creds, manager.Config{
		Identify: identify.Options{Order: order, ProbeTimeout: cfg.Identify.ProbeTimeout.Duration()},
		Session: session.Options{
			Retry: retry.Policy{
				Attempts:   cfg.Retry.Attempts,
				Backoff:    cfg.Retry.Backoff.Duration(),
				MaxBackoff: cfg.Retry.MaxBackoff.Duration(),
				Multiplier: cfg.Retry.Multiplier,
			},
			IdleTimeout:    cfg.Session.IdleTimeout.Duration(),
			RejectWhenBusy: cfg.Session.RejectWhenBusy,
		},
		Scan: fleet.Options{
			Concurrency:      cfg.Scan.Concurrency,
			PerDeviceTimeout: cfg.Scan.PerDeviceTimeout.Duration(),
			Deadline:         cfg.Scan.Deadline.Duration(),
		},
	}, log, sink)
	defer func() { _ = m.Close() }()

	subs := subnets.NewStore()
	for _, spec := range cfg.Scan.Targets {
		if _, err := subs.AddFrom(subnets.SourceConfig, spec, ""); err != nil {
			return fmt.Errorf("scan target %q: %w", spec, err)
		}
	}
	st, err := settings.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("settings: %w", err)
	}
	st.Restore(subs, log)
	go st.Watch(rootCtx, subs, log.Named("settings"))

	startedAt := time.Now().UTC()
	srv := api.New(rootCtx, api.Options{
		Core:      m,
		Devices:   devices,
		Subnets:   subs,
		Snapshots: db,
		Log:       log,
		LogLevel:  level,
		Poll:      cfg.Scan.Poll,
		Status: func() map[string]any {
			st := map[string]any{
				"nats_connected": js != nil && js.Connected(),
				"embedded_nats":  emb != nil,
				"storage":        cfg.Storage.Path,
			}
			if js != nil {
				if stats, err := js.Stats(); err == nil {
					st["nats_stream"] = stats
				}
			}
			return st
		},
	})
	defer srv.Close()

	ln, actualAddr, err := listenWithFallback(cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("http listen %s: %w", cfg.HTTPAddr, err)
	}
	if actualAddr != cfg.HTTPAddr {
		log.Warn("http addr was busy; switched", zap.String("from", cfg.HTTPAddr), zap.String("to", actualAddr))
	}
	httpSrv := &http.Server{Handler: srv.Handler(), ReadHeaderTimeout: 10 * time.Second}
	exitCh := make(chan error, 1)
	go func() {
		log.Info("core http listening", zap.String("addr", actualAddr))
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			exitCh <- err
		}
	}()

	if cfg.Scan.Interval.Duration() > 0 {
		sources := targetSources{subnets: subs}
		if cfg.MikroTik.Enabled {
			sources.mikrotik, err = routerSource(cfg.MikroTik, sec)
			if err != nil {
				return err
			}
		}
		go periodicScan(rootCtx, log.Named("scan"), m, cfg.Scan, sources)
	}

	select {
	case <-rootCtx.Done():
		log.Info("shutting down", zap.Duration("uptime", time.Since(startedAt)))
	case err := <-exitCh:
		log.Error("http serve", zap.Error(err))
	}

	ctxTimeout, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(ctxTimeout)
	return nil
}

type targetSources struct {
	subnets  *subnets.Store
	mikrotik func(ctx context.Context) ([]miner.Address, error)
}

func (s targetSources) collect(ctx context.Context, log *zap.Logger) []miner.Address {
	addrs := s.subnets.EnabledTargets()
	if s.mikrotik != nil {
		leases, err := s.mikrotik(ctx)
		if err != nil {
			log.Warn("mikrotik leases unavailable", zap.Error(err))
		} else {
			addrs = append(addrs, leases...)
		}
	}
	return addrs
}

// routerSource dials RouterOS on every call; scans are minutes apart and the
// API connection does not survive router restarts.
func routerSource(c config.MikroTik, sec *secrets.Secrets) (func(ctx context.Context) ([]miner.Address, error), error) {
	password, err := sec.Reveal(c.Password)
	if err != nil {
		return nil, fmt.Errorf("mikrotik password: %w", err)
	}
	var filter *netutil.Matcher
	if strings.TrimSpace(c.Subnets) != "" {
		if filter, err = netutil.ParseMatcher(c.Subnets); err != nil {
			return nil, fmt.Errorf("mikrotik subnets: %w", err)
		}
	}
	rc := mikrotik.Config{Address: c.Address, Username: c.Username, Password: password, TLS: c.TLS}
	return func(ctx context.Context) ([]miner.Address, error) {
		r, err := mikrotik.Dial(ctx, rc)
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return mikrotik.LeaseTargets(ctx, r, filter)
	}, nil
}

func periodicScan(ctx context.Context, log *zap.Logger, m *manager.Manager, cfg config.Scan, sources targetSources) {
	ticker := time.NewTicker(cfg.Interval.Duration())
	defer ticker.Stop()
	for {
		addrs := sources.collect(ctx, log)
		if len(addrs) == 0 {
			log.Debug("no scan targets")
		} else if res, err := m.Scan(ctx, addrs, fleet.Options{Poll: cfg.Poll}); err != nil {
			if ctx.Err() == nil {
				log.Warn("scan failed", zap.Error(err))
			}
		} else {
			s := res.Summary()
			log.Info("scan completed",
				zap.String("scan", s.ID),
				zap.Int("total", s.Total),
				zap.Int("identified", s.Identified),
				zap.Int("timed_out", s.TimedOut),
				zap.Duration("took", s.Duration))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func listenWithFallback(addr string) (net.Listener, string, error) {
	ln, err := net.Listen("tcp", addr)
	if err == nil {
		return ln, addr, nil
	}

	// Try port+1..port+20 on "address already in use" only.
	if !isAddrInUse(err) {
		return nil, "", err
	}

	host, portStr, splitErr := net.SplitHostPort(addr)
	if splitErr != nil {
		return nil, "", err
	}
	port, _ := strconv.Atoi(portStr)
	if port == 0 {
		return nil, "", err
	}

	for i := 1; i <= 20; i++ {
		tryAddr := net.JoinHostPort(host, strconv.Itoa(port+i))
		ln, e := net.Listen("tcp", tryAddr)
		if e == nil {
			return ln, tryAddr, nil
		}
	}
	return nil, "", err
}

func isAddrInUse(err error) bool {
	if errors.Is(err, syscall.EADDRINUSE) {
		return true
	}
	// Windows phrasing.
	return strings.Contains(strings.ToLower(err.Error()), "only one usage of each socket address")
}
