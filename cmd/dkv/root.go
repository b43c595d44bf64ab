package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SharefulNetworks/shareful-dkv/config"
	"github.com/SharefulNetworks/shareful-dkv/dht"
	"github.com/SharefulNetworks/shareful-dkv/discovery"
	"github.com/SharefulNetworks/shareful-dkv/logging"
	"github.com/SharefulNetworks/shareful-dkv/netx"
	"github.com/SharefulNetworks/shareful-dkv/session"
	"github.com/SharefulNetworks/shareful-dkv/types"
	"github.com/cenkalti/backoff/v4"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const quicListenAddr = "/ip4/0.0.0.0/udp/0/quic-v1"

type options struct {
	configPath  string
	listen      []string
	transport   string
	bootstrap   []string
	identity    string
	noDiscovery bool
	metricsAddr string
	logLevel    string
	quorum      string
}

func newRootCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dkv",
		Short: "Peer to peer key/value store over a Kademlia overlay",
		Long: `dkv joins a Kademlia overlay and reads commands from stdin, one per line:

  GET <key>
  PUT <key> <value>
  GET_PROVIDERS <key>
  PUT_PROVIDER <key>

Results are printed to stdout as they arrive, errors to stderr.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd, opts)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.configPath, "config", "c", "", "YAML configuration file")
	f.StringArrayVarP(&opts.listen, "listen", "l", nil, "multiaddr to listen on (repeatable)")
	f.StringVar(&opts.transport, "transport", "tcp", "transport: tcp or quic")
	f.StringArrayVarP(&opts.bootstrap, "bootstrap", "b", nil, "multiaddr of a bootstrap peer (repeatable)")
	f.StringVar(&opts.identity, "identity", "", "file holding the node's ed25519 seed, created if missing")
	f.BoolVar(&opts.noDiscovery, "no-discovery", false, "disable LAN multicast discovery")
	f.StringVar(&opts.metricsAddr, "metrics-addr", "", "host:port serving /metrics, empty to disable")
	f.StringVar(&opts.logLevel, "log-level", "info", "log level: debug, info, warn or error")
	f.StringVarP(&opts.quorum, "quorum", "q", "", "quorum for every operation: one, majority, all or a number")
	return cmd
}

// resolveConfig - Loads the configuration file, when given, and applies the
// flags the operator set explicitly on top of it.
func resolveConfig(cmd *cobra.Command, opts *options) (*config.Config, error) {
	cfg := config.Default()
	if opts.configPath != "" {
		loaded, err := config.Load(opts.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	f := cmd.Flags()
	if f.Changed("transport") {
		cfg.Transport = opts.transport
		if cfg.Transport == "quic" && !f.Changed("listen") && opts.configPath == "" {
			cfg.ListenAddrs = []string{quicListenAddr}
		}
	}
	if f.Changed("listen") {
		cfg.ListenAddrs = opts.listen
	}
	if f.Changed("bootstrap") {
		cfg.BootstrapPeers = append(cfg.BootstrapPeers, opts.bootstrap...)
	}
	if f.Changed("identity") {
		cfg.IdentityFile = opts.identity
	}
	if opts.noDiscovery {
		cfg.Discovery.Enabled = false
	}
	if f.Changed("metrics-addr") {
		cfg.MetricsAddr = opts.metricsAddr
	}
	if f.Changed("log-level") {
		cfg.Log.Level = opts.logLevel
	}
	if f.Changed("quorum") {
		cfg.Quorum = config.QuorumConfig{Get: opts.quorum, Put: opts.quorum, Provide: opts.quorum}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(ctx context.Context, cfg *config.Config, stdin io.Reader, stdout, stderr io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Encoding)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ident, err := loadIdentity(cfg)
	if err != nil {
		return err
	}
	transport, err := newTransport(cfg, ident, log)
	if err != nil {
		return err
	}

	node := dht.NewNode(ident, transport, cfg, dht.WithLogger(log))
	defer node.Close()
	log.Info("node started", zap.String("id", node.ID().String()), zap.String("transport", cfg.Transport))

	listenAddrs, _ := types.ParseAddrs(cfg.ListenAddrs)
	for _, addr := range listenAddrs {
		if _, err := node.Listen(addr); err != nil {
			return fmt.Errorf("listen on %s: %w", addr, err)
		}
	}
	getQ, putQ, provideQ, err := cfg.Quorums()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	sess := session.New(node, stdin, stdout, stderr, session.Options{
		GetQuorum:     getQ,
		PutQuorum:     putQ,
		ProvideQuorum: provideQ,
		Logger:        log,
	})
	g.Go(func() error { return sess.Run(ctx) })

	if cfg.Discovery.Enabled {
		mc, err := discovery.NewMulticast(node.ID(), node.ListenAddrs, discovery.MulticastOptions{
			Group:     cfg.Discovery.Group,
			Port:      cfg.Discovery.Port,
			Interval:  cfg.Discovery.Interval,
			QueueSize: cfg.DiscoveryQueueSize,
			Logger:    log,
		})
		if err != nil {
			//the node stays usable through bootstrap peers alone.
			log.Warn("LAN discovery unavailable", zap.Error(err))
		} else {
			bridge := discovery.NewBridge(mc, node.Discoveries(), log)
			g.Go(func() error { return ignoreCancel(ctx, mc.Run(ctx)) })
			g.Go(func() error { return ignoreCancel(ctx, bridge.Run(ctx)) })
		}
	}

	if len(cfg.BootstrapPeers) > 0 {
		peers, _ := types.ParseAddrs(cfg.BootstrapPeers)
		g.Go(func() error {
			dialBootstrapPeers(ctx, node, peers, cfg, log)
			return nil
		})
	}

	if cfg.MetricsAddr != "" {
		serveMetrics(ctx, g, node, cfg.MetricsAddr, log)
	}

	return g.Wait()
}

func loadIdentity(cfg *config.Config) (*types.Identity, error) {
	if cfg.IdentityFile == "" {
		return types.GenerateIdentity()
	}
	ident, err := types.LoadOrCreateIdentity(cfg.IdentityFile)
	if err != nil {
		return nil, fmt.Errorf("identity %s: %w", cfg.IdentityFile, err)
	}
	return ident, nil
}

func newTransport(cfg *config.Config, ident *types.Identity, log *zap.Logger) (netx.Transport, error) {
	opts := netx.Options{
		Workers:           cfg.OutboundQueueWorkerCount,
		IdleTimeout:       cfg.PooledConnectionIdleTimeout,
		IdleCheckInterval: cfg.PooledConnectionIdleCheckInterval,
		Logger:            log,
	}
	if cfg.Transport == "quic" {
		return netx.NewQUIC(ident.PrivateKey(), opts)
	}
	return netx.NewTCP(opts), nil
}

// dialBootstrapPeers - Connects to each configured bootstrap peer, retrying with
// exponential backoff until BootstrapMaxElapsed, then runs a bootstrap query when
// auto bootstrap is off. A peer that never answers is logged and skipped.
func dialBootstrapPeers(ctx context.Context, node *dht.Node, peers []ma.Multiaddr, cfg *config.Config, log *zap.Logger) {
	connected := 0
	for _, addr := range peers {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 200 * time.Millisecond
		b.MaxElapsedTime = cfg.BootstrapMaxElapsed

		var id types.PeerID
		err := backoff.RetryNotify(func() error {
			var err error
			id, err = node.Connect(ctx, addr)
			if errors.Is(err, dht.ErrClosed) {
				return backoff.Permanent(err)
			}
			return err
		}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
			log.Debug("bootstrap peer not answering", zap.Stringer("addr", addr), zap.Duration("retry_in", wait), zap.Error(err))
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("bootstrap peer unreachable", zap.Stringer("addr", addr), zap.Error(err))
			continue
		}
		log.Info("connected to bootstrap peer", zap.String("peer", id.Short()), zap.Stringer("addr", addr))
		connected++
	}
	if connected > 0 && !cfg.AutoBootstrap {
		node.Bootstrap()
	}
}

func serveMetrics(ctx context.Context, g *errgroup.Group, node *dht.Node, addr string, log *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(node.Registry(), promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	}))
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g.Go(func() error {
		log.Info("serving metrics", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
}

func ignoreCancel(ctx context.Context, err error) error {
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}
