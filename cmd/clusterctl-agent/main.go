package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/vrischmann/envconfig"

	"github.com/3cpo-dev/clusterctl/internal/agent"
	"github.com/3cpo-dev/clusterctl/internal/distribution"
	"github.com/3cpo-dev/clusterctl/internal/fabric"
	"github.com/3cpo-dev/clusterctl/internal/kit"
	"github.com/3cpo-dev/clusterctl/internal/registry"
	"github.com/3cpo-dev/clusterctl/internal/telemetry"
)

var version = "0.1.0"

type Config struct {
	Hostname  string `envconfig:"CLUSTERCTL_AGENT_HOSTNAME,optional"`
	Listen    string `envconfig:"CLUSTERCTL_AGENT_LISTEN,default=:8088"`
	Advertise string `envconfig:"CLUSTERCTL_AGENT_ADVERTISE,optional"`
	Token     string `envconfig:"CLUSTERCTL_AGENT_TOKEN,optional"`
	LogLevel  string `envconfig:"CLUSTERCTL_LOG_LEVEL,default=info"`
	Offline   bool   `envconfig:"CLUSTERCTL_OFFLINE,default=false"`

	GossipBind string   `envconfig:"CLUSTERCTL_GOSSIP_BIND,optional"`
	GossipPort int      `envconfig:"CLUSTERCTL_GOSSIP_PORT,default=7946"`
	Seeds      []string `envconfig:"CLUSTERCTL_SEEDS,optional"`

	RegistryBackend string   `envconfig:"CLUSTERCTL_REGISTRY_BACKEND,default=etcd"`
	EtcdEndpoints   []string `envconfig:"CLUSTERCTL_ETCD_ENDPOINTS,default=127.0.0.1:2379"`
	SQLitePath      string   `envconfig:"CLUSTERCTL_SQLITE_PATH,optional"`

	KitCache string `envconfig:"CLUSTERCTL_KIT_CACHE,default=/var/cache/clusterctl/kits"`
	KitWork  string `envconfig:"CLUSTERCTL_KIT_WORK,default=/var/lib/clusterctl/installs"`

	MirrorAddr       string `envconfig:"CLUSTERCTL_MIRROR_ADDR,optional"`
	MirrorUser       string `envconfig:"CLUSTERCTL_MIRROR_USER,default=kits"`
	MirrorKey        string `envconfig:"CLUSTERCTL_MIRROR_KEY,optional"`
	MirrorKnownHosts string `envconfig:"CLUSTERCTL_MIRROR_KNOWN_HOSTS,optional"`
	MirrorDir        string `envconfig:"CLUSTERCTL_MIRROR_DIR,default=/srv/kits"`
	MirrorRetries    int    `envconfig:"CLUSTERCTL_MIRROR_RETRIES,default=3"`

	TLSCert     string `envconfig:"CLUSTERCTL_AGENT_TLS_CERT,optional"`
	TLSKey      string `envconfig:"CLUSTERCTL_AGENT_TLS_KEY,optional"`
	TLSClientCA string `envconfig:"CLUSTERCTL_AGENT_CLIENT_CA,optional"`
	RequireMTLS bool   `envconfig:"CLUSTERCTL_AGENT_REQUIRE_MTLS,default=false"`
}

func loggerLevelFromString(s string) zerolog.Level {
	level, err := zerolog.ParseLevel(s)
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg := Config{}
	if err := envconfig.Init(&cfg); err != nil {
		log.Fatal().Err(err).Msg("failed to read agent config")
	}
	zerolog.SetGlobalLevel(loggerLevelFromString(cfg.LogLevel))
	if cfg.Hostname == "" {
		h, err := os.Hostname()
		if err != nil {
			log.Fatal().Err(err).Msg("failed to resolve hostname")
		}
		cfg.Hostname = h
	}
	telemetry.InitGlobal(true)

	reg, err := registry.Open(registry.Config{
		Backend:       cfg.RegistryBackend,
		EtcdEndpoints: cfg.EtcdEndpoints,
		SQLitePath:    cfg.SQLitePath,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open install registry")
	}
	defer reg.Close()
	pingCtx, pingCancel := context.WithTimeout(ctx, 10*time.Second)
	err = reg.Ping(pingCtx)
	pingCancel()
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.RegistryBackend).Msg("install registry unreachable")
	}

	var fetcher kit.Fetcher
	if cfg.MirrorAddr != "" {
		fetcher = kit.NewSFTPFetcher(kit.MirrorConfig{
			Addr:       cfg.MirrorAddr,
			User:       cfg.MirrorUser,
			KeyPath:    cfg.MirrorKey,
			KnownHosts: cfg.MirrorKnownHosts,
			Dir:        cfg.MirrorDir,
			Retries:    cfg.MirrorRetries,
		})
	}
	controllers := distribution.NewRegistry("process")
	controllers.Register("process", distribution.NewProcessController())

	srv := agent.New(agent.Config{
		Hostname:    cfg.Hostname,
		Version:     version,
		Token:       cfg.Token,
		Offline:     cfg.Offline,
		Registry:    reg,
		Kits:        kit.NewManager(kit.Config{CacheDir: cfg.KitCache, WorkDir: cfg.KitWork}, fetcher),
		Controllers: controllers,
	})
	tlsConfig := agent.MTLSConfig{Cert: cfg.TLSCert, Key: cfg.TLSKey, ClientCA: cfg.TLSClientCA, RequireMTLS: cfg.RequireMTLS}
	go func() {
		var err error
		if tlsConfig.Enabled() {
			err = srv.ListenAndServeTLS(cfg.Listen, tlsConfig)
		} else {
			err = srv.ListenAndServe(cfg.Listen)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("agent server failed")
		}
	}()

	advertise := cfg.Advertise
	if advertise == "" {
		_, port, err := net.SplitHostPort(cfg.Listen)
		if err != nil {
			log.Fatal().Err(err).Str("listen", cfg.Listen).Msg("invalid listen address")
		}
		advertise = ":" + port
	}
	joiner := fabric.NewGossipJoiner(fabric.GossipConfig{
		NodeName: cfg.Hostname,
		BindAddr: cfg.GossipBind,
		Port:     cfg.GossipPort,
		Self: fabric.Member{
			Name:      cfg.Hostname,
			Hostname:  cfg.Hostname,
			AgentAddr: advertise,
			Role:      fabric.RoleServer,
		},
	})
	membership, err := joiner.Join(ctx, cfg.Seeds)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to join fabric")
	}
	log.Warn().Msgf("running agent for host %s", cfg.Hostname)

	<-ctx.Done()
	log.Info().Msg("clusterctl-agent shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := membership.Leave(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to leave fabric")
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to shut down agent server")
	}
	telemetry.Shutdown()
}
