package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/3cpo-dev/clusterctl/internal/agent"
	core "github.com/3cpo-dev/clusterctl/internal/core"
	"github.com/3cpo-dev/clusterctl/internal/fabric"
	"github.com/3cpo-dev/clusterctl/internal/registry"
	gssh "github.com/3cpo-dev/clusterctl/internal/ssh"
	"github.com/3cpo-dev/clusterctl/internal/topology"
)

func loadConfig(cmd *cobra.Command) (core.Config, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	return core.LoadConfig(cfgPath)
}

// The orchestrator joins as a client member: it has no nodename and never
// receives work.
func newJoiner(cfg core.Config) *fabric.GossipJoiner {
	return fabric.NewGossipJoiner(fabric.GossipConfig{
		NodeName:     "clusterctl-" + uuid.NewString()[:8],
		BindAddr:     cfg.Fabric.BindAddr,
		SeedPort:     cfg.Fabric.Port,
		Self:         fabric.Member{Role: fabric.RoleClient},
		JoinAttempts: cfg.Fabric.JoinAttempts,
	})
}

func newTransport(cfg core.Config) (*fabric.HTTPTransport, error) {
	t := &fabric.HTTPTransport{Token: cfg.Agent.Token}
	if cfg.Agent.CACert != "" {
		tlsConfig, err := agent.ClientTLSConfig(cfg.Agent.CACert, cfg.Agent.ClientCert, cfg.Agent.ClientKey)
		if err != nil {
			return nil, err
		}
		t.TLS = tlsConfig
	}
	return t, nil
}

// Initialize configuration, SSH key and known_hosts
func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "clusterctl initialization command. Run this the first time.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			if cfgPath == "" {
				cfgPath = filepath.Join(core.ConfigDir(), "config.yaml")
			}
			written, err := core.WriteConfig(cfgPath, core.DefaultConfig())
			if err != nil {
				return err
			}
			if written {
				fmt.Printf("created default config at %s\n", cfgPath)
			}
			cfg, err := core.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			keyPath := filepath.Join(cfg.SSH.KeyDir, "id_ed25519")
			if _, err := os.Stat(keyPath); os.IsNotExist(err) {
				if _, err := gssh.GenerateEd25519Keypair(keyPath, "clusterctl"); err != nil {
					return err
				}
				fmt.Printf("generated SSH key %s\n", keyPath)
			}
			if err := gssh.EnsureKnownHostsFile(cfg.SSH.KnownHosts); err != nil {
				return err
			}
			fmt.Printf("known_hosts ready at %s\n", cfg.SSH.KnownHosts)
			return nil
		},
	}
}

func newTopologyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "topology",
		Short: "Inspect topology files",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a topology file and print its layout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			topo, err := topology.Load(args[0])
			if err != nil {
				return err
			}
			dist := topo.Distribution()
			fmt.Printf("topology %s (distribution %s)\n", topo.ID(), dist.Version)
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "GROUP\tSERVER\tHOST\tTSA\tGROUP PORT")
			for _, g := range topo.ServerGroups() {
				for _, s := range g.Servers {
					fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\n", g.Name, s.SymbolicName, s.Hostname, s.TSAPort, s.GroupPort)
				}
			}
			return w.Flush()
		},
	})
	return cmd
}

// Install and start a topology, then hold it until interrupted
func newUpCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "up <topology-file>",
		Short: "Install and start every server of a topology",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			topo, err := topology.Load(args[0])
			if err != nil {
				return err
			}
			if offline, _ := cmd.Flags().GetBool("offline"); offline {
				cfg.Offline = true
			}
			timeout, _ := cmd.Flags().GetDuration("timeout")
			if timeout <= 0 {
				timeout = cfg.StartTimeout
			}
			detach, _ := cmd.Flags().GetBool("detach")
			stopOnExit, _ := cmd.Flags().GetBool("stop-on-exit")

			reg, err := registry.Open(cfg.Registry)
			if err != nil {
				return err
			}
			defer reg.Close()
			if err := reg.Ping(cmd.Context()); err != nil {
				return fmt.Errorf("install registry: %w", err)
			}
			transport, err := newTransport(cfg)
			if err != nil {
				return err
			}
			orch := core.NewOrchestrator(newJoiner(cfg), transport, reg, core.Options{Seeds: cfg.Fabric.Seeds, Offline: cfg.Offline})

			ctx := cmd.Context()
			if err := orch.BindTopology(topo); err != nil {
				return err
			}
			if err := orch.Init(ctx); err != nil {
				return err
			}
			startErr := orch.StartAllWithTimeout(ctx, timeout)
			printStates(topo, orch)
			if startErr != nil || detach {
				closeTopology(orch, topo, false)
				return startErr
			}

			fmt.Println("topology is up; press Ctrl-C to release it")
			<-ctx.Done()
			closeTopology(orch, topo, stopOnExit)
			return nil
		},
	}
	cmd.Flags().Duration("timeout", 0, "per-server start timeout (defaults to the configured start_timeout)")
	cmd.Flags().Bool("offline", false, "install kits from the hosts' local cache only")
	cmd.Flags().Bool("detach", false, "leave the fabric right after starting; servers keep running")
	cmd.Flags().Bool("stop-on-exit", false, "stop every server before releasing the topology")
	return cmd
}

func closeTopology(orch *core.Orchestrator, topo *topology.Topology, stop bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if stop {
		for _, g := range topo.ServerGroups() {
			for _, s := range g.Servers {
				if err := orch.Stop(ctx, s.SymbolicName); err != nil {
					log.Error().Err(err).Str("server", s.SymbolicName).Msg("Failed to stop server")
				}
			}
		}
	}
	if err := orch.Close(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to close topology")
	}
}

func printStates(topo *topology.Topology, orch *core.Orchestrator) {
	states := orch.States()
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SERVER\tHOST\tSTATE")
	for _, g := range topo.ServerGroups() {
		for _, s := range g.Servers {
			fmt.Fprintf(w, "%s\t%s\t%s\n", s.SymbolicName, s.Hostname, states[s.SymbolicName])
		}
	}
	_ = w.Flush()
}

// List fabric members
func newMembersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "members [seed...]",
		Short: "List the members of the execution fabric",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			seeds := args
			if len(seeds) == 0 {
				seeds = cfg.Fabric.Seeds
			}
			if len(seeds) == 0 {
				return fmt.Errorf("no seeds: pass hosts as arguments or set fabric.seeds")
			}
			membership, err := newJoiner(cfg).Join(cmd.Context(), seeds)
			if err != nil {
				return err
			}
			defer membership.Leave(context.WithoutCancel(cmd.Context()))

			members := membership.Members()
			sort.Slice(members, func(i, j int) bool { return members[i].Name < members[j].Name })
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tNODENAME\tAGENT\tROLE")
			for _, m := range members {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", m.Name, m.Hostname, m.AgentAddr, m.Role)
			}
			return w.Flush()
		},
	}
}

// Inspect and trust the kit mirror
func newMirrorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mirror",
		Short: "Manage the kit mirror host",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "trust <authorized-key>",
		Short: "Pin the mirror's host key in known_hosts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.Mirror.Addr == "" {
				return fmt.Errorf("mirror.addr is not configured")
			}
			added, err := gssh.AppendKnownHost(cfg.SSH.KnownHosts, cfg.Mirror.Addr, args[0])
			if err != nil {
				return err
			}
			if added {
				fmt.Printf("pinned host key for %s\n", cfg.Mirror.Addr)
			} else {
				fmt.Printf("host key for %s already pinned\n", cfg.Mirror.Addr)
			}
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "ls",
		Short: "List the kits available on the mirror",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			keyPath := cfg.Mirror.KeyPath
			if keyPath == "" {
				keyPath = filepath.Join(cfg.SSH.KeyDir, "id_ed25519")
			}
			signer, err := gssh.LoadPrivateKeySigner(keyPath)
			if err != nil {
				return err
			}
			knownHosts := cfg.Mirror.KnownHosts
			if knownHosts == "" {
				knownHosts = cfg.SSH.KnownHosts
			}
			kh, err := gssh.LoadKnownHostsCallback(knownHosts)
			if err != nil {
				return err
			}
			c := &gssh.Client{Addr: cfg.Mirror.Addr, User: cfg.Mirror.User, Signer: signer, KnownHosts: kh, Timeout: 15 * time.Second, Retries: cfg.Mirror.Retries, Backoff: 500 * time.Millisecond}
			cli, err := gssh.Dial(cmd.Context(), c)
			if err != nil {
				return err
			}
			defer cli.Close()
			out, err := gssh.RunCommand(cli, "ls -1 "+shellQuote(cfg.Mirror.Dir))
			if err != nil {
				return err
			}
			fmt.Println(strings.TrimSpace(out))
			return nil
		},
	})
	return cmd
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Generate shell completion scripts
func newCompletionCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "completion [bash|zsh|fish|powershell]",
		Short:     "Generate shell completion script",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"bash", "zsh", "fish", "powershell"},
		RunE: func(cmd *cobra.Command, args []string) error {
			root := cmd.Root()
			switch args[0] {
			case "bash":
				return root.GenBashCompletion(os.Stdout)
			case "zsh":
				return root.GenZshCompletion(os.Stdout)
			case "fish":
				return root.GenFishCompletion(os.Stdout, true)
			default:
				return root.GenPowerShellCompletionWithDesc(os.Stdout)
			}
		},
	}
}
