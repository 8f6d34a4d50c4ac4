package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"whispernet/internal/config"
	"whispernet/internal/entropy"
	"whispernet/internal/logging"
	"whispernet/internal/node"
	"whispernet/internal/pprofutil"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "whispernet",
		Short:         "Ephemeral encrypted overlay node",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		runCmd(),
		identityCmd(),
		whisperCmd(),
		broadcastCmd(),
		resonateCmd(),
		statusCmd(),
	)
	return root
}

func defaultStatsFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "whispernet-stats.json")
	}
	return filepath.Join(home, ".whispernet", "stats.json")
}

// sessionFlags are shared by every command that spins up a node.
type sessionFlags struct {
	configPath string
	peers      []string
	debug      bool
}

func (s *sessionFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&s.configPath, "config", "", "YAML config file")
	cmd.Flags().StringArrayVar(&s.peers, "peer", nil, "bootstrap peer as <node-id>|<hex-pubkey>|<addr>")
	cmd.Flags().BoolVar(&s.debug, "debug", false, "verbose logging")
}

// withSession builds an ephemeral node, introduces the bootstrap peers, waits
// for at least one sending-state peer, and hands control to fn.
func (s *sessionFlags) withSession(fn func(ctx context.Context, n *node.Node) error) error {
	cfg, err := config.Load(s.configPath)
	if err != nil {
		return err
	}
	if s.debug {
		cfg.Debug = true
	}
	log := logging.New(cfg.Debug)
	defer log.Sync() //nolint:errcheck

	statics := make([]node.StaticPeer, 0, len(s.peers))
	for _, raw := range s.peers {
		p, err := node.ParseStaticPeer(raw)
		if err != nil {
			return err
		}
		statics = append(statics, p)
	}
	if len(statics) == 0 {
		return fmt.Errorf("at least one --peer is required")
	}

	n, err := node.New(cfg, log)
	if err != nil {
		return fmt.Errorf("start node: %w", err)
	}
	n.Orch.Start()
	defer n.Orch.Shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	n.ConnectStatic(ctx, statics)

	waitCtx, cancel := context.WithTimeout(ctx, cfg.Connection.Timeout())
	reached := n.AwaitPeers(waitCtx, 1)
	cancel()
	if !reached {
		return fmt.Errorf("no peer reached a sending state")
	}
	return fn(ctx, n)
}

func runCmd() *cobra.Command {
	var (
		session    sessionFlags
		listenAddr string
		statsFile  string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a node and serve until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(session.configPath)
			if err != nil {
				return err
			}
			if session.debug {
				cfg.Debug = true
			}
			log := logging.New(cfg.Debug)
			defer log.Sync() //nolint:errcheck

			statics := make([]node.StaticPeer, 0, len(session.peers))
			for _, raw := range session.peers {
				p, err := node.ParseStaticPeer(raw)
				if err != nil {
					return err
				}
				statics = append(statics, p)
			}

			if err := pprofutil.Serve(cmd.ErrOrStderr()); err != nil {
				return err
			}

			n, err := node.New(cfg, log)
			if err != nil {
				return fmt.Errorf("start node: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "node_id=%s public_key=%s\n",
				n.ID, hex.EncodeToString(n.Keys.PublicKey()))

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			n.ConnectStatic(ctx, statics)
			n.StartStatsWriter(ctx, statsFile, 5*time.Second)
			return n.Run(ctx, listenAddr)
		},
	}
	session.register(cmd)
	cmd.Flags().StringVar(&listenAddr, "listen", "", "listen address (host:port)")
	cmd.Flags().StringVar(&statsFile, "stats-file", defaultStatsFile(), "stats snapshot path (empty disables)")
	return cmd
}

func identityCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "id",
		Short: "Generate and print an ephemeral identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := entropy.GenerateNodeID()
			if err != nil {
				return err
			}
			keys, err := entropy.GenerateKeyPair()
			if err != nil {
				return err
			}
			defer keys.Destroy()
			fmt.Fprintf(cmd.OutOrStdout(), "node_id=%s\npublic_key=%s\n",
				id, hex.EncodeToString(keys.PublicKey()))
			return nil
		},
	}
}

func whisperCmd() *cobra.Command {
	var (
		session sessionFlags
		target  string
		message string
		intent  string
	)
	cmd := &cobra.Command{
		Use:   "whisper",
		Short: "Send one encrypted point-to-point message",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" || message == "" {
				return fmt.Errorf("--to and --message are required")
			}
			return session.withSession(func(ctx context.Context, n *node.Node) error {
				if !n.Orch.Whisper(ctx, target, message, intent) {
					return fmt.Errorf("whisper to %s not accepted", target)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "delivered")
				return nil
			})
		},
	}
	session.register(cmd)
	cmd.Flags().StringVar(&target, "to", "", "recipient node id")
	cmd.Flags().StringVar(&message, "message", "", "message content")
	cmd.Flags().StringVar(&intent, "intent", "default", "intent string")
	return cmd
}

func broadcastCmd() *cobra.Command {
	var (
		session sessionFlags
		message string
		intent  string
		maxHops int
	)
	cmd := &cobra.Command{
		Use:   "broadcast",
		Short: "Gossip a message through the overlay",
		RunE: func(cmd *cobra.Command, args []string) error {
			if message == "" {
				return fmt.Errorf("--message is required")
			}
			return session.withSession(func(ctx context.Context, n *node.Node) error {
				accepted := n.Orch.Broadcast(ctx, message, intent, maxHops)
				fmt.Fprintf(cmd.OutOrStdout(), "accepted=%d\n", accepted)
				if accepted == 0 {
					return fmt.Errorf("no transport accepted the broadcast")
				}
				return nil
			})
		},
	}
	session.register(cmd)
	cmd.Flags().StringVar(&message, "message", "", "message content")
	cmd.Flags().StringVar(&intent, "intent", "default", "intent string")
	cmd.Flags().IntVar(&maxHops, "max-hops", 0, "hop cap (0 uses the configured default)")
	return cmd
}

func resonateCmd() *cobra.Command {
	var (
		session  sessionFlags
		intent   string
		strength float64
	)
	cmd := &cobra.Command{
		Use:   "resonate",
		Short: "Advertise an intent to connected peers",
		RunE: func(cmd *cobra.Command, args []string) error {
			if intent == "" {
				return fmt.Errorf("--intent is required")
			}
			if strength < 0 || strength > 1 {
				return fmt.Errorf("--strength must be in [0,1]")
			}
			return session.withSession(func(ctx context.Context, n *node.Node) error {
				accepted := n.Orch.Resonate(ctx, intent, strength)
				fmt.Fprintf(cmd.OutOrStdout(), "accepted=%d\n", accepted)
				if accepted == 0 {
					return fmt.Errorf("no transport accepted the resonance")
				}
				return nil
			})
		},
	}
	session.register(cmd)
	cmd.Flags().StringVar(&intent, "intent", "", "intent string")
	cmd.Flags().Float64Var(&strength, "strength", 1.0, "resonance strength in [0,1]")
	return cmd
}

func statusCmd() *cobra.Command {
	var statsFile string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the stats snapshot written by a running node",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(statsFile)
			if err != nil {
				return fmt.Errorf("no stats snapshot at %s (is a node running with --stats-file?): %w", statsFile, err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
	cmd.Flags().StringVar(&statsFile, "stats-file", defaultStatsFile(), "stats snapshot path")
	return cmd
}
