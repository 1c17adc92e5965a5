package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"meshnode/internal/config"
	"meshnode/internal/daemon"
	"meshnode/internal/debuglog"
	"meshnode/internal/neighborhood"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

type cli struct {
	stdout, stderr io.Writer
	configPath     string
	home           string
	debug          bool
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	c := &cli{stdout: stdout, stderr: stderr}
	root := &cobra.Command{
		Use:           "mesh-node",
		Short:         "Mesh node that gossips its neighborhood to its peers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVar(&c.configPath, "config", "", "config file (default <home>/config.yml)")
	root.PersistentFlags().StringVar(&c.home, "home", "", "node home directory (default $MESH_HOME or ~/.mesh-node)")
	root.PersistentFlags().BoolVar(&c.debug, "debug", false, "enable debug logging")

	root.AddCommand(c.initCmd(), c.runCmd(), c.peersCmd(), c.addPeerCmd(), c.linkCmd(), c.gossipCmd())
	return root
}

func (c *cli) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(c.configPath, c.home)
	if err != nil {
		return nil, err
	}
	if c.debug {
		cfg.Debug.Verbose = true
	}
	return cfg, nil
}

func (c *cli) logger(cfg *config.Config) (*zap.Logger, func(), error) {
	return debuglog.New(debuglog.Options{
		Verbose:   cfg.Debug.Verbose,
		Output:    c.stderr,
		ErrorFile: filepath.Join(cfg.Home, "logs", "error.log"),
	})
}

// withRunner opens the node home for an offline command and saves the
// neighborhood afterwards when save is set.
func (c *cli) withRunner(ctx context.Context, save bool, fn func(r *daemon.Runner) error) (err error) {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	log := zap.NewNop()
	if cfg.Debug.Verbose {
		var cleanup func()
		if log, cleanup, err = c.logger(cfg); err != nil {
			return err
		}
		defer cleanup()
	}
	r, err := daemon.NewRunner(ctx, cfg, daemon.Options{Log: log})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := r.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	if err := fn(r); err != nil {
		return err
	}
	if save {
		return r.Save(ctx)
	}
	return nil
}

func (c *cli) initCmd() *cobra.Command {
	var (
		advertise string
		relay     bool
		force     bool
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write config.yml and create the node keypair and neighborhood",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			path := filepath.Join(cfg.Home, config.FileName)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists, pass --force to overwrite", path)
			}
			if advertise != "" {
				cfg.AdvertiseAddr = advertise
			}
			if cmd.Flags().Changed("relay") {
				cfg.Relay = relay
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := cfg.Save(); err != nil {
				return err
			}
			r, err := daemon.NewRunner(cmd.Context(), cfg, daemon.Options{})
			if err != nil {
				return err
			}
			defer r.Close()
			if err := r.Save(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(c.stdout, "initialized %s node=%s\n", cfg.Home, r.Key)
			return nil
		},
	}
	cmd.Flags().StringVar(&advertise, "advertise", "", "address peers should dial, ip:port")
	cmd.Flags().BoolVar(&relay, "relay", false, "this node is a relay")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config.yml")
	return cmd
}

func (c *cli) runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the node",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			log, cleanup, err := c.logger(cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			r, err := daemon.NewRunner(ctx, cfg, daemon.Options{Log: log})
			if err != nil {
				return fmt.Errorf("load node failed: %w", err)
			}
			defer r.Close()

			ready := make(chan string, 1)
			done := make(chan error, 1)
			go func() { done <- r.RunWithContext(ctx, ready) }()
			select {
			case addr := <-ready:
				fmt.Fprintf(c.stdout, "READY addr=%s node=%s\n", addr, r.Key)
			case err := <-done:
				return err
			}
			if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
}

func (c *cli) peersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "peers",
		Short: "Print the persisted neighborhood",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withRunner(cmd.Context(), false, func(r *daemon.Runner) error {
				snap := r.DB.Snapshot()
				for _, key := range snap.Keys() {
					rec, ok := snap.NodeByKey(key)
					if !ok {
						continue
					}
					addr := "-"
					if rec.NodeAddr != nil {
						addr = rec.NodeAddr.String()
					}
					role := "peer"
					switch {
					case key == r.Key:
						role = "root"
					case rec.IsRelay():
						role = "relay"
					}
					fmt.Fprintf(c.stdout, "%s\t%s\t%s\tneighbors=%d\n", key, role, addr, rec.NeighborCount())
				}
				return nil
			})
		},
	}
}

func (c *cli) addPeerCmd() *cobra.Command {
	var (
		key, addr     string
		relay, noLink bool
	)
	cmd := &cobra.Command{
		Use:   "add-peer",
		Short: "Add a node to the persisted neighborhood and link root to it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pk, err := neighborhood.ParsePublicKey(key)
			if err != nil {
				return fmt.Errorf("--key: %w", err)
			}
			na, err := neighborhood.ParseNodeAddr(addr)
			if err != nil {
				return fmt.Errorf("--addr: %w", err)
			}
			return c.withRunner(cmd.Context(), true, func(r *daemon.Runner) error {
				if err := r.DB.AddNode(neighborhood.NewNodeRecord(pk, &na, relay)); err != nil {
					return err
				}
				if !noLink {
					if _, err := r.DB.AddNeighbor(r.Key, pk); err != nil {
						return err
					}
				}
				fmt.Fprintf(c.stdout, "added %s at %s\n", pk, na)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "peer public key (base64)")
	cmd.Flags().StringVar(&addr, "addr", "", "peer address ip:port[,port...]")
	cmd.Flags().BoolVar(&relay, "relay", false, "peer is a relay")
	cmd.Flags().BoolVar(&noLink, "no-link", false, "do not add the root -> peer edge")
	_ = cmd.MarkFlagRequired("key")
	_ = cmd.MarkFlagRequired("addr")
	return cmd
}

// parseKeyOrSelf accepts "self" for the local node's key.
func parseKeyOrSelf(r *daemon.Runner, s string) (neighborhood.PublicKey, error) {
	if s == "self" {
		return r.Key, nil
	}
	return neighborhood.ParsePublicKey(s)
}

func (c *cli) linkCmd() *cobra.Command {
	var from, to string
	cmd := &cobra.Command{
		Use:   "link",
		Short: "Add a directed edge between two persisted nodes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withRunner(cmd.Context(), true, func(r *daemon.Runner) error {
				f, err := parseKeyOrSelf(r, from)
				if err != nil {
					return fmt.Errorf("--from: %w", err)
				}
				t, err := parseKeyOrSelf(r, to)
				if err != nil {
					return fmt.Errorf("--to: %w", err)
				}
				added, err := r.DB.AddNeighbor(f, t)
				if err != nil {
					return err
				}
				if added {
					fmt.Fprintf(c.stdout, "linked %s -> %s\n", f, t)
				} else {
					fmt.Fprintf(c.stdout, "already linked %s -> %s\n", f, t)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "source node key, or self")
	cmd.Flags().StringVar(&to, "to", "", "destination node key, or self")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func (c *cli) gossipCmd() *cobra.Command {
	var target string
	cmd := &cobra.Command{
		Use:   "gossip",
		Short: "Print the signed gossip the node would send to a target",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withRunner(cmd.Context(), false, func(r *daemon.Runner) error {
				key, err := neighborhood.ParsePublicKey(target)
				if err != nil {
					return fmt.Errorf("--target: %w", err)
				}
				msg, err := r.Produce(key)
				if err != nil {
					return err
				}
				out, err := json.MarshalIndent(msg, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(c.stdout, string(out))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&target, "target", "", "target node key")
	_ = cmd.MarkFlagRequired("target")
	return cmd
}
