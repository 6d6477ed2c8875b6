package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xela07ax/agentledger/internal/app"
	"github.com/xela07ax/agentledger/internal/domain"
	"github.com/xela07ax/agentledger/internal/eventsource"
	"github.com/xela07ax/agentledger/internal/infra"
	"github.com/xela07ax/agentledger/internal/infra/auth"
)

// cli хранит общее состояние команд (конфиг, логгер, открытые хранилища).
type cli struct {
	configDir string
	cfg       *infra.Config
	logger    *zap.Logger
	stores    *app.Stores
	repo      *eventsource.Repository
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "agentctl",
		Short:         "Operator tool for the agent event journal",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := infra.LoadConfig(c.configDir)
			if err != nil {
				return err
			}
			c.cfg = cfg
			c.logger = infra.NewStderrLogger(cfg.Logger, "agentctl")
			return nil
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			if c.stores == nil {
				return nil
			}
			err := c.stores.Close()
			c.stores = nil
			return err
		},
	}
	root.PersistentFlags().StringVarP(&c.configDir, "config", "c", "", "directory with config.yaml")

	root.AddCommand(
		c.eventsCmd(),
		c.showCmd(),
		c.verifyCmd(),
		c.pruneCmd(),
		c.tokenCmd(),
	)
	return root
}

// open лениво открывает хранилища: token в них не нуждается.
func (c *cli) open(ctx context.Context) (*eventsource.Repository, error) {
	if c.repo != nil {
		return c.repo, nil
	}
	stores, err := app.OpenStores(ctx, c.cfg, c.logger)
	if err != nil {
		return nil, err
	}
	c.stores = stores
	c.repo = app.NewRepository(stores, c.cfg, nil, nil, c.logger)
	return c.repo, nil
}

func (c *cli) eventsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "events <agent-id>",
		Short: "Print the full event history of an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, repo, err := c.target(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			history, err := repo.History(cmd.Context(), id)
			if err != nil {
				return err
			}
			if len(history) == 0 {
				return fmt.Errorf("agent %s not found", id)
			}
			return printJSON(cmd.OutOrStdout(), history)
		},
	}
}

func (c *cli) showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <agent-id>",
		Short: "Print the current state of an agent (snapshot + tail replay)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, repo, err := c.target(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			agent, err := repo.Load(cmd.Context(), id)
			if err != nil {
				return err
			}
			if agent == nil {
				return fmt.Errorf("agent %s not found", id)
			}
			return printJSON(cmd.OutOrStdout(), agent)
		},
	}
}

func (c *cli) verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <agent-id>",
		Short: "Check that the snapshot path and a full replay agree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, repo, err := c.target(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			loaded, err := repo.Load(cmd.Context(), id)
			if err != nil {
				return err
			}
			replayed, err := repo.Replay(cmd.Context(), id)
			if err != nil {
				return err
			}
			if loaded == nil || replayed == nil {
				return fmt.Errorf("agent %s not found", id)
			}
			if !loaded.Equal(*replayed) {
				return fmt.Errorf("agent %s: snapshot state at v%d diverges from replay at v%d",
					id, loaded.Version(), replayed.Version())
			}
			fmt.Fprintf(cmd.OutOrStdout(), "agent %s consistent at version %d\n", id, loaded.Version())
			return nil
		},
	}
}

func (c *cli) pruneCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prune <agent-id>",
		Short: "Delete snapshots older than the latest one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, repo, err := c.target(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := repo.PruneSnapshots(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "snapshots of %s pruned\n", id)
			return nil
		},
	}
}

func (c *cli) tokenCmd() *cobra.Command {
	var (
		keyPath string
		user    string
		scopes  string
		ttl     time.Duration
		issuer  string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an operator JWT signed with the RSA private key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := os.ReadFile(keyPath)
			if err != nil {
				return fmt.Errorf("failed to read private key: %w", err)
			}
			key, err := auth.ParseRSAPrivateKey(data)
			if err != nil {
				return err
			}
			if issuer == "" {
				issuer = c.cfg.Auth.Issuer
			}
			token, err := auth.NewIssuer(key, issuer).Issue(user, strings.Split(scopes, ","), ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&keyPath, "key", "", "path to the PEM encoded RSA private key")
	cmd.Flags().StringVar(&user, "user", "", "operator id written into the token")
	cmd.Flags().StringVar(&scopes, "scopes", auth.ScopeAgentsRead, "comma separated scopes")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	cmd.Flags().StringVar(&issuer, "issuer", "", "iss claim (default auth.issuer)")
	_ = cmd.MarkFlagRequired("key")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func (c *cli) target(ctx context.Context, raw string) (domain.AgentID, *eventsource.Repository, error) {
	id, err := domain.ParseAgentID(raw)
	if err != nil {
		return domain.AgentID{}, nil, err
	}
	repo, err := c.open(ctx)
	if err != nil {
		return domain.AgentID{}, nil, err
	}
	return id, repo, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
