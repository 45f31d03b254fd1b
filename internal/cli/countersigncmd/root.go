// Package countersigncmd implements the countersign command line.
package countersigncmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuihairu/countersign/internal/auth/rbac"
	common "github.com/cuihairu/countersign/internal/cli/common"
	dom "github.com/cuihairu/countersign/internal/ports"
)

// Exit codes returned by ExitCode.
const (
	ExitOK = iota
	ExitFailure
	ExitValidation
	ExitNotFound
	ExitConflict
	ExitForbidden
	ExitDispatchFailed
)

// errDispatchFailed reports that a dispatch ran and ended dispatch_failed.
var errDispatchFailed = errors.New("dispatch failed")

// ExitCode maps an error returned by a command to a process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, dom.ErrForbidden):
		return ExitForbidden
	case errors.Is(err, dom.ErrNotFound):
		return ExitNotFound
	case errors.Is(err, dom.ErrConflict):
		return ExitConflict
	case errors.Is(err, dom.ErrValidation):
		return ExitValidation
	case errors.Is(err, errDispatchFailed):
		return ExitDispatchFailed
	}
	return ExitFailure
}

// globals are the persistent flags shared by every subcommand.
type globals struct {
	configFile string
	includes   []string
	profile    string
	output     string

	asUser    string
	role      string
	workspace string
}

func (g *globals) caller() rbac.AuthContext {
	return rbac.AuthContext{UserID: g.asUser, Role: g.role, WorkspaceID: g.workspace}
}

func (g *globals) settings() (*common.Settings, error) {
	v, err := common.Load(common.LoadOptions{File: g.configFile, Includes: g.includes, Profile: g.profile})
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return common.Decode(v)
}

// open loads the configuration, sets up logging and wires the app.
func (g *globals) open(ctx context.Context) (*app, error) {
	s, err := g.settings()
	if err != nil {
		return nil, err
	}
	if err := common.ValidateConfig(s); err != nil {
		return nil, fmt.Errorf("config invalid: %v: %w", err, dom.ErrValidation)
	}
	log := common.SetupLogger(s.Log)
	return newApp(ctx, s, log)
}

// withApp runs fn against a freshly wired app and closes it afterwards.
func (g *globals) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil {
			a.log.Warn("close", "error", cerr)
		}
	}()
	return fn(ctx, a)
}

// New returns the root `countersign` command.
func New() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:           "countersign",
		Short:         "Governed action approval and dispatch",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&g.configFile, "config", "", "config file (yaml), supports a top-level 'countersign:' section")
	pf.StringSliceVar(&g.includes, "include", nil, "extra config files merged in order")
	pf.StringVar(&g.profile, "profile", "", "profile overlay from profiles.<name>")
	pf.StringVarP(&g.output, "output", "o", "table", "output format: table|json")
	pf.StringVar(&g.asUser, "as-user", os.Getenv("COUNTERSIGN_USER"), "caller user id")
	pf.StringVar(&g.role, "role", os.Getenv("COUNTERSIGN_ROLE"), "caller role")
	pf.StringVar(&g.workspace, "workspace", "", "caller workspace id")

	root.AddCommand(
		newMigrateCmd(g),
		newWorkerCmd(g),
		newApprovalsCmd(g),
		newChainCmd(g),
		newTemplatesCmd(g),
		newDispatchCmd(g),
		newConfigCmd(g),
		newCompletionCmd(root),
	)
	return root
}

// Main runs the root command and returns the process exit status.
func Main(ctx context.Context, args []string) int {
	root := New()
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(root.ErrOrStderr(), "Error:", err)
		return ExitCode(err)
	}
	return ExitOK
}

func newMigrateCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update database tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return g.withApp(cmd, func(_ context.Context, a *app) error {
				if err := a.migrate(); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
				return nil
			})
		},
	}
}

func newCompletionCmd(root *cobra.Command) *cobra.Command {
	return &cobra.Command{
		Use:       "completion [bash|zsh|fish|powershell]",
		Short:     "Generate shell completion",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"bash", "zsh", "fish", "powershell"},
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			switch args[0] {
			case "bash":
				return root.GenBashCompletion(out)
			case "zsh":
				return root.GenZshCompletion(out)
			case "fish":
				return root.GenFishCompletion(out, true)
			default:
				return root.GenPowerShellCompletionWithDesc(out)
			}
		},
	}
}
