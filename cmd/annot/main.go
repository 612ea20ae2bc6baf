package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"annotline/internal/app"
	"annotline/internal/config"
	"annotline/internal/db"
	"annotline/internal/domain"
)

var rootCmd = &cobra.Command{
	Use:   "annot",
	Short: "Annotation task manager",
	Long: `annot hands out video frames to annotators one at a time.
- Project: a set of frames plus the categories annotators may label them with.
- Task: one frame. Tasks go available -> leased -> committed.
- Lease: a time-limited reservation (lease.duration, default 30m) of a task for one
  annotator (annot task request).
- Recovery: leases left behind by a crashed run are returned to the pool when the
  workspace is next opened.
- Event log: every transition is recorded, view with 'annot log'.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}

func initConfig() {
	viper.SetEnvPrefix(config.EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().StringP("user", "u", defaultUser(), "annotator identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("user", rootCmd.PersistentFlags().Lookup("user"))
}

func defaultUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "local-user"
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(mediaCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(annotateCmd())
	rootCmd.AddCommand(recoverCmd())
	rootCmd.AddCommand(progressCmd())
	rootCmd.AddCommand(exportCmd())
	rootCmd.AddCommand(logCmd())
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the workspace and write annotline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				fmt.Fprintf(cmd.OutOrStdout(), "initialized %s (database %s)\n", path, db.Path(workspace))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return cmd
}

// --- helpers ---

// withApp opens the workspace for one command. Startup recovery has already
// run when fn is called; shutdown recovery runs after it returns.
func withApp(ctx context.Context, fn func(context.Context, *app.App) error) (err error) {
	a, err := app.Open(ctx, viper.GetString("workspace"), app.Options{Actor: viper.GetString("user")})
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, a.Close(context.WithoutCancel(ctx)))
	}()
	return fn(ctx, a)
}

func currentUser() (string, error) {
	u := strings.TrimSpace(viper.GetString("user"))
	if u == "" {
		return "", fmt.Errorf("%w: --user is required", domain.ErrValidation)
	}
	return u, nil
}

func parseID(kind, v string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid %s id %q", domain.ErrValidation, kind, v)
	}
	return id, nil
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(header ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row(header))
	return tw
}

// Exit codes let scripts tell lease conflicts from bad input.
const (
	exitFailure          = 1
	exitValidation       = 2
	exitNotFound         = 3
	exitLeaseMismatch    = 4
	exitExpiredLease     = 5
	exitAlreadyCommitted = 6
	exitWorkspaceLocked  = 7
)

func exitCode(err error) int {
	if errors.Is(err, db.ErrWorkspaceLocked) {
		return exitWorkspaceLocked
	}
	switch domain.Kind(err) {
	case domain.ErrValidation:
		return exitValidation
	case domain.ErrNotFound:
		return exitNotFound
	case domain.ErrLeaseMismatch:
		return exitLeaseMismatch
	case domain.ErrExpiredLease:
		return exitExpiredLease
	case domain.ErrAlreadyCommitted:
		return exitAlreadyCommitted
	}
	return exitFailure
}

func optionalString(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
