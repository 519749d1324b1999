package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gosuri/uiprogress"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/okvist/pgreconcile"
	"github.com/okvist/pgreconcile/internal/config"
	"github.com/okvist/pgreconcile/internal/plan"
	"github.com/okvist/pgreconcile/internal/report"
)

var (
	cfgFile       string
	withData      bool
	replaceData   bool
	schemaOnly    bool
	dataOnly      bool
	withUsers     bool
	autoConfirm   bool
	migrationsDir string
	tables        string
	dumpPath      string
	verbose       bool
)

var rootCmd = &cobra.Command{
	Use:   "pgreconcile",
	Short: "Reconcile one Postgres environment against another",
	Long: `pgreconcile introspects two Postgres environments, diffs their schemas,
row-level-security policies, grants and data, and applies the differences to
the target so it converges on the source.

Environments are named in pgreconcile.yaml; passwords and API tokens come
from the process environment or a .env file.`,
	SilenceUsage: true,
}

var planCmd = &cobra.Command{
	Use:   "plan <source> <target>",
	Short: "Show what a sync would change without touching the target",
	Args:  cobra.ExactArgs(2),
	RunE:  runPlan,
}

var syncCmd = &cobra.Command{
	Use:   "sync <source> <target>",
	Short: "Plan, apply, and verify in one run",
	Args:  cobra.ExactArgs(2),
	RunE:  runSync,
}

var verifyCmd = &cobra.Command{
	Use:   "verify <source> <target>",
	Short: "Report differences between two environments",
	Args:  cobra.ExactArgs(2),
	RunE:  runVerify,
}

var dumpCmd = &cobra.Command{
	Use:   "dump <env>",
	Short: "Write a schema-only SQL dump of an environment",
	Args:  cobra.ExactArgs(1),
	RunE:  runDump,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./pgreconcile.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log progress details")

	for _, cmd := range []*cobra.Command{planCmd, syncCmd} {
		cmd.Flags().BoolVar(&withData, "data", false, "also sync table rows (incremental, never overwrites target rows)")
		cmd.Flags().BoolVar(&replaceData, "replace-data", false, "sync table rows by truncating target tables first (destructive)")
		cmd.Flags().BoolVar(&schemaOnly, "schema-only", false, "sync schema, policies and grants only")
		cmd.Flags().BoolVar(&dataOnly, "data-only", false, "sync table rows only, leave the schema alone")
		cmd.Flags().BoolVar(&withUsers, "users", false, "include grants for platform-managed roles")
		cmd.Flags().StringVar(&tables, "tables", "", "limit data sync to these schema-qualified tables (comma-separated)")
		cmd.Flags().StringVar(&migrationsDir, "migrations-dir", "", "write the generated plan as a SQL file into this directory")
	}
	syncCmd.Flags().BoolVar(&autoConfirm, "auto-confirm", false, "apply destructive plans without prompting")
	dumpCmd.Flags().StringVarP(&dumpPath, "output", "o", "schema.sql", "output file for the schema dump")

	rootCmd.AddCommand(planCmd, syncCmd, verifyCmd, dumpCmd)
}

func buildMode() (plan.SyncMode, error) {
	if schemaOnly && (withData || replaceData || dataOnly) {
		return plan.SyncMode{}, fmt.Errorf("--schema-only cannot be combined with --data, --replace-data or --data-only")
	}
	mode := plan.SyncMode{Scope: plan.SchemaOnly, Rows: plan.Incremental, ManagedRoles: withUsers}
	switch {
	case dataOnly:
		mode.Scope = plan.DataOnly
	case withData || replaceData:
		mode.Scope = plan.SchemaAndData
	}
	if replaceData {
		mode.Rows = plan.Replace
	}
	return mode, nil
}

func buildOptions(log *zap.Logger) *pgreconcile.Options {
	opts := &pgreconcile.Options{
		Logger:        log,
		MigrationsDir: migrationsDir,
	}
	if tables != "" {
		for _, t := range strings.Split(tables, ",") {
			opts.Tables = append(opts.Tables, strings.TrimSpace(t))
		}
	}
	return opts
}

func newLogger() (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	return cfg.Build()
}

func setup() (*config.Config, *zap.Logger, error) {
	log, err := newLogger()
	if err != nil {
		return nil, nil, err
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

func runPlan(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	mode, err := buildMode()
	if err != nil {
		return err
	}

	run, err := pgreconcile.Plan(context.Background(), cfg, args[0], args[1], mode, buildOptions(log))
	if err != nil {
		return err
	}
	return report.NewTextRenderer(os.Stdout).Render(run)
}

func runSync(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	mode, err := buildMode()
	if err != nil {
		return err
	}

	opts := buildOptions(log)
	opts.Confirm = confirmDestructive

	// One bar tick per pipeline stage; logging and the bar would fight over
	// the terminal, so the bar only runs in quiet mode.
	var stopBar func()
	if !verbose {
		opts.OnStage, stopBar = stageBar()
		defer stopBar()
	}

	run, err := pgreconcile.Reconcile(context.Background(), cfg, args[0], args[1], mode, opts)
	if stopBar != nil {
		stopBar()
	}
	if run != nil {
		if renderErr := report.NewTextRenderer(os.Stdout).Render(run); renderErr != nil {
			return renderErr
		}
	}
	if err != nil {
		return err
	}
	if run.Drift != nil && !run.Drift.Clean() {
		return fmt.Errorf("target still differs from source after sync")
	}
	fmt.Printf("\ncompleted in %s\n", run.Duration().Round(10*time.Millisecond))
	return nil
}

func runVerify(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}

	run, err := pgreconcile.Verify(context.Background(), cfg, args[0], args[1], buildOptions(log))
	if err != nil {
		return err
	}
	if renderErr := report.NewTextRenderer(os.Stdout).Render(run); renderErr != nil {
		return renderErr
	}
	if !run.Drift.Clean() {
		return fmt.Errorf("environments differ")
	}
	return nil
}

func runDump(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	if err := pgreconcile.DumpSchema(context.Background(), cfg, args[0], dumpPath, buildOptions(log)); err != nil {
		return err
	}
	fmt.Printf("schema written to %s\n", dumpPath)
	return nil
}

// confirmDestructive prints the operations a destructive plan would run and
// asks for an explicit yes unless --auto-confirm was given.
func confirmDestructive(p *plan.MigrationPlan) bool {
	if autoConfirm {
		return true
	}
	fmt.Println("This plan is DESTRUCTIVE:")
	for _, op := range p.Operations {
		if op.Destructive {
			fmt.Printf("  %s\n", op.SQL)
		}
	}
	if p.Mode.Rows == plan.Replace {
		fmt.Println("  target table rows will be truncated and replaced")
	}
	fmt.Print("Continue? [y/N] ")

	reader := bufio.NewReader(os.Stdin)
	answer, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}

// stageBar returns an OnStage callback driving a progress bar, plus a stop
// function that is safe to call twice.
func stageBar() (func(string), func()) {
	uiprogress.Start()
	stage := "starting"
	bar := uiprogress.AddBar(6).AppendCompleted().PrependElapsed()
	bar.PrependFunc(func(b *uiprogress.Bar) string {
		return fmt.Sprintf("%-26s", stage)
	})

	var once sync.Once
	onStage := func(name string) {
		stage = name
		bar.Incr()
	}
	stop := func() {
		once.Do(func() {
			for bar.Incr() {
			}
			uiprogress.Stop()
		})
	}
	return onStage, stop
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
