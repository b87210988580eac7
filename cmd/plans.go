// Package cmd provides command-line interface commands for bastion.
package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"bastion/config"
	"bastion/storage"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// CLI output formatters
var (
	successColor = color.New(color.FgGreen, color.Bold)
	errorColor   = color.New(color.FgRed, color.Bold)
	infoColor    = color.New(color.FgCyan)
	headerColor  = color.New(color.FgBlue, color.Bold)
)

// Global flags for plans commands
var (
	noColor     bool
	showDeleted bool
)

const maxImportFileSize = 1 * 1024 * 1024 // plan definitions are small; reject anything bigger

// planDoc is the YAML shape accepted by 'plans import'.
type planDoc struct {
	ID         string         `yaml:"id"`
	Name       string         `yaml:"name"`
	ProviderID string         `yaml:"provider_id"`
	ProjectID  string         `yaml:"project_id"`
	Status     string         `yaml:"status"`
	Parameters map[string]any `yaml:"parameters"`
	Resources  []struct {
		ID   string `yaml:"id"`
		Type string `yaml:"type"`
	} `yaml:"resources"`
}

// initPlanStorage opens the metadata store from the local configuration.
// The returned cleanup closes it.
func initPlanStorage() (*storage.SQLitePlanStorage, func(), error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger := zap.NewNop().Sugar()
	db, err := storage.NewSQLiteWithOptions(cfg.GetSQLitePath(), logger, storage.Options{
		BusyTimeout:  cfg.Database.BusyTimeout,
		ReadPoolSize: cfg.Database.ReadPoolSize,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open metadata store: %w", err)
	}

	cleanup := func() { _ = db.Close() }
	return storage.NewSQLitePlanStorage(db, logger), cleanup, nil
}

// cliContext builds the admin request context the CLI operates under.
func cliContext() *storage.RequestContext {
	rctx := storage.AdminContext()
	if showDeleted {
		rctx.ReadDeleted = storage.ReadDeletedOnly
	}
	return rctx
}

// NewPlansCmd creates the root plans command with all subcommands.
func NewPlansCmd() *cobra.Command {
	plansCmd := &cobra.Command{
		Use:   "plans",
		Short: "Manage protection plans",
		Long: `Manage protection plans stored in the bastion metadata store.

A plan names a provider and the set of resources it protects. These commands
operate directly on the local store under an administrative context.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if noColor {
				color.NoColor = true
			}
		},
	}

	plansCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	plansCmd.PersistentFlags().BoolVar(&showDeleted, "deleted", false, "Operate on soft-deleted plans only")

	plansCmd.AddCommand(newPlansListCmd())
	plansCmd.AddCommand(newPlansShowCmd())
	plansCmd.AddCommand(newPlansImportCmd())
	plansCmd.AddCommand(newPlansDeleteCmd())

	return plansCmd
}

// newPlansListCmd creates the 'list' subcommand
func newPlansListCmd() *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List plans",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, cleanup, err := initPlanStorage()
			if err != nil {
				return err
			}
			defer cleanup()

			s := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
			s.Suffix = " Loading plans..."
			s.Start()
			plans, err := store.GetPlans(cliContext(), false, storage.PlanFilters{Status: status})
			s.Stop()
			if err != nil {
				return fmt.Errorf("failed to list plans: %w", err)
			}

			if len(plans) == 0 {
				infoColor.Println("No plans found")
				return nil
			}

			headerColor.Printf("%-36s  %-24s  %-12s  %-10s  %s\n", "ID", "NAME", "STATUS", "RESOURCES", "PROJECT")
			for _, p := range plans {
				fmt.Printf("%-36s  %-24s  %-12s  %-10d  %s\n", p.ID, p.Name, p.Status, len(p.Resources), p.ProjectID)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Only show plans with this status")
	return cmd
}

// newPlansShowCmd creates the 'show' subcommand
func newPlansShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <plan-id>",
		Short: "Show one plan with its resources",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, cleanup, err := initPlanStorage()
			if err != nil {
				return err
			}
			defer cleanup()

			plan, err := store.GetPlan(cliContext(), args[0])
			if err != nil {
				return fmt.Errorf("failed to get plan: %w", err)
			}

			headerColor.Println(plan.Name)
			fmt.Printf("  ID:         %s\n", plan.ID)
			fmt.Printf("  Provider:   %s\n", plan.ProviderID)
			fmt.Printf("  Project:    %s\n", plan.ProjectID)
			fmt.Printf("  Status:     %s\n", plan.Status)
			fmt.Printf("  Created:    %s\n", plan.CreatedAt.Format(time.RFC3339))
			fmt.Printf("  Updated:    %s\n", plan.UpdatedAt.Format(time.RFC3339))
			if len(plan.Resources) > 0 {
				fmt.Println("  Resources:")
				for _, r := range plan.Resources {
					fmt.Printf("    - %s (%s)\n", r.ResourceID, r.ResourceType)
				}
			}
			return nil
		},
	}
}

// newPlansImportCmd creates the 'import' subcommand
func newPlansImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file.yaml>",
		Short: "Create a plan from a YAML definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := filepath.Clean(args[0])
			if strings.Contains(path, "..") {
				return fmt.Errorf("path traversal detected: '..' not allowed in file path")
			}
			info, err := os.Stat(path)
			if err != nil {
				return fmt.Errorf("cannot read plan definition: %w", err)
			}
			if info.Size() > maxImportFileSize {
				return fmt.Errorf("plan definition too large: %d bytes (max %d)", info.Size(), maxImportFileSize)
			}

			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("cannot read plan definition: %w", err)
			}

			var doc planDoc
			if err := yaml.Unmarshal(data, &doc); err != nil {
				return fmt.Errorf("invalid plan definition: %w", err)
			}
			if doc.Name == "" || doc.ProviderID == "" || doc.ProjectID == "" {
				return fmt.Errorf("plan definition must set name, provider_id and project_id")
			}

			plan := &storage.Plan{
				ID:         doc.ID,
				Name:       doc.Name,
				ProviderID: doc.ProviderID,
				ProjectID:  doc.ProjectID,
				Status:     doc.Status,
				Parameters: doc.Parameters,
			}
			if plan.Status == "" {
				plan.Status = "suspended"
			}
			for _, r := range doc.Resources {
				plan.Resources = append(plan.Resources, storage.Resource{
					ResourceID:   r.ID,
					ResourceType: r.Type,
				})
			}

			store, cleanup, err := initPlanStorage()
			if err != nil {
				return err
			}
			defer cleanup()

			created, err := store.CreatePlan(storage.AdminContext(), plan)
			if err != nil {
				return fmt.Errorf("failed to create plan: %w", err)
			}

			successColor.Printf("Created plan %s (%s) with %d resources\n", created.Name, created.ID, len(created.Resources))
			return nil
		},
	}
}

// newPlansDeleteCmd creates the 'delete' subcommand
func newPlansDeleteCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "delete <plan-id>",
		Short: "Soft-delete a plan and its resources",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				errorColor.Println("Refusing to delete without --yes")
				return fmt.Errorf("confirmation required")
			}

			store, cleanup, err := initPlanStorage()
			if err != nil {
				return err
			}
			defer cleanup()

			if err := store.DeletePlan(storage.AdminContext(), args[0]); err != nil {
				return fmt.Errorf("failed to delete plan: %w", err)
			}

			successColor.Printf("Deleted plan %s\n", args[0])
			return nil
		},
	}

	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm deletion")
	return cmd
}
