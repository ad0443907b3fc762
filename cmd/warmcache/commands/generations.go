package commands

import (
	"fmt"
	"slices"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var generationsCmd = &cobra.Command{
	Use:     "generations",
	Aliases: []string{"gen"},
	Short:   "Inspect and prune stored cache generations",
}

var generationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored generations and their entry counts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := openStorage(cfg.Storage, stderrLogger(cfg))
		if err != nil {
			return err
		}
		defer store.Close()

		ctx := cmd.Context()
		names, err := store.Names(ctx)
		if err != nil {
			return fmt.Errorf("list generations: %w", err)
		}
		current := []string{cfg.Worker.ShellTag, cfg.Worker.ImageTag}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "NAME\tENTRIES\tCURRENT")
		for _, name := range names {
			g, err := store.Open(ctx, name)
			if err != nil {
				return fmt.Errorf("open generation %q: %w", name, err)
			}
			keys, err := g.Keys(ctx)
			if err != nil {
				return fmt.Errorf("list keys of %q: %w", name, err)
			}
			mark := ""
			if slices.Contains(current, name) {
				mark = "*"
			}
			fmt.Fprintf(tw, "%s\t%d\t%s\n", name, len(keys), mark)
		}
		return tw.Flush()
	},
}

var generationsShowCmd = &cobra.Command{
	Use:   "show NAME",
	Short: "List the request URLs stored in a generation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := openStorage(cfg.Storage, stderrLogger(cfg))
		if err != nil {
			return err
		}
		defer store.Close()

		ctx := cmd.Context()
		names, err := store.Names(ctx)
		if err != nil {
			return fmt.Errorf("list generations: %w", err)
		}
		// Open creates missing generations.
		if !slices.Contains(names, args[0]) {
			return fmt.Errorf("generation %q not found", args[0])
		}
		g, err := store.Open(ctx, args[0])
		if err != nil {
			return fmt.Errorf("open generation %q: %w", args[0], err)
		}
		keys, err := g.Keys(ctx)
		if err != nil {
			return fmt.Errorf("list keys of %q: %w", args[0], err)
		}
		for _, k := range keys {
			fmt.Fprintln(cmd.OutOrStdout(), k)
		}
		return nil
	},
}

var generationsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete every generation the configured worker does not use",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := stderrLogger(cfg)
		store, err := openStorage(cfg.Storage, logger)
		if err != nil {
			return err
		}
		defer store.Close()

		m, err := newManager(cfg, store, nil, logger, nil)
		if err != nil {
			return err
		}
		deleted, err := m.Activate(cmd.Context())
		if err != nil {
			return err
		}
		for _, name := range deleted {
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", name)
		}
		if len(deleted) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "nothing to prune")
		}
		return nil
	},
}

func init() {
	generationsCmd.AddCommand(generationsListCmd)
	generationsCmd.AddCommand(generationsShowCmd)
	generationsCmd.AddCommand(generationsPruneCmd)
}
