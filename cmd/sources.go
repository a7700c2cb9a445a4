package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/newshound/internal/model"
	"github.com/sells-group/newshound/internal/registry"
	"github.com/sells-group/newshound/internal/store"
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "Inspect and maintain the source registry",
}

// -- sources list --

var sourcesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every registered source with its yield stats",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		reg, err := loadRegistry(ctx, st)
		if err != nil {
			return err
		}

		formatSourcesList(os.Stdout, reg.List())
		fmt.Fprintln(os.Stderr, reg.Summary())
		return nil
	},
}

// -- sources cold --

var sourcesColdCmd = &cobra.Command{
	Use:   "cold",
	Short: "List sources with no in-scope hit within the cold window",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		reg, err := loadRegistry(ctx, st)
		if err != nil {
			return err
		}

		days := coldDaysFlag(cmd)
		cold := reg.ListCold(time.Now(), days)
		if len(cold) == 0 {
			fmt.Fprintf(os.Stderr, "No sources cold for %d days.\n", days)
			return nil
		}
		formatSourcesList(os.Stdout, cold)
		return nil
	},
}

// -- sources prune --

var sourcesPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Disable cold discovered sources",
	Long:  "Disables discovered sources with no in-scope hit within the cold window. Curated sources are never pruned.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		reg, err := loadRegistry(ctx, st)
		if err != nil {
			return err
		}

		n := reg.PruneCold(time.Now(), coldDaysFlag(cmd))
		if n == 0 {
			fmt.Fprintln(os.Stderr, "Nothing to prune.")
			return nil
		}
		if err := reg.Save(ctx, st); err != nil {
			return err
		}
		zap.L().Info("sources pruned", zap.Int("disabled", n))
		fmt.Fprintf(os.Stdout, "Disabled %d cold source(s).\n", n)
		return nil
	},
}

// -- sources add --

var sourcesAddCmd = &cobra.Command{
	Use:   "add [domain-or-feed-url]",
	Short: "Register a non-curated source",
	Long: "Adds a domain-restricted search source for a domain, an RSS source with --rss, " +
		"or every definition in a JSON file with --file. Sources already present are skipped.",
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		file, _ := cmd.Flags().GetString("file")
		var defs []model.Source
		switch {
		case file != "":
			loaded, err := registry.LoadDefinitionsFromFile(file)
			if err != nil {
				return err
			}
			defs = loaded
		case len(args) == 1:
			name, _ := cmd.Flags().GetString("name")
			category, _ := cmd.Flags().GetString("category")
			rss, _ := cmd.Flags().GetBool("rss")
			def, err := newSourceDef(args[0], name, category, rss)
			if err != nil {
				return err
			}
			defs = []model.Source{def}
		default:
			return eris.New("sources add: a domain, feed url or --file is required")
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		reg, err := loadRegistry(ctx, st)
		if err != nil {
			return err
		}

		added := addSources(reg, defs, time.Now(), cfg.Pipeline.ColdDays)
		if len(added) == 0 {
			return eris.New("sources add: nothing added (already registered or registry at capacity)")
		}
		if err := reg.Save(ctx, st); err != nil {
			return err
		}
		for _, id := range added {
			fmt.Fprintf(os.Stdout, "Added %s\n", id)
		}
		return nil
	},
}

func init() {
	sourcesColdCmd.Flags().Int("days", 0, "cold window in days (default from config)")
	sourcesPruneCmd.Flags().Int("days", 0, "cold window in days (default from config)")

	sourcesAddCmd.Flags().String("name", "", "display name (default: the domain)")
	sourcesAddCmd.Flags().String("category", string(model.SourceCategoryPress), "source category")
	sourcesAddCmd.Flags().Bool("rss", false, "treat the argument as an RSS/Atom feed url")
	sourcesAddCmd.Flags().String("file", "", "JSON file of source definitions")

	sourcesCmd.AddCommand(sourcesListCmd)
	sourcesCmd.AddCommand(sourcesColdCmd)
	sourcesCmd.AddCommand(sourcesPruneCmd)
	sourcesCmd.AddCommand(sourcesAddCmd)
	rootCmd.AddCommand(sourcesCmd)
}

// loadRegistry reads the persisted registry merged with the curated set
// from config.
func loadRegistry(ctx context.Context, st store.StateStore) (*registry.Registry, error) {
	curated, err := registry.Curated(cfg)
	if err != nil {
		return nil, err
	}
	return registry.Load(ctx, st, curated, cfg.Pipeline.MaxSources), nil
}

func coldDaysFlag(cmd *cobra.Command) int {
	if d, _ := cmd.Flags().GetInt("days"); d > 0 {
		return d
	}
	return cfg.Pipeline.ColdDays
}

// newSourceDef builds a discovered source definition from a command-line
// argument.
func newSourceDef(raw, name, category string, rss bool) (model.Source, error) {
	host := registry.Host(raw)
	if host == "" {
		return model.Source{}, eris.Errorf("sources add: cannot parse %q", raw)
	}
	cat := model.SourceCategory(category)
	if !cat.Valid() {
		return model.Source{}, eris.Errorf("sources add: unknown category %q", category)
	}
	if name == "" {
		name = host
	}

	def := model.Source{
		ID:       registry.DiscoveredID(host),
		Name:     name,
		Category: cat,
		Type:     model.SourceTypeSearch,
		URL:      host,
	}
	if rss {
		def.Type = model.SourceTypeRSS
		def.URL = raw
	}
	return def, nil
}

// addSources adds each definition and returns the IDs that were accepted.
func addSources(reg *registry.Registry, defs []model.Source, now time.Time, coldDays int) []string {
	var added []string
	for _, def := range defs {
		if reg.AddDiscovered(def, now, coldDays) {
			added = append(added, def.ID)
			continue
		}
		zap.L().Warn("source not added", zap.String("source", def.ID))
	}
	return added
}

// formatSourcesList writes a tabular list of sources to w.
func formatSourcesList(out io.Writer, sources []model.Source) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tCATEGORY\tTYPE\tSTATUS\tCURATED\tFETCHED\tIN_SCOPE\tYIELD\tLAST_HIT")
	_, _ = fmt.Fprintln(w, "--\t--------\t----\t------\t-------\t-------\t--------\t-----\t--------")

	for _, s := range sources {
		status := string(s.Stats.Status)
		if !s.Enabled {
			status = "disabled"
		}
		lastHit := "-"
		if s.Stats.LastHitDate != nil {
			lastHit = s.Stats.LastHitDate.Format("2006-01-02")
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%d\t%d\t%.2f\t%s\n",
			s.ID,
			s.Category,
			s.Type,
			status,
			s.Curated,
			s.Stats.ItemsFetchedTotal,
			s.Stats.ItemsInScopeTotal,
			s.Stats.Yield(),
			lastHit,
		)
	}
	_ = w.Flush()
}
