package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/newshound/internal/dedup"
	"github.com/sells-group/newshound/internal/model"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Inspect the dedup history",
}

// -- history show --

var historyShowCmd = &cobra.Command{
	Use:   "show [fingerprint]",
	Short: "Show one dedup record",
	Long:  "Looks up a record by fingerprint, or by the fingerprint of --title and --url.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		title, _ := cmd.Flags().GetString("title")
		link, _ := cmd.Flags().GetString("url")
		fp, err := fingerprintArg(args, title, link)
		if err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		rec, err := st.LookupRecord(ctx, fp)
		if err != nil {
			return eris.Wrapf(err, "history show %s", fp)
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			Fingerprint string `json:"fingerprint"`
			*model.DedupRecord
		}{fp, rec})
	},
}

// -- history stats --

var historyStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize the dedup history",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		h := dedup.Load(ctx, st, cfg.Pipeline.ScoreThreshold)
		formatHistoryStats(os.Stdout, h.Stats(), h.Threshold())

		if n, _ := cmd.Flags().GetInt("recent"); n > 0 {
			_, _ = fmt.Fprintln(os.Stdout)
			formatRecent(os.Stdout, h, n)
		}
		return nil
	},
}

func init() {
	historyShowCmd.Flags().String("title", "", "item title to fingerprint")
	historyShowCmd.Flags().String("url", "", "item url to fingerprint")
	historyStatsCmd.Flags().Int("recent", 0, "also list the n most recently seen records")

	historyCmd.AddCommand(historyShowCmd)
	historyCmd.AddCommand(historyStatsCmd)
	rootCmd.AddCommand(historyCmd)
}

// fingerprintArg resolves the record key from a positional fingerprint or
// from a title and url.
func fingerprintArg(args []string, title, link string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	if title == "" {
		return "", eris.New("history show: a fingerprint or --title is required")
	}
	return model.Fingerprint(title, link), nil
}

func formatHistoryStats(out io.Writer, s dedup.Stats, threshold int) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Records:\t%d\n", s.Records)
	_, _ = fmt.Fprintf(w, "Scored:\t%d\n", s.Scored)
	_, _ = fmt.Fprintf(w, "Never scored:\t%d\n", s.NeverScored)
	_, _ = fmt.Fprintf(w, "Suppressed (< %d):\t%d\n", threshold, s.Suppressed)
	_, _ = fmt.Fprintf(w, "Seen more than once:\t%d\n", s.Repeats)
	if s.Oldest != nil && s.Newest != nil {
		_, _ = fmt.Fprintf(w, "Span:\t%s to %s\n", s.Oldest.Format("2006-01-02"), s.Newest.Format("2006-01-02"))
	}
	_ = w.Flush()

	if len(s.Distribution) == 0 {
		return
	}
	scores := make([]int, 0, len(s.Distribution))
	for score := range s.Distribution {
		scores = append(scores, score)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(scores)))

	_, _ = fmt.Fprintln(out, "\nScore distribution:")
	w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, score := range scores {
		_, _ = fmt.Fprintf(w, "  %d\t%d\n", score, s.Distribution[score])
	}
	_ = w.Flush()
}

func formatRecent(out io.Writer, h *dedup.History, n int) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "FINGERPRINT\tSCORE\tSEEN\tLAST_SEEN\tTITLE")
	for _, fp := range h.Recent(n) {
		rec, ok := h.Lookup(fp)
		if !ok {
			continue
		}
		score := "-"
		if rec.LastScore != nil {
			score = fmt.Sprint(*rec.LastScore)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			fp,
			score,
			rec.TimesSeen,
			rec.LastSeenDate.Format("2006-01-02"),
			rec.Title,
		)
	}
	_ = w.Flush()
}
