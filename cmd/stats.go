package cmd

import (
	"fmt"
	"io"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/JakeFAU/crawlqueue/internal/queue"
	"github.com/JakeFAU/crawlqueue/internal/report"
)

func newStatsCmd(root *rootFlags) *cobra.Command {
	var kinds []string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show queue counts and book totals per status.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			selected, err := parseKinds(kinds)
			if err != nil {
				return err
			}
			svc, err := openServices(cmd, root)
			if err != nil {
				return err
			}
			defer closeServices(svc, cmd.ErrOrStderr())

			for _, kind := range selected {
				summary, err := svc.Summary(cmd.Context(), kind)
				if err != nil {
					return fmt.Errorf("stats %s: %w", kind, err)
				}
				renderSummary(cmd.OutOrStdout(), summary)
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&kinds, "kind", nil, "queue kinds to show (default all)")
	return cmd
}

func parseKinds(raw []string) ([]queue.Kind, error) {
	if len(raw) == 0 {
		return queue.Kinds, nil
	}
	out := make([]queue.Kind, 0, len(raw))
	for _, r := range raw {
		k, err := queue.ParseKind(r)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, nil
}

// renderSummary prints one queue as a table with a totals footer.
func renderSummary(w io.Writer, s report.Summary) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.SetTitle(fmt.Sprintf("%s (%s)", s.Kind, s.Kind.Table()))
	t.AppendHeader(table.Row{"Status", "Items", "Books Found", "Books Saved"})
	for _, status := range queue.Statuses {
		b := s.ByStatus[status]
		t.AppendRow(table.Row{status, b.Count, b.BooksFound, b.BooksSaved})
	}
	t.AppendFooter(table.Row{"Total", s.Total, s.BooksFound, s.BooksSaved})
	t.AppendFooter(table.Row{"Success rate", fmt.Sprintf("%.1f%%", s.SuccessRate*100), "Remaining", s.Remaining()})
	t.Render()
	if s.SchemaVersion < queue.SchemaVersion {
		fmt.Fprintf(w, "store schema at version %d, run `crawlqueue migrate up`\n", s.SchemaVersion)
	}
}
