package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"dropcode-go/internal/files"

	"github.com/spf13/cobra"
)

type purgeFlags struct {
	dryRun           bool
	force            bool
	includePermanent bool
	missingQR        string
}

func newPurgeCommand(load Loader) *cobra.Command {
	flags := &purgeFlags{}

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Hard delete removed files and reconcile the content store",
		Long: `Purge removes the rows of deleted files and of files whose content is gone,
which frees their codes. Missing QR images are rebuilt (or the file is purged
with --missing-qr=purge) and unreferenced objects are deleted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			policy, err := files.ParseMissingQRPolicy(flags.missingQR)
			if err != nil {
				return err
			}
			opts := files.PurgeOptions{
				DryRun:           flags.dryRun,
				IncludePermanent: flags.includePermanent,
				MissingQR:        policy,
			}

			out := cmd.OutOrStdout()
			return withBackend(cmd, load, func(ctx context.Context, b Backend) error {
				if !flags.dryRun && !flags.force {
					preview := opts
					preview.DryRun = true
					report, err := b.Purge(ctx, preview)
					if err != nil {
						return err
					}
					printPurgeReport(out, report)
					if nothingToPurge(report) {
						fmt.Fprintln(out, "Nothing to purge.")
						return nil
					}
					if !confirm(cmd.InOrStdin(), out, purgePrompt(opts, report)) {
						fmt.Fprintln(out, "Aborted.")
						return nil
					}
				}

				report, err := b.Purge(ctx, opts)
				if err != nil {
					return err
				}
				printPurgeReport(out, report)
				if n := len(report.Errors); n > 0 {
					return fmt.Errorf("purge finished with %d errors", n)
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&flags.dryRun, "dry-run", false, "report what would be purged without changing anything")
	cmd.Flags().BoolVarP(&flags.force, "force", "f", false, "skip the confirmation prompt")
	cmd.Flags().BoolVar(&flags.includePermanent, "include-permanent", false, "also consider permanent files")
	cmd.Flags().StringVar(&flags.missingQR, "missing-qr", "", "what to do with files whose QR image is gone: regenerate or purge (default from config)")
	return cmd
}

func nothingToPurge(r *files.PurgeReport) bool {
	return len(r.Candidates) == 0 && len(r.Repairs) == 0 && len(r.Orphans) == 0
}

func purgePrompt(opts files.PurgeOptions, preview *files.PurgeReport) string {
	msg := fmt.Sprintf("Purge %d files, repair %d and remove %d orphaned objects",
		len(preview.Candidates), len(preview.Repairs), len(preview.Orphans))
	if opts.IncludePermanent {
		msg += ", including permanent ones"
	}
	return msg + "?"
}

// confirm asks a yes/no question and defaults to no.
func confirm(in io.Reader, out io.Writer, question string) bool {
	fmt.Fprintf(out, "%s [y/N] ", question)
	answer, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && answer == "" {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true
	}
	return false
}

func printPurgeReport(out io.Writer, r *files.PurgeReport) {
	if r.DryRun {
		fmt.Fprintln(out, "Dry run, nothing was changed.")
	}

	for _, c := range r.Candidates {
		fmt.Fprintf(out, "  purge   %-20s %-18s %s\n", c.Code, c.Reason, c.Filename)
	}
	for _, c := range r.Repairs {
		fmt.Fprintf(out, "  repair  %-20s %-18s %s\n", c.Code, c.Reason, c.Filename)
	}
	for _, key := range r.Orphans {
		fmt.Fprintf(out, "  orphan  %s\n", key)
	}
	for _, e := range r.Errors {
		fmt.Fprintf(out, "  error   %s\n", e.Error())
	}

	fmt.Fprintf(out, "Scanned %d, candidates %d, deleted %d, repaired %d, orphans %d (removed %d), errors %d in %s\n",
		r.Scanned, len(r.Candidates), r.Deleted, r.Repaired,
		len(r.Orphans), r.OrphansRemoved, len(r.Errors), r.Duration.Round(time.Millisecond))
}
