package cli

import (
	"context"
	"fmt"

	"dropcode-go/internal/files"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newExpireCommand(load Loader) *cobra.Command {
	return &cobra.Command{
		Use:   "expire",
		Short: "Soft delete every expired file now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withBackend(cmd, load, func(ctx context.Context, b Backend) error {
				n, err := b.Expire(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Expired %d files.\n", n)
				return nil
			})
		},
	}
}

type compactFlags struct {
	dryRun  bool
	force   bool
	maxSize string
	quality int
}

func newCompactCommand(load Loader) *cobra.Command {
	flags := &compactFlags{}

	cmd := &cobra.Command{
		Use:   "compact",
		Short: "Compress stored PDFs above the size threshold",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts := files.CompactOptions{
				DryRun:  flags.dryRun,
				Force:   flags.force,
				Quality: flags.quality,
			}
			if flags.maxSize != "" {
				size, err := humanize.ParseBytes(flags.maxSize)
				if err != nil {
					return fmt.Errorf("invalid --max-size: %w", err)
				}
				opts.MaxSize = int64(size)
			}
			if opts.Quality < 0 || opts.Quality > 100 {
				return fmt.Errorf("invalid --quality %d: must be between 1 and 100", opts.Quality)
			}

			return withBackend(cmd, load, func(ctx context.Context, b Backend) error {
				report, err := b.Compact(ctx, opts)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				if report.DryRun {
					for _, c := range report.Candidates {
						fmt.Fprintf(out, "  would compress %-20s %10s  %s\n", c.Code, humanize.IBytes(uint64(c.Size)), c.Filename)
					}
				}
				for _, c := range report.Compressed {
					fmt.Fprintf(out, "  compressed %-20s %10s -> %s  %s\n", c.Code,
						humanize.IBytes(uint64(c.Size)), humanize.IBytes(uint64(c.CompressedSize)), c.Filename)
				}
				for _, e := range report.Errors {
					fmt.Fprintf(out, "  error   %s\n", e.Error())
				}
				fmt.Fprintf(out, "Scanned %d, compressed %d, errors %d\n",
					report.Scanned, len(report.Compressed), len(report.Errors))

				if n := len(report.Errors); n > 0 {
					return fmt.Errorf("compaction finished with %d errors", n)
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&flags.dryRun, "dry-run", false, "list the files that would be compressed")
	cmd.Flags().BoolVar(&flags.force, "force", false, "recompress files that already have a compressed variant")
	cmd.Flags().StringVar(&flags.maxSize, "max-size", "", "only compress files larger than this, e.g. 10MB (default from config)")
	cmd.Flags().IntVar(&flags.quality, "quality", 0, "compression quality 1-100 (default from config)")
	return cmd
}

type permanentFlags struct {
	filename string
	password string
}

func newPermanentCommand(load Loader) *cobra.Command {
	flags := &permanentFlags{}

	cmd := &cobra.Command{
		Use:   "permanent <code> <path>",
		Short: "Publish a local file under a fixed code that never expires",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, path := args[0], args[1]

			return withBackend(cmd, load, func(ctx context.Context, b Backend) error {
				res, err := b.CreatePermanent(ctx, path, flags.filename, code, flags.password)
				if err != nil {
					return err
				}

				rec := res.Record
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Published %s (%s) as %s\n", rec.Filename, humanize.IBytes(uint64(rec.SizeBytes)), rec.Code)
				fmt.Fprintf(out, "  %s\n", res.URL)
				if res.Compressed {
					fmt.Fprintf(out, "  compressed to %s\n", humanize.IBytes(uint64(*rec.CompressedSize)))
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&flags.filename, "filename", "", "name shown to downloaders (default: base name of path)")
	cmd.Flags().StringVar(&flags.password, "password", "", "protect the file with a password")
	return cmd
}
