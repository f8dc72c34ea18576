// Package cli implements dropctl, the maintenance command line.
package cli

import (
	"context"
	"fmt"

	"dropcode-go/internal/files"

	"github.com/spf13/cobra"
)

// Backend is the part of the file service the maintenance commands drive.
type Backend interface {
	Purge(ctx context.Context, opts files.PurgeOptions) (*files.PurgeReport, error)
	Expire(ctx context.Context) (int, error)
	Compact(ctx context.Context, opts files.CompactOptions) (*files.CompactReport, error)
	CreatePermanent(ctx context.Context, path, filename, code, password string) (*files.UploadResult, error)
}

// Loader connects to the database and storage on demand so that commands
// like version work without them. The returned func releases everything.
type Loader func(ctx context.Context) (Backend, func(), error)

// BuildInfo is printed by the version command.
type BuildInfo struct {
	Version string
	Commit  string
	Date    string
}

// NewRootCommand returns dropctl with every subcommand attached.
func NewRootCommand(load Loader, info BuildInfo) *cobra.Command {
	cobra.EnableCommandSorting = false
	root := &cobra.Command{
		Use:           "dropctl",
		Short:         "Maintenance tasks for a dropcode deployment.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newPurgeCommand(load))
	root.AddCommand(newExpireCommand(load))
	root.AddCommand(newCompactCommand(load))
	root.AddCommand(newPermanentCommand(load))
	root.AddCommand(newVersionCommand(info))
	return root
}

// withBackend runs fn with a loaded backend and always releases it.
func withBackend(cmd *cobra.Command, load Loader, fn func(ctx context.Context, b Backend) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	b, release, err := load(ctx)
	if err != nil {
		return fmt.Errorf("initializing: %w", err)
	}
	defer release()
	return fn(ctx, b)
}

func newVersionCommand(info BuildInfo) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "Version: %s\nCommit: %s\nBuilt: %s\n", info.Version, info.Commit, info.Date)
		},
	}
}

// ServiceBackend adapts a files.Service to Backend.
type ServiceBackend struct {
	Service *files.Service
}

func (b ServiceBackend) Purge(ctx context.Context, opts files.PurgeOptions) (*files.PurgeReport, error) {
	return b.Service.Lifecycle().Purge(ctx, opts)
}

func (b ServiceBackend) Expire(ctx context.Context) (int, error) {
	return b.Service.Lifecycle().ExpireSweep(ctx)
}

func (b ServiceBackend) Compact(ctx context.Context, opts files.CompactOptions) (*files.CompactReport, error) {
	return b.Service.CompactExisting(ctx, opts)
}

func (b ServiceBackend) CreatePermanent(ctx context.Context, path, filename, code, password string) (*files.UploadResult, error) {
	return b.Service.CreatePermanent(ctx, path, filename, code, password)
}
