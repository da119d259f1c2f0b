package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// NewSyncCmd drains the local op log once against the configured remote.
func NewSyncCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Push queued session results to the remote store once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd.Context(), cmd, *configPath)
		},
	}
}

func runSync(ctx context.Context, cmd *cobra.Command, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	b, err := openSyncBackends(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	syncer := b.syncer()
	if syncer == nil {
		return fmt.Errorf("sync.remote is not configured")
	}

	var synced, failed int
	for {
		res, err := syncer.SyncOnce(ctx)
		synced += res.Synced
		failed += res.Failed
		if err != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "synced %d, failed %d\n", synced, failed)
			return err
		}
		if !res.More {
			break
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "synced %d, failed %d\n", synced, failed)
	return nil
}
