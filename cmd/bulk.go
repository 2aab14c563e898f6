// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cardinalhq/nexuspublisher/config"
	"github.com/cardinalhq/nexuspublisher/internal/logctx"
	"github.com/cardinalhq/nexuspublisher/internal/publisher"
	"github.com/cardinalhq/nexuspublisher/internal/staging"
)

// bulkActor is the part of the staging client the bulk commands use.
type bulkActor interface {
	BulkAction(ctx context.Context, actionPath string, repositoryIDs []string, description string) error
}

func init() {
	rootCmd.AddCommand(newBulkCmd("drop", "Drop staging repositories by id", staging.BulkDropPath))
	rootCmd.AddCommand(newBulkCmd("promote", "Promote (release) staging repositories by id", staging.BulkPromotePath))
}

func newBulkCmd(name, short, actionPath string) *cobra.Command {
	return &cobra.Command{
		Use:   name + " <repository-id>...",
		Short: short,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if err := cfg.ValidateStaging(); err != nil {
				return err
			}
			ctx, doneFx, err := setupTelemetry(serviceName, cfg.SlogLevel())
			if err != nil {
				return fmt.Errorf("failed to setup telemetry: %w", err)
			}
			defer func() {
				if err := doneFx(); err != nil {
					logctx.FromContext(ctx).Error("Error shutting down telemetry", "error", err)
				}
			}()
			client, err := staging.NewClient(cfg.StagingConfig())
			if err != nil {
				return err
			}
			return runBulk(ctx, client, actionPath, args, cfg.PublisherConfig().Description)
		},
	}
}

func runBulk(ctx context.Context, client bulkActor, actionPath string, ids []string, description string) error {
	var real []string
	for _, id := range ids {
		if id != "" && id != publisher.UnassignedID {
			real = append(real, id)
		}
	}
	if len(real) == 0 {
		return errors.New("no repository ids given")
	}
	if err := client.BulkAction(ctx, actionPath, real, description); err != nil {
		return err
	}
	logctx.FromContext(ctx).Info("Bulk action accepted", "path", actionPath, "repositories", real)
	return nil
}
