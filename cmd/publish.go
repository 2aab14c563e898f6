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
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cardinalhq/nexuspublisher/config"
	"github.com/cardinalhq/nexuspublisher/internal/bundle"
	"github.com/cardinalhq/nexuspublisher/internal/logctx"
	"github.com/cardinalhq/nexuspublisher/internal/procrun"
	"github.com/cardinalhq/nexuspublisher/internal/publisher"
	"github.com/cardinalhq/nexuspublisher/internal/signer"
	"github.com/cardinalhq/nexuspublisher/internal/staging"
)

var errNoBundles = errors.New("no bundles found")

var (
	publishDryRun bool
)

func init() {
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Sign, package and upload every bundle, then drop, keep or promote the staging repositories",
		RunE: func(c *cobra.Command, _ []string) error {
			cfg, err := loadConfig(c)
			if err != nil {
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
			return runPublish(ctx, cfg, procrun.NewExecRunner(), publishDryRun)
		},
	}
	addBundleFlags(cmd)
	cmd.Flags().String("action", "", "terminal action: keep, drop or promote-or-keep")
	cmd.Flags().BoolVar(&publishDryRun, "dry-run", false, "sign and package bundles without contacting the staging service")

	rootCmd.AddCommand(cmd)
}

// addBundleFlags registers the flags shared by commands that look for bundles.
func addBundleFlags(cmd *cobra.Command) {
	cmd.Flags().String("search-dir", "", "root directory to search for POM descriptors")
	cmd.Flags().StringSlice("suffixes", nil, "companion file suffixes packaged next to each POM")
}

// loadConfig reads config.yaml and the environment, then applies the
// command line flags the user actually set.
func loadConfig(c *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	flags := c.Flags()
	if flags.Changed("search-dir") {
		cfg.SearchDir, _ = flags.GetString("search-dir")
	}
	if flags.Changed("suffixes") {
		cfg.CompanionSuffixes, _ = flags.GetStringSlice("suffixes")
	}
	if flags.Changed("action") {
		cfg.TargetAction, _ = flags.GetString("action")
	}
	return cfg, nil
}

func runPublish(ctx context.Context, cfg *config.Config, runner procrun.Runner, dryRun bool) error {
	ll := logctx.FromContext(ctx)

	if err := cfg.ValidateSigning(); err != nil {
		return err
	}
	if !dryRun {
		if err := cfg.ValidateStaging(); err != nil {
			return err
		}
	}
	action, err := cfg.Action()
	if err != nil {
		return err
	}
	ll.Debug("Loaded configuration", "config", cfg.String())

	gpg, err := signer.New(runner,
		signer.WithProgram(cfg.GPG.Program),
		signer.WithTimeout(cfg.GPG.Timeout),
		signer.WithVerbose(ll.Enabled(ctx, slog.LevelDebug)))
	if err != nil {
		return err
	}
	defer func() {
		if err := gpg.Cleanup(); err != nil {
			ll.Warn("Failed to remove signing home", "dir", gpg.HomeDir(), "error", err)
		}
	}()

	if _, err := gpg.LoadCertificate(ctx, cfg.Certificate()); err != nil {
		return err
	}

	bundles, err := bundle.NewCollector(gpg, cfg.SignConcurrency).Collect(ctx, cfg.SearchDir, cfg.CompanionSuffixes)
	if err != nil {
		return err
	}
	if len(bundles) == 0 {
		return fmt.Errorf("%w under %s", errNoBundles, cfg.SearchDir)
	}
	ll.Info("Prepared bundles", "count", len(bundles), "archives", archiveList(bundles))

	if dryRun {
		ll.Info("Dry run, not contacting the staging service")
		return nil
	}

	client, err := staging.NewClient(cfg.StagingConfig())
	if err != nil {
		return err
	}
	result, err := publisher.NewCoordinator(client, cfg.PublisherConfig()).Publish(ctx, bundles, action)
	if err != nil {
		return err
	}
	if result.ActionErr != nil {
		ll.Error("Terminal action failed", "action", action.String(), "error", result.ActionErr)
	}
	ll.Info("Publish finished", "action", action.String(), "allSucceeded", result.AllSucceeded)
	if !result.AllSucceeded {
		return result.Err()
	}
	return nil
}

func archiveList(bundles []bundle.Packaged) string {
	names := make([]string, 0, len(bundles))
	for _, b := range bundles {
		names = append(names, b.Archive)
	}
	return strings.Join(names, ",")
}
