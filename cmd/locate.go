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
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cardinalhq/nexuspublisher/internal/bundle"
)

var locateOutput string

func init() {
	cmd := &cobra.Command{
		Use:   "locate",
		Short: "List the bundles that publish would sign and upload",
		RunE: func(c *cobra.Command, _ []string) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			sources, err := bundle.Locate(cfg.SearchDir, cfg.CompanionSuffixes)
			if err != nil {
				return err
			}
			return renderSources(c.OutOrStdout(), sources, locateOutput)
		},
	}
	addBundleFlags(cmd)
	cmd.Flags().StringVarP(&locateOutput, "output", "o", "text", "output format: text or yaml")

	rootCmd.AddCommand(cmd)
}

type locatedBundle struct {
	Descriptor string   `yaml:"descriptor"`
	Archive    string   `yaml:"archive"`
	Companions []string `yaml:"companions,omitempty"`
}

func renderSources(w io.Writer, sources []bundle.Source, format string) error {
	switch strings.ToLower(format) {
	case "yaml":
		out := make([]locatedBundle, 0, len(sources))
		for _, s := range sources {
			out = append(out, locatedBundle{
				Descriptor: s.Descriptor,
				Archive:    bundle.ArchivePath(s.Descriptor),
				Companions: s.Companions,
			})
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(out); err != nil {
			return err
		}
		return enc.Close()
	case "", "text":
		for _, s := range sources {
			if _, err := fmt.Fprintln(w, s.Descriptor); err != nil {
				return err
			}
			for _, c := range s.Companions {
				if _, err := fmt.Fprintf(w, "  %s\n", c); err != nil {
					return err
				}
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}
