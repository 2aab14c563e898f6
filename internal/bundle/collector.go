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

package bundle

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/cardinalhq/nexuspublisher/internal/logctx"
)

// Signer produces a detached signature for a file and returns its path.
type Signer interface {
	Sign(ctx context.Context, file string) (string, error)
}

// DefaultConcurrency bounds how many bundles are signed and packaged at once.
const DefaultConcurrency = 4

// Collector signs and packages located bundles. Bundles share no files, so
// they are processed in parallel; the output keeps the input order.
type Collector struct {
	signer      Signer
	concurrency int
}

func NewCollector(signer Signer, concurrency int) *Collector {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Collector{signer: signer, concurrency: concurrency}
}

// Collect locates, signs and packages every bundle under root. Any signing
// or packaging failure aborts the whole collection: an incompletely signed
// bundle must never be uploaded.
func (c *Collector) Collect(ctx context.Context, root string, companionSuffixes []string) ([]Packaged, error) {
	sources, err := Locate(root, companionSuffixes)
	if err != nil {
		return nil, err
	}
	return c.Build(ctx, sources)
}

// Build signs and packages the given sources.
func (c *Collector) Build(ctx context.Context, sources []Source) ([]Packaged, error) {
	packaged := make([]Packaged, len(sources))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i, src := range sources {
		g.Go(func() error {
			bctx := logctx.With(gctx, "descriptor", src.Descriptor)
			signed, err := SignSource(bctx, c.signer, src)
			if err != nil {
				return err
			}
			p, err := Package(signed)
			if err != nil {
				return err
			}
			logctx.FromContext(bctx).Info("Packaged bundle",
				"archive", p.Archive,
				"files", len(src.Files()),
				"digest", fmt.Sprintf("%016x", p.Digest))
			packaged[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return packaged, nil
}

// SignSource signs every file of src in order.
func SignSource(ctx context.Context, signer Signer, src Source) (Signed, error) {
	files := src.Files()
	signatures := make([]string, 0, len(files))
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return Signed{}, err
		}
		sig, err := signer.Sign(ctx, f)
		if err != nil {
			return Signed{}, fmt.Errorf("signing bundle %s: %w", src.Descriptor, err)
		}
		signatures = append(signatures, sig)
	}
	return Signed{Source: src, Signatures: signatures}, nil
}
