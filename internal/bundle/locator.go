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
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
)

// ErrSearch is returned when the search root cannot be traversed.
var ErrSearch = errors.New("bundle search failed")

// Locate walks root for descriptor files and pairs each with the sibling
// files named base+suffix that exist. Sources come back in walk order.
func Locate(root string, companionSuffixes []string) ([]Source, error) {
	suffixes := uniqueSuffixes(companionSuffixes)

	var sources []Source
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), DescriptorExt) {
			return nil
		}
		if !isRegularFile(path) {
			return nil
		}
		sources = append(sources, sourceFor(path, suffixes))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrSearch, root, err)
	}
	return sources, nil
}

func sourceFor(descriptor string, suffixes []string) Source {
	dir := filepath.Dir(descriptor)
	base := strings.TrimSuffix(filepath.Base(descriptor), DescriptorExt)

	companions := make([]string, 0, len(suffixes))
	for _, suffix := range suffixes {
		candidate := filepath.Join(dir, base+suffix)
		if candidate == descriptor || !isRegularFile(candidate) {
			continue
		}
		companions = append(companions, candidate)
	}
	return Source{Descriptor: descriptor, Companions: companions}
}

// uniqueSuffixes drops blank and repeated suffixes, keeping first occurrence order.
func uniqueSuffixes(suffixes []string) []string {
	seen := mapset.NewThreadUnsafeSet[string]()
	out := make([]string, 0, len(suffixes))
	for _, s := range suffixes {
		s = strings.TrimSpace(s)
		if s == "" || !seen.Add(s) {
			continue
		}
		out = append(out, s)
	}
	return out
}

// isRegularFile follows symlinks.
func isRegularFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
