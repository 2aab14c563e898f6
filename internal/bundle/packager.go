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
	"archive/zip"
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// ErrPackaging is returned when the archive could not be written.
var ErrPackaging = errors.New("bundle packaging failed")

// ArchivePath is where the archive for descriptor is written.
func ArchivePath(descriptor string) string {
	base := strings.TrimSuffix(filepath.Base(descriptor), DescriptorExt)
	return filepath.Join(filepath.Dir(descriptor), base+ArchiveSuffix)
}

// Package writes the descriptor, companions and signatures into one jar
// (zip) archive next to the descriptor. Entries are stored by base name.
// The archive is assembled in a temporary file and renamed into place only
// once complete, so a failure never leaves a partial archive behind.
func Package(signed Signed) (Packaged, error) {
	files := signed.Source.Files()
	if len(signed.Signatures) != len(files) {
		return Packaged{}, fmt.Errorf("%w: %s: %d signatures for %d files",
			ErrPackaging, signed.Source.Descriptor, len(signed.Signatures), len(files))
	}
	files = append(files, signed.Signatures...)

	archive := ArchivePath(signed.Source.Descriptor)
	tmp, err := os.CreateTemp(filepath.Dir(archive), "."+filepath.Base(archive)+"-*.tmp")
	if err != nil {
		return Packaged{}, fmt.Errorf("%w: %s: %v", ErrPackaging, archive, err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	hasher := xxhash.New()
	bw := bufio.NewWriter(io.MultiWriter(tmp, hasher))
	zw := zip.NewWriter(bw)
	for _, f := range files {
		if err := addEntry(zw, f); err != nil {
			return Packaged{}, fmt.Errorf("%w: %s: %w", ErrPackaging, archive, err)
		}
	}
	if err := zw.Close(); err != nil {
		return Packaged{}, fmt.Errorf("%w: %s: %v", ErrPackaging, archive, err)
	}
	if err := bw.Flush(); err != nil {
		return Packaged{}, fmt.Errorf("%w: %s: %v", ErrPackaging, archive, err)
	}
	if err := tmp.Close(); err != nil {
		return Packaged{}, fmt.Errorf("%w: %s: %v", ErrPackaging, archive, err)
	}
	if err := os.Rename(tmpName, archive); err != nil {
		return Packaged{}, fmt.Errorf("%w: %s: %v", ErrPackaging, archive, err)
	}
	committed = true

	return Packaged{Archive: archive, Signed: signed, Digest: hasher.Sum64()}, nil
}

func addEntry(zw *zip.Writer, path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	w, err := zw.Create(filepath.Base(path))
	if err != nil {
		return fmt.Errorf("adding %s: %w", path, err)
	}
	if _, err := io.Copy(w, src); err != nil {
		return fmt.Errorf("copying %s: %w", path, err)
	}
	return nil
}
