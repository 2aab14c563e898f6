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

// Package bundle discovers publishable artifact groups, signs their files
// and packages each group into a single upload archive.
package bundle

const (
	// DescriptorExt identifies the primary descriptor of a bundle.
	DescriptorExt = ".pom"
	// ArchiveSuffix replaces DescriptorExt to name the packaged archive.
	ArchiveSuffix = "_bundle.jar"
)

// Source is a primary descriptor plus the companion assets found next to it.
// Companions follow the configured suffix order.
type Source struct {
	Descriptor string
	Companions []string
}

// Files returns the descriptor followed by the companions.
func (s Source) Files() []string {
	files := make([]string, 0, 1+len(s.Companions))
	files = append(files, s.Descriptor)
	return append(files, s.Companions...)
}

// Signed pairs a Source with one signature per file, in Files() order.
type Signed struct {
	Source     Source
	Signatures []string
}

// Packaged is the archive built from a Signed bundle.
type Packaged struct {
	Archive string
	Signed  Signed
	// Digest is the xxhash64 of the archive bytes.
	Digest uint64
}
