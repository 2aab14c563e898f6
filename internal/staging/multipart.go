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

package staging

import (
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const mimeNewline = "\r\n"

// filePart frames a single file as a multipart/form-data body by hand so the
// length is known up front and the upload is not sent chunked.
type filePart struct {
	boundary string
	intro    string
	outro    string
	payload  io.Reader
	size     int64
}

func newFilePart(filename string, payload io.Reader, size int64) *filePart {
	// The marker must be ASCII and must not occur in the payload; a random
	// UUID makes a collision with archive bytes practically impossible.
	boundary := "nexuspublisher-" + strings.ReplaceAll(uuid.NewString(), "-", "")
	intro := "--" + boundary + mimeNewline +
		fmt.Sprintf(`Content-Disposition: form-data; name="file"; filename="%s"`, filename) + mimeNewline +
		"Content-Type: " + contentTypeFor(filename) + mimeNewline +
		mimeNewline
	outro := mimeNewline + "--" + boundary + "--" + mimeNewline

	return &filePart{
		boundary: boundary,
		intro:    intro,
		outro:    outro,
		payload:  payload,
		size:     size,
	}
}

func (p *filePart) ContentType() string {
	return "multipart/form-data; boundary=" + p.boundary
}

func (p *filePart) Len() int64 {
	return int64(len(p.intro)) + p.size + int64(len(p.outro))
}

func (p *filePart) Reader() io.Reader {
	return io.MultiReader(strings.NewReader(p.intro), p.payload, strings.NewReader(p.outro))
}

func contentTypeFor(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if ext == ".jar" {
		return "application/java-archive"
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}
