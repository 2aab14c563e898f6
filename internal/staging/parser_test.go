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
	"io"
	"mime"
	"mime/multipart"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLiteralParser_RepositoryID(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    string
		wantErr bool
	}{
		{"demo host", `{"repositoryUris":["https://host/content/repositories/demo-42"]}`, "demo-42", false},
		{"s01", `{"repositoryUris":["https://s01.oss.sonatype.org/content/repositories/dkmada-1234"]}`, "dkmada-1234", false},
		{"trailing newline", "{\"repositoryUris\":[\"https://host/content/repositories/demo-7\"]}\n", "demo-7", false},
		{"error document", `{"errors":[{"id":"*","msg":"No valid staging profile"}]}`, "", true},
		{"empty", "", "", true},
		{"empty uri", `{"repositoryUris":[""]}`, "", true},
		{"multiple uris", `{"repositoryUris":["https://h/r/a","https://h/r/b"]}`, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := LiteralParser{}.RepositoryID(tt.body)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrProtocolParse)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLiteralParser_ProbeResult(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    ProbeResult
		wantErr bool
	}{
		{"validated", "<notifications>0</notifications><transitioning>false</transitioning>", ProbeResult{0, false}, false},
		{"failed", "<notifications>2</notifications><transitioning>false</transitioning>", ProbeResult{2, false}, false},
		{"busy", "<x><transitioning>true</transitioning><notifications>0</notifications></x>", ProbeResult{0, true}, false},
		{"case insensitive bool", "<notifications> 1 </notifications><transitioning>TRUE</transitioning>", ProbeResult{1, true}, false},
		{"missing notifications", "<transitioning>false</transitioning>", ProbeResult{}, true},
		{"missing transitioning", "<notifications>0</notifications>", ProbeResult{}, true},
		{"bad number", "<notifications>many</notifications><transitioning>false</transitioning>", ProbeResult{}, true},
		{"unterminated", "<notifications>0", ProbeResult{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := LiteralParser{}.ProbeResult(tt.body)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrProtocolParse)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFilePart_Framing(t *testing.T) {
	payload := "jar bytes"
	p := newFilePart("x_bundle.jar", strings.NewReader(payload), int64(len(payload)))

	body, err := io.ReadAll(p.Reader())
	require.NoError(t, err)
	assert.Equal(t, p.Len(), int64(len(body)))

	mediaType, params, err := mime.ParseMediaType(p.ContentType())
	require.NoError(t, err)
	assert.Equal(t, "multipart/form-data", mediaType)

	mr := multipart.NewReader(strings.NewReader(string(body)), params["boundary"])
	part, err := mr.NextPart()
	require.NoError(t, err)
	assert.Equal(t, "file", part.FormName())
	assert.Equal(t, "x_bundle.jar", part.FileName())
	data, err := io.ReadAll(part)
	require.NoError(t, err)
	assert.Equal(t, payload, string(data))
	_, err = mr.NextPart()
	assert.ErrorIs(t, err, io.EOF)
}

func TestFilePart_UniqueBoundary(t *testing.T) {
	a := newFilePart("a.jar", strings.NewReader(""), 0)
	b := newFilePart("a.jar", strings.NewReader(""), 0)
	assert.NotEqual(t, a.boundary, b.boundary)
}

func TestContentTypeFor(t *testing.T) {
	assert.Equal(t, "application/java-archive", contentTypeFor("a_bundle.JAR"))
	assert.Equal(t, "application/octet-stream", contentTypeFor("noext"))
}
