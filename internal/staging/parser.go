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
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrProtocolParse is returned when a response does not have the expected shape.
var ErrProtocolParse = errors.New("unexpected staging response")

// RepositoryURIPrefix starts the body of a successful bundle upload.
const RepositoryURIPrefix = `{"repositoryUris":["`

// ProbeResult is the part of a repository status document that drives
// the settle loop.
type ProbeResult struct {
	Notifications int
	Transitioning bool
}

// Parser extracts the fields the publisher needs from response bodies.
type Parser interface {
	// RepositoryID returns the id of the repository created by an upload.
	RepositoryID(uploadBody string) (string, error)
	// ProbeResult reads a repository status document.
	ProbeResult(probeBody string) (ProbeResult, error)
}

// LiteralParser matches the literal markers the staging service emits
// without decoding the documents.
type LiteralParser struct{}

var _ Parser = LiteralParser{}

func (LiteralParser) RepositoryID(body string) (string, error) {
	if !strings.HasPrefix(body, RepositoryURIPrefix) {
		return "", fmt.Errorf("%w: no repository URI in upload response", ErrProtocolParse)
	}
	uri := strings.TrimSuffix(strings.TrimSpace(body[len(RepositoryURIPrefix):]), `"]}`)
	if strings.ContainsAny(uri, `",[]{}`) {
		return "", fmt.Errorf("%w: expected a single repository URI, got %q", ErrProtocolParse, uri)
	}
	id := strings.TrimRight(uri, "/")
	if i := strings.LastIndex(id, "/"); i >= 0 {
		id = id[i+1:]
	}
	if id == "" {
		return "", fmt.Errorf("%w: malformed repository URI %q", ErrProtocolParse, uri)
	}
	return id, nil
}

func (LiteralParser) ProbeResult(body string) (ProbeResult, error) {
	raw, err := tagValue(body, "notifications")
	if err != nil {
		return ProbeResult{}, err
	}
	notifications, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return ProbeResult{}, fmt.Errorf("%w: notifications %q", ErrProtocolParse, raw)
	}
	transitioning, err := tagValue(body, "transitioning")
	if err != nil {
		return ProbeResult{}, err
	}
	return ProbeResult{
		Notifications: notifications,
		Transitioning: strings.EqualFold(strings.TrimSpace(transitioning), "true"),
	}, nil
}

// tagValue returns the text between the first <name> and the following </name>.
func tagValue(doc, name string) (string, error) {
	open, closing := "<"+name+">", "</"+name+">"
	start := strings.Index(doc, open)
	if start < 0 {
		return "", fmt.Errorf("%w: missing <%s>", ErrProtocolParse, name)
	}
	start += len(open)
	end := strings.Index(doc[start:], closing)
	if end < 0 {
		return "", fmt.Errorf("%w: unterminated <%s>", ErrProtocolParse, name)
	}
	return doc[start : start+end], nil
}
