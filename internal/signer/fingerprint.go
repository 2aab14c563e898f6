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

package signer

import "strings"

const fingerprintRecord = "fpr"

// extractFingerprint finds the first "fpr" record in gpg --with-colons
// output. The fingerprint is the first non-empty field after the record type.
func extractFingerprint(listing string) (string, bool) {
	for _, line := range strings.Split(listing, "\n") {
		line = strings.TrimRight(line, "\r")
		if !strings.HasPrefix(line, fingerprintRecord+":") {
			continue
		}
		for _, field := range strings.Split(line[len(fingerprintRecord)+1:], ":") {
			if field != "" {
				return field, true
			}
		}
	}
	return "", false
}
