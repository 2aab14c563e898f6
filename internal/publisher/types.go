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

package publisher

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/cardinalhq/nexuspublisher/internal/bundle"
)

// Status is the lifecycle position of one uploaded bundle.
// Only StatusUploaded is non-terminal.
type Status int

const (
	StatusFailedUpload Status = iota
	StatusUploaded
	StatusFailedValidation
	StatusValidated
)

func (s Status) String() string {
	switch s {
	case StatusFailedUpload:
		return "FAILED_UPLOAD"
	case StatusUploaded:
		return "UPLOADED"
	case StatusFailedValidation:
		return "FAILED_VALIDATION"
	case StatusValidated:
		return "VALIDATED"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Transitioning reports whether the remote service is still working on the repository.
func (s Status) Transitioning() bool {
	return s == StatusUploaded
}

// Action is what happens to the repositories once they have settled.
type Action int

const (
	// ActionKeep leaves the repositories for inspection; they must be dropped manually.
	ActionKeep Action = iota
	// ActionDrop deletes all repositories.
	ActionDrop
	// ActionPromoteOrKeep promotes the repositories if all validated, otherwise keeps them.
	ActionPromoteOrKeep
)

func (a Action) String() string {
	switch a {
	case ActionKeep:
		return "keep"
	case ActionDrop:
		return "drop"
	case ActionPromoteOrKeep:
		return "promote_or_keep"
	default:
		return fmt.Sprintf("Action(%d)", int(a))
	}
}

// ParseAction accepts the names produced by Action.String, case-insensitively.
// Dashes are accepted in place of underscores.
func ParseAction(s string) (Action, error) {
	switch strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_") {
	case "keep":
		return ActionKeep, nil
	case "drop":
		return ActionDrop, nil
	case "promote_or_keep":
		return ActionPromoteOrKeep, nil
	default:
		return ActionKeep, fmt.Errorf("unknown target action %q (want drop, keep or promote_or_keep)", s)
	}
}

// UnassignedID stands in for the repository id until an upload is accepted.
const UnassignedID = "_unassigned_"

// ProbeInfo is what the latest probe (or the upload) said about a repository.
// Notifications is -1 when no probe result could be read.
type ProbeInfo struct {
	Notifications int
	Transitioning bool
	Info          string
}

// RepositoryState is replaced, never mutated, as the bundle moves through its lifecycle.
type RepositoryState struct {
	Bundle     bundle.Packaged
	Status     Status
	AssignedID string
	LastProbe  ProbeInfo
}

func (rs RepositoryState) summary() string {
	return fmt.Sprintf("%s repo:%s, status: %s", filepath.Base(rs.Bundle.Archive), rs.AssignedID, rs.Status)
}
