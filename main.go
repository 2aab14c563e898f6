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

package main

import (
	"fmt"
	"os"
	"time"

	gomaxecs "github.com/rdforte/gomaxecs/maxprocs"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/cardinalhq/nexuspublisher/cmd"
)

func init() {
	time.Local = time.UTC

	// GOMAXPROCS follows the container CPU quota.
	if gomaxecs.IsECS() {
		if _, err := gomaxecs.Set(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to set GOMAXPROCS from ECS task metadata: %v\n", err)
		}
		return
	}
	if _, err := maxprocs.Set(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to set GOMAXPROCS from cgroup quota: %v\n", err)
	}
}

func main() {
	cmd.Execute()
}
