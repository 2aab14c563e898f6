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

package cmd

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardinalhq/nexuspublisher/internal/publisher"
	"github.com/cardinalhq/nexuspublisher/internal/staging"
)

type recordingBulk struct {
	path string
	ids  []string
	err  error
}

func (r *recordingBulk) BulkAction(_ context.Context, actionPath string, ids []string, _ string) error {
	r.path = actionPath
	r.ids = ids
	return r.err
}

func TestRunBulkFiltersPlaceholders(t *testing.T) {
	rec := &recordingBulk{}
	err := runBulk(context.Background(), rec, staging.BulkDropPath,
		[]string{"comcardinalhq-1001", publisher.UnassignedID, "", "comcardinalhq-1002"}, "test")
	require.NoError(t, err)

	assert.Equal(t, staging.BulkDropPath, rec.path)
	assert.Equal(t, []string{"comcardinalhq-1001", "comcardinalhq-1002"}, rec.ids)
}

func TestRunBulkNothingToDo(t *testing.T) {
	rec := &recordingBulk{}
	err := runBulk(context.Background(), rec, staging.BulkPromotePath, []string{publisher.UnassignedID}, "test")
	require.Error(t, err)
	assert.Empty(t, rec.path)
}

func TestRunBulkPropagatesFailure(t *testing.T) {
	rec := &recordingBulk{err: errors.New("boom")}
	err := runBulk(context.Background(), rec, staging.BulkPromotePath, []string{"x-1"}, "test")
	assert.ErrorContains(t, err, "boom")
}
