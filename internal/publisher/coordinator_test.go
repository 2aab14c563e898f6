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
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardinalhq/nexuspublisher/internal/bundle"
	"github.com/cardinalhq/nexuspublisher/internal/staging"
)

type bulkCall struct {
	path string
	ids  []string
}

type uploadReply struct {
	resp staging.Response
	err  error
}

// fakeStager replays scripted answers. The last probe answer for an id repeats.
type fakeStager struct {
	mu      sync.Mutex
	uploads map[string]uploadReply
	probes  map[string][]staging.Response
	probed  map[string]int
	bulk    []bulkCall
	bulkErr error
}

func newFakeStager() *fakeStager {
	return &fakeStager{
		uploads: map[string]uploadReply{},
		probes:  map[string][]staging.Response{},
		probed:  map[string]int{},
	}
}

func (f *fakeStager) accept(archive, id string, probes ...staging.Response) {
	f.uploads[archive] = uploadReply{resp: staging.Response{
		StatusCode: http.StatusCreated,
		Body:       `{"repositoryUris":["https://host/content/repositories/` + id + `"]}`,
	}}
	f.probes[id] = probes
}

func (f *fakeStager) Upload(_ context.Context, archive string) (staging.Response, error) {
	r, ok := f.uploads[archive]
	if !ok {
		return staging.Response{StatusCode: http.StatusBadRequest, Body: "unknown archive"}, nil
	}
	return r.resp, r.err
}

func (f *fakeStager) Probe(_ context.Context, id string) (staging.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.probed[id]
	f.probed[id] = n + 1
	script := f.probes[id]
	if len(script) == 0 {
		return staging.Response{}, fmt.Errorf("%w: no script for %s", staging.ErrTransport, id)
	}
	if n >= len(script) {
		n = len(script) - 1
	}
	return script[n], nil
}

func (f *fakeStager) BulkAction(_ context.Context, path string, ids []string, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bulk = append(f.bulk, bulkCall{path: path, ids: ids})
	return f.bulkErr
}

func probeBody(notifications int, transitioning bool) staging.Response {
	return staging.Response{
		StatusCode: http.StatusOK,
		Body:       fmt.Sprintf("<notifications>%d</notifications><transitioning>%t</transitioning>", notifications, transitioning),
	}
}

type recordingSleeper struct {
	mu     sync.Mutex
	pauses []time.Duration
}

func (r *recordingSleeper) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.pauses = append(r.pauses, d)
	r.mu.Unlock()
	return ctx.Err()
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.InitialPause = 10 * time.Second
	cfg.LoopPause = 3 * time.Second
	return cfg
}

func packaged(names ...string) []bundle.Packaged {
	out := make([]bundle.Packaged, 0, len(names))
	for _, n := range names {
		out = append(out, bundle.Packaged{Archive: "/work/" + n + "_bundle.jar"})
	}
	return out
}

func statuses(r Result) []Status {
	out := make([]Status, 0, len(r.States))
	for _, s := range r.States {
		out = append(out, s.Status)
	}
	return out
}

func TestPublish_UploadAssignsRepositoryID(t *testing.T) {
	st := newFakeStager()
	st.accept("/work/a_bundle.jar", "demo-42", probeBody(0, false))
	sl := &recordingSleeper{}

	res, err := NewCoordinator(st, testConfig(), WithSleeper(sl.sleep)).
		Publish(context.Background(), packaged("a"), ActionKeep)
	require.NoError(t, err)

	require.Len(t, res.States, 1)
	assert.Equal(t, "demo-42", res.States[0].AssignedID)
	assert.Equal(t, StatusValidated, res.States[0].Status)
	assert.True(t, res.AllSucceeded)
	assert.NoError(t, res.Err())
	assert.Empty(t, st.bulk)
}

func TestPublish_ValidationOutcomes(t *testing.T) {
	st := newFakeStager()
	st.accept("/work/ok_bundle.jar", "demo-1", probeBody(0, false))
	st.accept("/work/bad_bundle.jar", "demo-2", probeBody(2, false))
	sl := &recordingSleeper{}

	res, err := NewCoordinator(st, testConfig(), WithSleeper(sl.sleep)).
		Publish(context.Background(), packaged("ok", "bad"), ActionPromoteOrKeep)
	require.NoError(t, err)

	assert.Equal(t, []Status{StatusValidated, StatusFailedValidation}, statuses(res))
	assert.Equal(t, 2, res.States[1].LastProbe.Notifications)
	assert.False(t, res.AllSucceeded)
	assert.Empty(t, st.bulk, "promote must not be issued when a bundle failed")
	assert.Nil(t, res.ActionErr)
	require.Error(t, res.Err())
	assert.Contains(t, res.Err().Error(), "bad_bundle.jar")
}

func TestPublish_PollsUntilSettledWithShrinkingPauses(t *testing.T) {
	st := newFakeStager()
	st.accept("/work/a_bundle.jar", "demo-a",
		probeBody(0, true), probeBody(0, true), probeBody(0, false))
	st.accept("/work/b_bundle.jar", "demo-b",
		probeBody(0, true), probeBody(0, false))
	st.accept("/work/c_bundle.jar", "demo-c",
		probeBody(1, false))
	sl := &recordingSleeper{}

	res, err := NewCoordinator(st, testConfig(), WithSleeper(sl.sleep)).
		Publish(context.Background(), packaged("a", "b", "c"), ActionKeep)
	require.NoError(t, err)

	assert.Equal(t, []Status{StatusValidated, StatusValidated, StatusFailedValidation}, statuses(res))
	assert.Equal(t, []time.Duration{30 * time.Second, 6 * time.Second, 3 * time.Second}, sl.pauses)
	assert.Equal(t, map[string]int{"demo-a": 3, "demo-b": 2, "demo-c": 1}, st.probed)
}

func TestPublish_FailedUploadIsNeverProbed(t *testing.T) {
	st := newFakeStager()
	st.accept("/work/ok_bundle.jar", "demo-1", probeBody(0, false))
	st.uploads["/work/rejected_bundle.jar"] = uploadReply{resp: staging.Response{
		StatusCode: http.StatusBadRequest,
		Body:       `{"errors":[{"id":"*","msg":"invalid POM"}]}`,
	}}
	st.uploads["/work/offline_bundle.jar"] = uploadReply{err: fmt.Errorf("%w: connection refused", staging.ErrTransport)}
	sl := &recordingSleeper{}

	res, err := NewCoordinator(st, testConfig(), WithSleeper(sl.sleep)).
		Publish(context.Background(), packaged("ok", "rejected", "offline"), ActionDrop)
	require.NoError(t, err)

	assert.Equal(t, []Status{StatusValidated, StatusFailedUpload, StatusFailedUpload}, statuses(res))
	assert.Equal(t, UnassignedID, res.States[1].AssignedID)
	assert.Contains(t, res.States[1].LastProbe.Info, "invalid POM")
	assert.Contains(t, res.States[2].LastProbe.Info, "connection refused")
	assert.Equal(t, map[string]int{"demo-1": 1}, st.probed)
	assert.False(t, res.AllSucceeded)

	require.Len(t, st.bulk, 1)
	assert.Equal(t, bulkCall{path: staging.BulkDropPath, ids: []string{"demo-1"}}, st.bulk[0])
}

func TestPublish_UnparseableUploadResponse(t *testing.T) {
	st := newFakeStager()
	st.uploads["/work/a_bundle.jar"] = uploadReply{resp: staging.Response{StatusCode: http.StatusCreated, Body: "{}"}}
	sl := &recordingSleeper{}

	res, err := NewCoordinator(st, testConfig(), WithSleeper(sl.sleep)).
		Publish(context.Background(), packaged("a"), ActionKeep)
	require.NoError(t, err)

	assert.Equal(t, []Status{StatusFailedUpload}, statuses(res))
	assert.Empty(t, sl.pauses, "nothing to wait for")
}

func TestPublish_FailedProbeIsFailedValidation(t *testing.T) {
	st := newFakeStager()
	st.accept("/work/a_bundle.jar", "demo-1", staging.Response{StatusCode: http.StatusInternalServerError, Body: "oops"})
	st.accept("/work/b_bundle.jar", "demo-2", staging.Response{StatusCode: http.StatusOK, Body: "<html>maintenance</html>"})
	st.accept("/work/c_bundle.jar", "demo-3")
	sl := &recordingSleeper{}

	res, err := NewCoordinator(st, testConfig(), WithSleeper(sl.sleep)).
		Publish(context.Background(), packaged("a", "b", "c"), ActionKeep)
	require.NoError(t, err)

	assert.Equal(t, []Status{StatusFailedValidation, StatusFailedValidation, StatusFailedValidation}, statuses(res))
	for _, s := range res.States {
		assert.Equal(t, -1, s.LastProbe.Notifications)
		assert.False(t, s.LastProbe.Transitioning)
	}
	assert.Equal(t, "Failed repository probe; status: 500, message: oops", res.States[0].LastProbe.Info)
	assert.Contains(t, res.States[1].LastProbe.Info, "maintenance")
	assert.Contains(t, res.States[2].LastProbe.Info, "no script")
	assert.Len(t, sl.pauses, 1)
}

func TestPublish_TerminalActions(t *testing.T) {
	tests := []struct {
		name     string
		action   Action
		failOne  bool
		wantBulk []bulkCall
		wantAll  bool
	}{
		{"keep all valid", ActionKeep, false, nil, true},
		{"keep with failure", ActionKeep, true, nil, false},
		{"drop all valid", ActionDrop, false, []bulkCall{{staging.BulkDropPath, []string{"demo-1", "demo-2"}}}, true},
		{"drop with failure", ActionDrop, true, []bulkCall{{staging.BulkDropPath, []string{"demo-1", "demo-2"}}}, false},
		{"promote all valid", ActionPromoteOrKeep, false, []bulkCall{{staging.BulkPromotePath, []string{"demo-1", "demo-2"}}}, true},
		{"promote with failure keeps", ActionPromoteOrKeep, true, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := newFakeStager()
			st.accept("/work/a_bundle.jar", "demo-1", probeBody(0, false))
			second := probeBody(0, false)
			if tt.failOne {
				second = probeBody(3, false)
			}
			st.accept("/work/b_bundle.jar", "demo-2", second)
			sl := &recordingSleeper{}

			res, err := NewCoordinator(st, testConfig(), WithSleeper(sl.sleep)).
				Publish(context.Background(), packaged("a", "b"), tt.action)
			require.NoError(t, err)

			assert.Equal(t, tt.wantAll, res.AllSucceeded)
			assert.Equal(t, tt.wantBulk, st.bulk)
			assert.Nil(t, res.ActionErr)
		})
	}
}

func TestPublish_BulkActionFailureDoesNotChangeOutcome(t *testing.T) {
	st := newFakeStager()
	st.accept("/work/a_bundle.jar", "demo-1", probeBody(0, false))
	st.bulkErr = fmt.Errorf("%w: status 500", staging.ErrTransport)
	sl := &recordingSleeper{}

	res, err := NewCoordinator(st, testConfig(), WithSleeper(sl.sleep)).
		Publish(context.Background(), packaged("a"), ActionPromoteOrKeep)
	require.NoError(t, err)

	assert.True(t, res.AllSucceeded)
	require.ErrorIs(t, res.ActionErr, staging.ErrTransport)
	assert.NoError(t, res.Err())
}

func TestPublish_CancelledDuringPause(t *testing.T) {
	st := newFakeStager()
	st.accept("/work/a_bundle.jar", "demo-1", probeBody(0, true))
	ctx, cancel := context.WithCancel(context.Background())
	rounds := 0
	sleeper := func(ctx context.Context, _ time.Duration) error {
		rounds++
		if rounds == 3 {
			cancel()
		}
		return ctx.Err()
	}

	res, err := NewCoordinator(st, testConfig(), WithSleeper(sleeper)).
		Publish(ctx, packaged("a"), ActionDrop)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []Status{StatusUploaded}, statuses(res))
	assert.Empty(t, st.bulk, "an aborted run must not act on repositories")
}

func TestPublish_NoBundles(t *testing.T) {
	st := newFakeStager()
	sl := &recordingSleeper{}

	res, err := NewCoordinator(st, testConfig(), WithSleeper(sl.sleep)).
		Publish(context.Background(), nil, ActionPromoteOrKeep)
	require.NoError(t, err)
	assert.True(t, res.AllSucceeded)
	assert.Empty(t, sl.pauses)
	assert.Empty(t, st.bulk)
}

// Every repository eventually reports transitioning=false, however many
// busy answers precede it; the loop must end after the longest script.
func TestPublish_Terminates(t *testing.T) {
	st := newFakeStager()
	var bundles []bundle.Packaged
	longest := 0
	for i := 0; i < 8; i++ {
		busy := (i * 7) % 5
		script := make([]staging.Response, 0, busy+1)
		for j := 0; j < busy; j++ {
			script = append(script, probeBody(0, true))
		}
		script = append(script, probeBody(i%2, false))
		name := fmt.Sprintf("b%d", i)
		st.accept("/work/"+name+"_bundle.jar", "demo-"+name, script...)
		bundles = append(bundles, packaged(name)...)
		longest = max(longest, len(script))
	}
	sl := &recordingSleeper{}

	res, err := NewCoordinator(st, testConfig(), WithSleeper(sl.sleep)).
		Publish(context.Background(), bundles, ActionKeep)
	require.NoError(t, err)

	assert.Len(t, sl.pauses, longest)
	for _, s := range res.States {
		assert.False(t, s.Status.Transitioning())
	}
}

func TestSleepContext(t *testing.T) {
	require.NoError(t, SleepContext(context.Background(), time.Millisecond))
	require.NoError(t, SleepContext(context.Background(), 0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := SleepContext(ctx, time.Hour)
	require.True(t, errors.Is(err, context.Canceled))
}

func TestParseAction(t *testing.T) {
	for in, want := range map[string]Action{
		"keep":            ActionKeep,
		"DROP":            ActionDrop,
		"promote_or_keep": ActionPromoteOrKeep,
		"Promote-Or-Keep": ActionPromoteOrKeep,
	} {
		got, err := ParseAction(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
		assert.Equal(t, got, mustParse(t, got.String()))
	}
	_, err := ParseAction("publish")
	require.Error(t, err)
}

func mustParse(t *testing.T, s string) Action {
	t.Helper()
	a, err := ParseAction(s)
	require.NoError(t, err)
	return a
}

func TestStatus(t *testing.T) {
	assert.True(t, StatusUploaded.Transitioning())
	for _, s := range []Status{StatusFailedUpload, StatusFailedValidation, StatusValidated} {
		assert.False(t, s.Transitioning(), s.String())
	}
	assert.Equal(t, "FAILED_VALIDATION", StatusFailedValidation.String())
}

func TestResultSummary(t *testing.T) {
	r := Result{States: []RepositoryState{
		{Bundle: bundle.Packaged{Archive: "/work/a_bundle.jar"}, Status: StatusValidated, AssignedID: "demo-1"},
		{Bundle: bundle.Packaged{Archive: "/work/b_bundle.jar"}, Status: StatusFailedUpload, AssignedID: UnassignedID},
	}}
	assert.Equal(t,
		" a_bundle.jar repo:demo-1, status: VALIDATED\n b_bundle.jar repo:_unassigned_, status: FAILED_UPLOAD",
		r.Summary())
}
