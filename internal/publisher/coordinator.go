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

// Package publisher uploads packaged bundles to a staging service, waits for
// the remote validation of every repository to settle and then drops, keeps
// or promotes them.
package publisher

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/cardinalhq/nexuspublisher/internal/bundle"
	"github.com/cardinalhq/nexuspublisher/internal/logctx"
	"github.com/cardinalhq/nexuspublisher/internal/staging"
)

// Stager is the part of the staging client the coordinator drives.
type Stager interface {
	Upload(ctx context.Context, archive string) (staging.Response, error)
	Probe(ctx context.Context, repositoryID string) (staging.Response, error)
	BulkAction(ctx context.Context, actionPath string, repositoryIDs []string, description string) error
}

// Sleeper pauses for d or until ctx is done, whichever comes first.
type Sleeper func(ctx context.Context, d time.Duration) error

// SleepContext is the default Sleeper.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type Config struct {
	// InitialPause is taken once per bundle before the first probe round.
	InitialPause time.Duration
	// LoopPause is taken once per still transitioning bundle between rounds.
	LoopPause time.Duration
	// ProbeConcurrency bounds the probes in flight within one round.
	ProbeConcurrency int
	// Description is sent along with bulk actions.
	Description string
}

func DefaultConfig() Config {
	return Config{
		InitialPause:     60 * time.Second,
		LoopPause:        15 * time.Second,
		ProbeConcurrency: 4,
		Description:      "nexuspublisher",
	}
}

type Option func(*Coordinator)

// WithParser replaces the response parser.
func WithParser(p staging.Parser) Option {
	return func(c *Coordinator) { c.parser = p }
}

// WithSleeper replaces the pause between probe rounds.
func WithSleeper(s Sleeper) Option {
	return func(c *Coordinator) { c.sleep = s }
}

// Coordinator owns the upload, settle and terminal action state machine.
type Coordinator struct {
	stager Stager
	parser staging.Parser
	sleep  Sleeper
	cfg    Config
}

func NewCoordinator(stager Stager, cfg Config, opts ...Option) *Coordinator {
	if cfg.ProbeConcurrency <= 0 {
		cfg.ProbeConcurrency = 1
	}
	c := &Coordinator{
		stager: stager,
		parser: staging.LiteralParser{},
		sleep:  SleepContext,
		cfg:    cfg,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Result is the outcome of one publish run.
type Result struct {
	States []RepositoryState
	// AllSucceeded is true when every repository validated. It does not
	// depend on the requested action.
	AllSucceeded bool
	// ActionErr is set when the drop or promote request itself failed.
	// It is reported separately and never turns a run into a failure.
	ActionErr error
}

// Err collects every bundle that did not validate. It is nil exactly when
// AllSucceeded is true.
func (r Result) Err() error {
	var errs *multierror.Error
	for _, s := range r.States {
		if s.Status != StatusValidated {
			errs = multierror.Append(errs, fmt.Errorf("%s: %s: %s", s.summary(), s.Status, s.LastProbe.Info))
		}
	}
	return errs.ErrorOrNil()
}

// Summary lists one line per bundle.
func (r Result) Summary() string {
	return makeSummary(r.States)
}

// Publish runs the whole lifecycle. The returned error is reserved for
// aborting the run (cancellation); per-bundle failures are in the Result.
func (c *Coordinator) Publish(ctx context.Context, bundles []bundle.Packaged, action Action) (Result, error) {
	ll := logctx.FromContext(ctx)

	states, err := c.uploadAll(ctx, bundles)
	if err != nil {
		return Result{States: states}, err
	}
	ll.Info("Uploaded bundles:\n" + makeSummary(states))

	ll.Info("Waiting for repositories to settle", "count", len(states))
	states, err = c.settle(ctx, states)
	if err != nil {
		return Result{States: states}, err
	}
	ll.Info("Processed bundles:\n" + makeSummary(states))
	for _, s := range states {
		recordOutcome(ctx, s.Status)
		if s.Status != StatusValidated {
			ll.Warn("Bundle did not validate",
				"archive", s.Bundle.Archive,
				"repository", s.AssignedID,
				"status", s.Status.String(),
				"info", s.LastProbe.Info)
		}
	}

	result := Result{States: states, AllSucceeded: allValidated(states)}
	actionErr := c.finish(ctx, states, action, result.AllSucceeded)
	if actionErr != nil && ctx.Err() != nil {
		return result, ctx.Err()
	}
	result.ActionErr = actionErr
	return result, nil
}

func (c *Coordinator) uploadAll(ctx context.Context, bundles []bundle.Packaged) ([]RepositoryState, error) {
	states := make([]RepositoryState, 0, len(bundles))
	for _, b := range bundles {
		state, err := c.upload(ctx, b)
		if err != nil {
			return states, err
		}
		states = append(states, state)
	}
	return states, nil
}

func (c *Coordinator) upload(ctx context.Context, b bundle.Packaged) (RepositoryState, error) {
	failed := func(info string) RepositoryState {
		recordUpload(ctx, StatusFailedUpload)
		return RepositoryState{
			Bundle:     b,
			Status:     StatusFailedUpload,
			AssignedID: UnassignedID,
			LastProbe:  ProbeInfo{Notifications: -1, Info: info},
		}
	}

	resp, err := c.stager.Upload(ctx, b.Archive)
	if err != nil {
		if ctx.Err() != nil {
			return RepositoryState{}, ctx.Err()
		}
		return failed("Upload failed: " + err.Error()), nil
	}
	if resp.StatusCode != http.StatusCreated {
		return failed(fmt.Sprintf("Upload status: %d, message: %s", resp.StatusCode, resp.Body)), nil
	}
	id, err := c.parser.RepositoryID(resp.Body)
	if err != nil {
		return failed(fmt.Sprintf("Upload status: %d, message: %s (%v)", resp.StatusCode, resp.Body, err)), nil
	}

	recordUpload(ctx, StatusUploaded)
	return RepositoryState{
		Bundle:     b,
		Status:     StatusUploaded,
		AssignedID: id,
		LastProbe:  ProbeInfo{Notifications: -1, Info: "Assigned id: " + id},
	}, nil
}

// settle probes until no repository is transitioning. The pause before a
// round scales with the number of repositories still being worked on.
func (c *Coordinator) settle(ctx context.Context, states []RepositoryState) ([]RepositoryState, error) {
	start := time.Now()
	defer func() { recordSettle(ctx, time.Since(start)) }()

	wait := c.cfg.InitialPause * time.Duration(len(states))
	for round := 1; countTransitioning(states) > 0; round++ {
		if err := c.sleep(ctx, wait); err != nil {
			return states, fmt.Errorf("interrupted while waiting for repository state change: %w", err)
		}

		next, err := c.probeRound(ctx, states)
		if err != nil {
			return states, err
		}
		states = next

		remaining := countTransitioning(states)
		wait = c.cfg.LoopPause * time.Duration(remaining)
		logctx.FromContext(ctx).Info("Probe round complete", "round", round, "stillProcessing", remaining)
	}
	return states, nil
}

// probeRound returns a new state slice; terminal states are carried over untouched.
func (c *Coordinator) probeRound(ctx context.Context, states []RepositoryState) ([]RepositoryState, error) {
	next := make([]RepositoryState, len(states))
	copy(next, states)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.ProbeConcurrency)
	for i, s := range states {
		if !s.Status.Transitioning() {
			continue
		}
		g.Go(func() error {
			updated, err := c.updateState(gctx, s)
			if err != nil {
				return err
			}
			next[i] = updated
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return states, err
	}
	return next, nil
}

func (c *Coordinator) updateState(ctx context.Context, current RepositoryState) (RepositoryState, error) {
	info, err := c.probe(ctx, current.AssignedID)
	if err != nil {
		return current, err
	}

	status := current.Status
	if !info.Transitioning {
		if info.Notifications == 0 {
			status = StatusValidated
		} else {
			status = StatusFailedValidation
		}
	}
	return RepositoryState{
		Bundle:     current.Bundle,
		Status:     status,
		AssignedID: current.AssignedID,
		LastProbe:  info,
	}, nil
}

// probe never fails for a misbehaving server: such answers come back as
// a non-transitioning ProbeInfo with Notifications -1, i.e. a failed validation.
func (c *Coordinator) probe(ctx context.Context, id string) (ProbeInfo, error) {
	resp, err := c.stager.Probe(ctx, id)
	if err != nil {
		if ctx.Err() != nil {
			return ProbeInfo{}, ctx.Err()
		}
		recordProbe(ctx, "transport_failure")
		return ProbeInfo{Notifications: -1, Info: "Failed repository probe: " + err.Error()}, nil
	}
	if resp.StatusCode != http.StatusOK {
		recordProbe(ctx, "http_failure")
		return ProbeInfo{
			Notifications: -1,
			Info:          fmt.Sprintf("Failed repository probe; status: %d, message: %s", resp.StatusCode, resp.Body),
		}, nil
	}
	parsed, err := c.parser.ProbeResult(resp.Body)
	if err != nil {
		recordProbe(ctx, "parse_failure")
		return ProbeInfo{Notifications: -1, Info: fmt.Sprintf("%v; body: %s", err, resp.Body)}, nil
	}
	if parsed.Transitioning {
		recordProbe(ctx, "transitioning")
	} else {
		recordProbe(ctx, "settled")
	}
	return ProbeInfo{
		Notifications: parsed.Notifications,
		Transitioning: parsed.Transitioning,
		Info:          resp.Body,
	}, nil
}

func (c *Coordinator) finish(ctx context.Context, states []RepositoryState, action Action, allSucceeded bool) error {
	ll := logctx.FromContext(ctx)
	ids := assignedIDs(states)

	if action == ActionKeep || (action == ActionPromoteOrKeep && !allSucceeded) {
		ll.Info("Keeping repositories", "repositories", strings.Join(ids, ","))
		if !allSucceeded {
			ll.Warn("NOTICE: not all repositories validated successfully!")
		}
		return nil
	}
	if len(ids) == 0 {
		ll.Info("No repositories were created, nothing to " + action.String())
		return nil
	}

	switch action {
	case ActionDrop:
		ll.Info("Dropping repositories", "repositories", strings.Join(ids, ","))
		if err := c.stager.BulkAction(ctx, staging.BulkDropPath, ids, c.cfg.Description); err != nil {
			return fmt.Errorf("dropping repositories: %w", err)
		}
	case ActionPromoteOrKeep:
		ll.Info("Promoting repositories", "repositories", strings.Join(ids, ","))
		if err := c.stager.BulkAction(ctx, staging.BulkPromotePath, ids, c.cfg.Description); err != nil {
			return fmt.Errorf("promoting repositories: %w", err)
		}
	default:
		return fmt.Errorf("unsupported action %s", action)
	}
	ll.Info("Done")
	return nil
}

// assignedIDs returns the distinct real repository ids in bundle order.
func assignedIDs(states []RepositoryState) []string {
	seen := mapset.NewThreadUnsafeSet[string]()
	ids := make([]string, 0, len(states))
	for _, s := range states {
		if s.AssignedID == UnassignedID || s.AssignedID == "" || !seen.Add(s.AssignedID) {
			continue
		}
		ids = append(ids, s.AssignedID)
	}
	return ids
}

func allValidated(states []RepositoryState) bool {
	for _, s := range states {
		if s.Status != StatusValidated {
			return false
		}
	}
	return true
}

func countTransitioning(states []RepositoryState) int {
	n := 0
	for _, s := range states {
		if s.Status.Transitioning() {
			n++
		}
	}
	return n
}

func makeSummary(states []RepositoryState) string {
	lines := make([]string, 0, len(states))
	for _, s := range states {
		lines = append(lines, " "+s.summary())
	}
	return strings.Join(lines, "\n")
}
