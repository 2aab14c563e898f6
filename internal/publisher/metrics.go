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
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	meter = otel.Meter("github.com/cardinalhq/nexuspublisher/internal/publisher")

	uploadCounter   metric.Int64Counter
	probeCounter    metric.Int64Counter
	outcomeCounter  metric.Int64Counter
	settleHistogram metric.Float64Histogram
)

func init() {
	c, err := meter.Int64Counter(
		"nexuspublisher.bundles.uploaded",
		metric.WithDescription("Bundle uploads, by resulting status"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create bundles.uploaded counter: %w", err))
	}
	uploadCounter = c

	c, err = meter.Int64Counter(
		"nexuspublisher.probes",
		metric.WithDescription("Repository status probes, by outcome"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create probes counter: %w", err))
	}
	probeCounter = c

	c, err = meter.Int64Counter(
		"nexuspublisher.bundles.settled",
		metric.WithDescription("Bundles that reached a terminal status, by status"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create bundles.settled counter: %w", err))
	}
	outcomeCounter = c

	h, err := meter.Float64Histogram(
		"nexuspublisher.settle.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Time spent waiting for staging repositories to settle"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create settle.duration histogram: %w", err))
	}
	settleHistogram = h
}

func recordUpload(ctx context.Context, s Status) {
	uploadCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("status", s.String())))
}

func recordProbe(ctx context.Context, outcome string) {
	probeCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func recordOutcome(ctx context.Context, s Status) {
	outcomeCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("status", s.String())))
}

func recordSettle(ctx context.Context, d time.Duration) {
	settleHistogram.Record(context.WithoutCancel(ctx), d.Seconds())
}
