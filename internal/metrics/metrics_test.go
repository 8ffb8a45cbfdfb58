// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/tombee/rundispatch/internal/metrics"
)

func TestRegisterAddsEveryCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New()
	m.Register(reg)

	families, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)
}

func TestSetQueueDepthRecordsPerPriorityLabel(t *testing.T) {
	m := metrics.New()
	m.SetQueueDepth(1, 5)

	var out dto.Metric
	require.NoError(t, m.QueueDepth.WithLabelValues("1").Write(&out))
	require.Equal(t, float64(5), out.GetGauge().GetValue())
}

func TestObserveLeaseLatencyMSConvertsToSeconds(t *testing.T) {
	m := metrics.New()
	m.ObserveLeaseLatencyMS(2500)

	var out dto.Metric
	require.NoError(t, m.LeaseLatency.Write(&out))
	require.Equal(t, uint64(1), out.GetHistogram().GetSampleCount())
	require.InDelta(t, 2.5, out.GetHistogram().GetSampleSum(), 0.001)
}

func TestEventBusDropHandlerIncrementsCounterForTopic(t *testing.T) {
	m := metrics.New()
	m.EventBusDropHandler("run:1")
	m.EventBusDropHandler("run:1")

	var out dto.Metric
	require.NoError(t, m.EventBusDropped.WithLabelValues("run:1").Write(&out))
	require.Equal(t, float64(2), out.GetCounter().GetValue())
}
