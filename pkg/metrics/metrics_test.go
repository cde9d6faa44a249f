// Copyright (c) 2022 The rcproxy Authors
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

package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dto "github.com/prometheus/client_model/go"
)

type fakeCounter struct{ n int }

func (f fakeCounter) SocketCount() int { return f.n }

func TestNewRegistersAllCollectors(t *testing.T) {
	m := New("metrics_test_new")
	m.Opens.WithLabelValues("ok").Inc()
	m.Closes.WithLabelValues("ok").Inc()
	m.Sends.WithLabelValues("ok").Inc()
	m.Recvs.WithLabelValues("ok").Inc()
	m.Accepts.WithLabelValues().Inc()
	m.AcceptRejected.WithLabelValues().Inc()
	m.Rollbacks.WithLabelValues("send").Inc()
	m.Aborts.WithLabelValues("recv").Inc()

	var metric dto.Metric
	require.NoError(t, m.Opens.WithLabelValues("ok").Write(&metric))
	assert.Equal(t, float64(1), metric.GetCounter().GetValue())
}

func TestStartRefreshesLiveSocketsGauge(t *testing.T) {
	m := New("metrics_test_start")
	m.Start(fakeCounter{n: 3})
	defer m.Stop()

	require.Eventually(t, func() bool {
		var metric dto.Metric
		_ = m.LiveSockets.WithLabelValues().Write(&metric)
		return metric.GetGauge().GetValue() == 3
	}, 2*time.Second, 20*time.Millisecond)
}
