/*
Copyright 2022 The Numaproj Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gavv/httpexpect/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func Test_MetricsServer_Endpoints(t *testing.T) {
	healthy := true
	ms := NewMetricsServer(WithHealthCheckExecutor(func() error {
		if !healthy {
			return errors.New("store unreachable")
		}
		return nil
	}))
	server := httptest.NewServer(ms.handler(zap.NewNop().Sugar()))
	defer server.Close()

	e := httpexpect.Default(t, server.URL)
	e.GET("/livez").Expect().Status(http.StatusNoContent)
	e.GET("/readyz").Expect().Status(http.StatusServiceUnavailable)

	ms.MarkReady()
	e.GET("/readyz").Expect().Status(http.StatusNoContent)

	healthy = false
	e.GET("/readyz").Expect().Status(http.StatusInternalServerError).Body().Contains("store unreachable")

	AckCount.WithLabelValues("metrics-server-test").Inc()
	e.GET("/metrics").Expect().Status(http.StatusOK).Body().Contains("projection_ack_total")
}

func Test_MetricsServer_Start(t *testing.T) {
	ms := NewMetricsServer(WithPort(0))
	addr, shutdown, err := ms.Start(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, addr)

	resp, err := http.Get("http://" + addr + "/livez")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.NoError(t, shutdown(context.Background()))
}

func Test_MetricsServer_Options(t *testing.T) {
	ms := NewMetricsServer(WithPort(9999), nil)
	assert.Equal(t, 9999, ms.port)
	assert.False(t, ms.ready.Load())
	assert.Empty(t, ms.healthCheckExecutors)
}

func Test_Counters(t *testing.T) {
	GapCount.WithLabelValues("metrics-test").Add(2)
	assert.Equal(t, float64(2), testutil.ToFloat64(GapCount.WithLabelValues("metrics-test")))
	Checkpoint.WithLabelValues("metrics-test").Set(42)
	assert.Equal(t, float64(42), testutil.ToFloat64(Checkpoint.WithLabelValues("metrics-test")))
}
