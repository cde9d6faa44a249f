// Copyright (c) 2022 The rcproxy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License"): you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS, WITHOUT
// WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied. See the
// License for the specific language governing permissions and limitations
// under the License.

package web

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkauli/iot-gateway-opc-ua-proxy/pkg/diag"
)

type fakeCounter struct{ n int }

func (f fakeCounter) SocketCount() int { return f.n }

func TestHandleSocketsReportsLiveCountAndPending(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	tracker := diag.NewTracker()
	tracker.Begin("peer-1", "10.0.0.1:1234", diag.KindRecv)
	r.GET("/engine/sockets", HandleSockets(fakeCounter{n: 2}, tracker))

	req := httptest.NewRequest(http.MethodGet, "/engine/sockets", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"live_sockets":2`)
	assert.Contains(t, rec.Body.String(), `"10.0.0.1:1234"`)
}

func TestHandleAllowlistReportsUnconfigured(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/engine/allowlist", HandleAllowlist(nil))

	req := httptest.NewRequest(http.MethodGet, "/engine/allowlist", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"configured":false`)
}
