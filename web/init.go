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

// Package web is the engine's admin HTTP surface: pprof, Prometheus
// metrics, and an /engine/sockets introspection endpoint.
//
// Grounded on web/init.go's Init(ginSrv) shape; /cluster/nodes (which
// reported master/slave redis topology, a concept this engine has no
// analogue for) is replaced by /engine/sockets, which reports live
// socket count and the diag package's oldest-pending-operation view.
package web

import (
	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mkauli/iot-gateway-opc-ua-proxy/allowlist"
	"github.com/mkauli/iot-gateway-opc-ua-proxy/pkg/diag"
)

// SocketCounter is the subset of *socket.Engine this package needs,
// mirroring pkg/metrics.SocketCounter so web doesn't have to import
// the socket package just to report a count.
type SocketCounter interface {
	SocketCount() int
}

// Init registers the admin routes onto ginSrv. tracker and list may be
// nil: a nil tracker leaves /engine/sockets' pending list empty, and a
// nil list makes /engine/allowlist report configured=false.
func Init(ginSrv *gin.Engine, eng SocketCounter, tracker *diag.Tracker, list *allowlist.List) {
	pprof.Register(ginSrv)
	ginSrv.GET("/engine/sockets", HandleSockets(eng, tracker))
	var enabler allowlistEnabler
	if list != nil {
		enabler = list
	}
	ginSrv.GET("/engine/allowlist", HandleAllowlist(enabler))
	ginSrv.GET("/metrics", gin.WrapH(promhttp.Handler()))
}
