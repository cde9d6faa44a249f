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
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mkauli/iot-gateway-opc-ua-proxy/pkg/diag"
)

func timeNowMS() int64 { return time.Now().UnixMilli() }

// socketsResponse is the /engine/sockets payload: live socket count
// plus up to 100 currently pending asynchronous operations, oldest first.
// The ordering and the data itself are for a human looking at a stuck
// engine; nothing in the engine consults this endpoint.
type socketsResponse struct {
	LiveSockets int           `json:"live_sockets"`
	Pending     []pendingView `json:"pending"`
}

type pendingView struct {
	Label   string `json:"label"`
	Kind    string `json:"kind"`
	SinceMS int64  `json:"pending_ms"`
}

// HandleSockets reports the engine's live socket count and its oldest
// pending operations.
func HandleSockets(eng SocketCounter, tracker *diag.Tracker) gin.HandlerFunc {
	return func(c *gin.Context) {
		resp := socketsResponse{}
		if eng != nil {
			resp.LiveSockets = eng.SocketCount()
		}
		if tracker != nil {
			now := timeNowMS()
			for _, e := range tracker.Snapshot(100) {
				resp.Pending = append(resp.Pending, pendingView{
					Label:   e.Label,
					Kind:    e.Kind.String(),
					SinceMS: now - e.Since.UnixMilli(),
				})
			}
		}
		c.JSON(http.StatusOK, resp)
	}
}

// allowlistResponse is the /engine/allowlist payload: whether the
// allowlist is currently restricting accepts at all.
type allowlistResponse struct {
	Configured bool `json:"configured"`
	Enabled    bool `json:"enabled"`
}

// HandleAllowlist reports the allowlist's current enable state.
func HandleAllowlist(list allowlistEnabler) gin.HandlerFunc {
	return func(c *gin.Context) {
		resp := allowlistResponse{}
		if list != nil {
			resp.Configured = true
			resp.Enabled = list.Enabled()
		}
		c.JSON(http.StatusOK, resp)
	}
}

// allowlistEnabler is satisfied by *allowlist.List; declared as an
// interface so a nil *allowlist.List (an untyped nil stored in this
// interface) can still be checked safely by HandleAllowlist's caller.
type allowlistEnabler interface {
	Enabled() bool
}
