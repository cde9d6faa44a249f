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

package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path"
	"syscall"

	"github.com/gin-gonic/gin"

	"github.com/mkauli/iot-gateway-opc-ua-proxy/allowlist"
	"github.com/mkauli/iot-gateway-opc-ua-proxy/config"
	"github.com/mkauli/iot-gateway-opc-ua-proxy/pkg/diag"
	"github.com/mkauli/iot-gateway-opc-ua-proxy/pkg/logging"
	"github.com/mkauli/iot-gateway-opc-ua-proxy/pkg/metrics"
	"github.com/mkauli/iot-gateway-opc-ua-proxy/resolver"
	"github.com/mkauli/iot-gateway-opc-ua-proxy/socket"
	"github.com/mkauli/iot-gateway-opc-ua-proxy/web"
)

var (
	configPath      = flag.String("p", "conf", "Config file path")
	basicConfigFile = flag.String("c", "engine.yaml", "Basic config filename")
	version         = flag.Bool("v", false, "Show version")
	help            = flag.Bool("h", false, "Show usage info")
)

var (
	CommitSHA string
	Tag       string
	BuildTime string
)

func init() {
	if len(Tag) < 1 {
		Tag = "unknown"
	}
	if len(CommitSHA) < 1 {
		CommitSHA = "unknown"
	}
	if len(BuildTime) < 1 {
		BuildTime = "unknown"
	}
}

const banner string = `
___________________________________________  ___  __
___  __ \_  ____/__  __ \__  __ \_  __ \_  |/ / \/ /
__  /_/ /  /    __  /_/ /_  /_/ /  / / /_    /__  /
_  _, _// /___  _  ____/_  _, _// /_/ /_    | _  /
/_/ |_| \____/  /_/     /_/ |_| \____/ /_/|_| /_/

`

func parseCli() {
	flag.Parse()
	if *version {
		fmt.Printf("version: %s\ncommit: %s\ntime: %s\n", Tag, CommitSHA, BuildTime)
		os.Exit(0)
	}
	if *help {
		flag.Usage()
		os.Exit(0)
	}
}

func main() {
	parseCli()

	cfg, err := config.LoadConfig(path.Join(*configPath, *basicConfigFile))
	if err != nil {
		logging.Errorf("parse config file err:%v", err)
		return
	}

	if err = logging.InitializeLogger(
		logging.WithPath(cfg.LogPath),
		logging.WithExpireDay(cfg.LogExpireDay),
		logging.WithLogLevel(cfg.LogLevel),
	); err != nil {
		logging.Errorf("failed to initialize logger, err: %s", err)
		return
	}

	fmt.Print(banner)
	fmt.Printf("socketengine version: %s\n", Tag)
	fmt.Printf("socketengine started with listen: %s, pid: %d\n", cfg.Listen, syscall.Getpid())
	logging.Infof("socketengine started with listen: %s, pid: %d, version: %s", cfg.Listen, syscall.Getpid(), Tag)

	var list *allowlist.List
	if cfg.AllowlistPath != "" {
		list, err = allowlist.Watch(cfg.AllowlistPath)
		if err != nil {
			logging.Errorf("failed to watch allowlist, err: %s", err)
			return
		}
		defer list.Close()
	}

	eng, err := socket.NewEngine(socket.Options{AcceptBacklog: cfg.AcceptBacklog})
	if err != nil {
		logging.Errorf("failed to start socket engine, err: %s", err)
		return
	}

	m := metrics.New("socketengine")
	m.Start(eng)
	defer m.Stop()

	tracker := diag.NewTracker()

	if cfg.WebAddr != "" {
		gin.SetMode(gin.ReleaseMode)
		ginSrv := gin.New()
		web.Init(ginSrv, eng, tracker, list)
		httpSrv := &http.Server{Handler: ginSrv, Addr: cfg.WebAddr}
		go func() {
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logging.Errorf("failed to start http server, err: %s", err)
			}
		}()
	}

	res := resolver.New()
	listenAddrs, err := res.Resolve(context.Background(), hostOf(cfg.Listen), portOf(cfg.Listen), socket.FamilyUnspec, resolver.FlagPassive)
	if err != nil || len(listenAddrs) == 0 {
		logging.Errorf("failed to resolve listen address %s: %v", cfg.Listen, err)
		return
	}

	var filter socket.AcceptFilter
	if list != nil {
		filter = list.Filter()
	}

	ln, err := eng.Listen(listenAddrs[0], cfg.AcceptBacklog, func() (socket.EventHandler, bool) {
		return newEchoHandler(tracker, m), true
	}, filter)
	if err != nil {
		logging.Errorf("failed to listen on %s: %s", cfg.Listen, err)
		return
	}
	logging.Infof("listening on %v", ln)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	eng.Shutdown()
	logging.Infof("socketengine shutdown, pid: %d, listen: %s", syscall.Getpid(), cfg.Listen)
}
