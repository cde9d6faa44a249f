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

// Package allowlist is the engine's accept-side peer filter: a
// fsnotify-watched, hot-reloaded YAML list of addresses permitted to
// complete an accept, backed by a lock-free concurrent hash map so
// lookups from the accept path never block on a reload in progress.
//
// Generalizes core/authip/authip.go (whitelisted redis client IPs,
// consulted by the teacher's fixed connection handler) to an
// Engine.Listen AcceptFilter usable by any listener. Unlike the
// teacher's package-level IpMap, List is an instance a caller owns and
// can attach to one or more listeners independently — the teacher's
// single global would make two Watch calls on different files stomp on
// each other's state.
package allowlist

import (
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/cornelk/hashmap"
	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/mkauli/iot-gateway-opc-ua-proxy/pkg/logging"
	"github.com/mkauli/iot-gateway-opc-ua-proxy/socket"
)

// membership is what each allowed address maps to in the set; only its
// presence matters.
type membership = struct{}

// fileConfig is the on-disk shape: enable is a kill switch that, when
// false, makes every address pass regardless of the list's contents.
type fileConfig struct {
	Enable    bool     `yaml:"enable"`
	Addresses []string `yaml:"allowed_addresses"`
}

// List is a hot-reloadable set of permitted addresses. The zero value
// is not usable; construct with Load or Watch.
type List struct {
	path string

	enabled int32 // atomic bool
	set     atomic.Value // holds *hashmap.HashMap

	watcher *fsnotify.Watcher
}

// Load reads path once and returns a List that never reloads. Use
// Watch instead to pick up edits made while the engine is running.
func Load(path string) (*List, error) {
	l := &List{path: path}
	l.set.Store(&hashmap.HashMap{})
	if err := l.reload(); err != nil {
		return nil, err
	}
	return l, nil
}

// Watch is Load plus an fsnotify watch on path's directory: writes or
// renames of path trigger a reload in the background. The returned
// List's Filter reflects the latest successfully parsed file at all
// times; a parse failure on reload logs and leaves the prior contents
// in place.
func Watch(path string) (*List, error) {
	l, err := Load(path)
	if err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to start allowlist watcher")
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		return nil, errors.Wrapf(err, "failed to watch %s", filepath.Dir(path))
	}
	l.watcher = w
	go l.watchLoop()
	return l, nil
}

func (l *List) watchLoop() {
	for {
		select {
		case ev, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if ev.Name != l.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Rename|fsnotify.Create) == 0 {
				continue
			}
			if err := l.reload(); err != nil {
				logging.Errorf("allowlist reload failed: %v", err)
			}
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			logging.Errorf("allowlist watcher error: %v", err)
		}
	}
}

func (l *List) reload() error {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return errors.Wrapf(err, "failed to read allowlist from %s", l.path)
	}
	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return errors.Wrapf(err, "failed to unmarshal allowlist from %s", l.path)
	}

	fresh := &hashmap.HashMap{}
	for _, addr := range cfg.Addresses {
		fresh.GetOrInsert(addr, membership{})
	}
	l.set.Store(fresh)

	if cfg.Enable {
		atomic.StoreInt32(&l.enabled, 1)
	} else {
		atomic.StoreInt32(&l.enabled, 0)
	}
	return nil
}

// Allowed reports whether addr's IP may complete an accept. When the
// list is disabled (enable: false in the file, or no file ever
// successfully parsed), every address is allowed.
func (l *List) Allowed(addr socket.Address) bool {
	if atomic.LoadInt32(&l.enabled) == 0 {
		return true
	}
	set := l.set.Load().(*hashmap.HashMap)
	_, ok := set.Get(addr.IP.String())
	return ok
}

// Enabled reports whether the list is currently restricting accepts,
// for admin-surface introspection.
func (l *List) Enabled() bool {
	return atomic.LoadInt32(&l.enabled) != 0
}

// Filter adapts Allowed to the socket.AcceptFilter signature Engine.Listen
// expects.
func (l *List) Filter() socket.AcceptFilter {
	return l.Allowed
}

// Close stops the background watcher, if any. Safe to call on a List
// returned by Load (a no-op) or more than once.
func (l *List) Close() error {
	if l.watcher == nil {
		return nil
	}
	return l.watcher.Close()
}
