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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfigValid(t *testing.T) {
	path := writeConfig(t, `
listen: "0.0.0.0:9000"
web_addr: "127.0.0.1:9001"
log_path: "/tmp/engine.log"
log_level: "INFO"
log_expire_day: 7
allowlist_path: "/tmp/allowlist.yaml"
accept_backlog: 256
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", cfg.Listen)
	assert.Equal(t, 256, cfg.AcceptBacklog)
}

func TestLoadConfigRejectsUnknownLogLevel(t *testing.T) {
	path := writeConfig(t, `
listen: "0.0.0.0:9000"
log_level: "deafening"
`)
	_, err := LoadConfig(path)
	require.Error(t, err)
}

func TestLoadConfigRejectsMissingListen(t *testing.T) {
	path := writeConfig(t, `
log_level: "INFO"
`)
	_, err := LoadConfig(path)
	require.Error(t, err)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.Error(t, err)
}
