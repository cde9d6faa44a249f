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

// Package config is the socket engine's YAML-backed configuration,
// with the same load/validate shape as the teacher's config.go:
// unmarshal, then validate, wrapping every failure with
// github.com/pkg/errors for a call stack a caller can log.
package config

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/mkauli/iot-gateway-opc-ua-proxy/pkg/logging"
)

// Config is the engine's top-level configuration: where to listen,
// where the admin surface lives, logging, and the allowlist file to
// hot-reload. There is deliberately no per-operation timeout field —
// built-in operation timeouts are a spec non-goal the engine's callers
// are expected to implement themselves if they want one.
type Config struct {
	Listen        string `yaml:"listen"`
	WebAddr       string `yaml:"web_addr"`
	LogPath       string `yaml:"log_path"`
	LogLevel      string `yaml:"log_level"`
	LogExpireDay  int    `yaml:"log_expire_day"`
	AllowlistPath string `yaml:"allowlist_path"`
	AcceptBacklog int    `yaml:"accept_backlog"`
}

// LoadConfig reads, unmarshals, and validates fileName.
func LoadConfig(fileName string) (*Config, error) {
	file, err := os.ReadFile(fileName)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read file from %s", fileName)
	}
	var cfg Config
	if err = yaml.Unmarshal(file, &cfg); err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal config from %s", fileName)
	}
	if err = cfg.validate(); err != nil {
		return nil, errors.Wrapf(err, "config validate failed")
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if _, ok := logging.LevelMapperRev[c.LogLevel]; !ok {
		return errors.Errorf("unknown log level %s", c.LogLevel)
	}
	if c.Listen == "" {
		return errors.New("listen address is required")
	}
	if c.AcceptBacklog < 0 {
		return errors.Errorf("accept_backlog must not be negative, got %d", c.AcceptBacklog)
	}
	return nil
}
