// Copyright 2024 The goshm Authors.
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

// Command goshmctl creates, resumes, and inspects the on-disk state of a
// shm allocator from outside the process that owns it.
package main

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// Config is the TOML document goshmctl reads with -config. A bare
// -basename flag on the command line always wins over it.
type Config struct {
	Basename string `toml:"basename"`
}

func loadConfig(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config %q: %w", path, err)
	}
	return cfg, nil
}

// resolveBasename picks the basename a subcommand should act on: the
// explicit flag if given, else whatever -config named.
func resolveBasename(configPath, basenameFlag string) (string, error) {
	if basenameFlag != "" {
		return basenameFlag, nil
	}
	cfg, err := loadConfig(configPath)
	if err != nil {
		return "", err
	}
	if cfg.Basename == "" {
		return "", fmt.Errorf("no basename given: pass -basename or -config with a basename entry")
	}
	return cfg.Basename, nil
}
