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

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/subcommands"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(path, basename string) error {
	return os.WriteFile(path, []byte(fmt.Sprintf("basename = %q\n", basename)), 0o644)
}

func TestInitStatsCheckRoundTrip(t *testing.T) {
	base := filepath.Join(t.TempDir(), "test")
	ctx := context.Background()

	init := &initCmd{basename: base}
	require.Equal(t, subcommands.ExitSuccess, init.Execute(ctx, flag.NewFlagSet("init", flag.ContinueOnError), nil))

	stats := &statsCmd{basename: base}
	require.Equal(t, subcommands.ExitSuccess, stats.Execute(ctx, flag.NewFlagSet("stats", flag.ContinueOnError), nil))

	check := &checkCmd{basename: base}
	require.Equal(t, subcommands.ExitSuccess, check.Execute(ctx, flag.NewFlagSet("check", flag.ContinueOnError), nil))
}

func TestInitRequiresBasename(t *testing.T) {
	init := &initCmd{}
	got := init.Execute(context.Background(), flag.NewFlagSet("init", flag.ContinueOnError), nil)
	require.Equal(t, subcommands.ExitUsageError, got)
}

func TestConfigFileSuppliesBasename(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "test")
	configPath := filepath.Join(dir, "goshmctl.toml")
	require.NoError(t, writeConfigFile(configPath, base))

	got, err := resolveBasename(configPath, "")
	require.NoError(t, err)
	require.Equal(t, base, got)
}
