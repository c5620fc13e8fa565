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

	"github.com/google/subcommands"
	"github.com/maxnasonov/goshm/pkg/shm"
)

type initCmd struct {
	configPath string
	basename   string
}

func (*initCmd) Name() string     { return "init" }
func (*initCmd) Synopsis() string { return "lay down a fresh allocator at basename" }
func (*initCmd) Usage() string {
	return "init -basename PATH\n\nCreates the manager, block table, and lock files for a new allocator.\n"
}

func (c *initCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.configPath, "config", "", "path to a TOML config file")
	f.StringVar(&c.basename, "basename", "", "path prefix for the allocator's backing files")
}

func (c *initCmd) Execute(_ context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	basename, err := resolveBasename(c.configPath, c.basename)
	if err != nil {
		log.WithError(err).Error("resolve basename")
		return subcommands.ExitUsageError
	}

	a, err := shm.Init(basename, false)
	if err != nil {
		log.WithError(err).WithField("basename", basename).Error("init allocator")
		return subcommands.ExitFailure
	}
	defer a.Fini()

	log.WithField("basename", basename).Info("allocator initialized")
	return subcommands.ExitSuccess
}
