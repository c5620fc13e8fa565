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

	"github.com/google/subcommands"
	"github.com/maxnasonov/goshm/pkg/shm"
)

type statsCmd struct {
	configPath string
	basename   string
}

func (*statsCmd) Name() string     { return "stats" }
func (*statsCmd) Synopsis() string { return "resume an allocator and print its counters" }
func (*statsCmd) Usage() string {
	return "stats -basename PATH\n\nResumes the allocator read-write just long enough to read its stats.\n"
}

func (c *statsCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.configPath, "config", "", "path to a TOML config file")
	f.StringVar(&c.basename, "basename", "", "path prefix for the allocator's backing files")
}

func (c *statsCmd) Execute(_ context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	basename, err := resolveBasename(c.configPath, c.basename)
	if err != nil {
		log.WithError(err).Error("resolve basename")
		return subcommands.ExitUsageError
	}

	a, err := shm.Init(basename, true)
	if err != nil {
		log.WithError(err).WithField("basename", basename).Error("resume allocator")
		return subcommands.ExitFailure
	}
	defer a.Fini()

	s := a.Stats()
	fmt.Printf("alloc=%d free=%d metadata_alloc=%d userdata_alloc=%d\n",
		s.AllocCount, s.FreeCount, s.MetadataAllocCount, s.UserdataAllocCount)
	fmt.Printf("blocks: %+v\n", s.Blocks)
	fmt.Printf("metadata pool: %+v\n", s.Metadata)
	fmt.Printf("page heap: %+v\n", s.PageHeap)
	fmt.Printf("chunk cache: %+v\n", s.ChunkCache)
	for sc, cs := range s.Classes {
		if cs.AllocCount == 0 && cs.FreeCount == 0 {
			continue
		}
		fmt.Printf("  class %d: %+v\n", sc, cs)
	}
	return subcommands.ExitSuccess
}
