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

package shm

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"unsafe"

	"github.com/gofrs/flock"
	multierror "github.com/hashicorp/go-multierror"
	"github.com/maxnasonov/goshm/internal/block"
	"github.com/maxnasonov/goshm/internal/chunkcache"
	"github.com/maxnasonov/goshm/internal/metapool"
	"github.com/maxnasonov/goshm/internal/pageheap"
	"github.com/maxnasonov/goshm/internal/segment"
	"github.com/maxnasonov/goshm/internal/sizeclass"
	"github.com/maxnasonov/goshm/internal/span"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "shm")

const (
	headerMagic   uint32 = 0x53484d31 // "SHM1"
	headerVersion uint32 = 1
)

// managerStat mirrors shm_mgr::stat: the aggregate counters every Malloc
// and Free call bumps, independent of which layer actually served them.
type managerStat struct {
	AllocCount         uint64
	FreeCount          uint64
	MetadataAllocCount uint64
	UserdataAllocCount uint64
}

// header is the entire persisted content of the manager's own "-mgr.mmap"
// file: a fixed-size record written with encoding/binary after every
// mutating call, so a crash never loses more than the single operation in
// flight. Every field is a fixed-width scalar or fixed-size array, by
// construction, so binary.Size/Write/Read need no special-casing.
type header struct {
	Magic   uint32
	Version uint32
	Stat    managerStat

	Singletons   [MaxSingletonCount]Address
	BlockEntries [MaxBlock]block.Entry
	MetaCursor   metapool.CursorState
	PageHeap     pageheap.Snapshot
	ChunkCache   chunkcache.Snapshot
}

func mgrPath(basename string) string  { return basename + "-mgr.mmap" }
func lockPath(basename string) string { return basename + ".lock" }

func headerSize() int64 {
	n := binary.Size(header{})
	if n < 0 {
		panic("shm: manager header contains a non-fixed-size field")
	}
	return int64(n)
}

func encodeHeader(dst []byte, hdr header) {
	buf := new(bytes.Buffer)
	buf.Grow(len(dst))
	if err := binary.Write(buf, binary.LittleEndian, hdr); err != nil {
		panic(fmt.Sprintf("shm: encode manager header: %v", err))
	}
	copy(dst, buf.Bytes())
}

func decodeHeader(src []byte) (header, error) {
	var hdr header
	if err := binary.Read(bytes.NewReader(src), binary.LittleEndian, &hdr); err != nil {
		return header{}, fmt.Errorf("decode manager header: %w", err)
	}
	return hdr, nil
}

// Allocator is the top-level manager: the single entry point that owns the
// block table, metadata pool, size-class table, page heap, and chunk
// cache, and hands out/reclaims stable addresses through Malloc/Free and
// the singleton registry. Every exported method takes an explicit receiver
// rather than reaching for process-wide state; pkg/shm/global.go layers a
// conventional global instance on top for callers that want that.
type Allocator struct {
	basename string
	lock     *flock.Flock
	hdr      []byte // the mapped "-mgr.mmap" header

	blocks   *block.Manager
	metaPool *metapool.Pool
	sizes    *sizeclass.Table
	heap     *pageheap.Heap
	cache    *chunkcache.Cache

	singletons [MaxSingletonCount]Address
	stat       managerStat
}

// Init creates (resume == false) or re-attaches to (resume == true) the
// allocator rooted at basename, acquiring an exclusive flock for the
// lifetime of the returned Allocator so a second process can't
// concurrently mutate the same files — additive enforcement of the
// existing single-writer invariant, not new concurrency support.
func Init(basename string, resume bool) (*Allocator, error) {
	if basename == "" || len(basename) > MaxPathSize {
		return nil, newErr(ErrConfig, "Init", fmt.Errorf("basename length %d exceeds %d", len(basename), MaxPathSize))
	}

	fl := flock.New(lockPath(basename))
	locked, err := fl.TryLock()
	if err != nil {
		return nil, newErr(ErrIO, "Init", err)
	}
	if !locked {
		return nil, newErr(ErrConfig, "Init", fmt.Errorf("another process already holds the allocator lock for %q", basename))
	}

	a := &Allocator{basename: basename, lock: fl}
	if err := a.open(resume); err != nil {
		fl.Unlock()
		return nil, err
	}
	log.WithFields(logrus.Fields{"basename": basename, "resume": resume}).Info("allocator initialized")
	return a, nil
}

func (a *Allocator) open(resume bool) error {
	path := mgrPath(a.basename)
	size := headerSize()

	if !resume {
		if _, err := segment.Create(path, size); err != nil {
			return newErr(ErrIO, "Init", err)
		}
	} else {
		attached, err := segment.Attach(path)
		if err != nil {
			return newErr(ErrIO, "Init", err)
		}
		// Create() page-rounds the file it creates, so the file on disk
		// is typically larger than the raw header struct; only a file
		// too small to hold one is a corruption signal.
		if attached < size {
			return newErr(ErrCorruption, "Init", fmt.Errorf("manager header file is %d bytes, want at least %d", attached, size))
		}
	}

	hdrBytes, err := segment.Map(path, size, Alignment)
	if err != nil {
		if !resume {
			segment.Unlink(path)
		}
		return newErr(ErrIO, "Init", err)
	}
	a.hdr = hdrBytes

	a.blocks = block.New(a.basename)
	a.sizes, err = sizeclass.Build()
	if err != nil {
		return newErr(ErrConfig, "Init", err)
	}

	if !resume {
		return a.onCreate()
	}
	return a.onResume()
}

func (a *Allocator) onCreate() error {
	a.metaPool = metapool.New(uint32(span.Size), MetadataAllocationSize, block.MetadataSource{Manager: a.blocks})

	heap, err := pageheap.New(block.UserdataSource{Manager: a.blocks}, a.metaPool)
	if err != nil {
		return newErr(ErrOutOfMemory, "Init", err)
	}
	a.heap = heap

	cache, err := chunkcache.New(a.heap, a.sizes)
	if err != nil {
		return newErr(ErrOutOfMemory, "Init", err)
	}
	a.cache = cache

	for i := range a.singletons {
		a.singletons[i] = NullAddress
	}
	a.persist()
	return nil
}

func (a *Allocator) onResume() error {
	hdr, err := decodeHeader(a.hdr)
	if err != nil {
		return newErr(ErrCorruption, "Init", err)
	}
	if hdr.Magic != headerMagic || hdr.Version != headerVersion {
		return newErr(ErrCorruption, "Init", fmt.Errorf("bad manager header magic/version"))
	}
	a.stat = hdr.Stat
	a.singletons = hdr.Singletons

	if err := a.blocks.Resume(block.Snapshot{Basename: a.basename, Entries: hdr.BlockEntries}); err != nil {
		return newErr(ErrCorruption, "Init", err)
	}

	a.metaPool = metapool.New(uint32(span.Size), MetadataAllocationSize, block.MetadataSource{Manager: a.blocks})
	a.metaPool.Restore(hdr.MetaCursor)

	a.heap = pageheap.Resume(block.UserdataSource{Manager: a.blocks}, a.metaPool, hdr.PageHeap)
	a.cache = chunkcache.Resume(a.heap, a.sizes, hdr.ChunkCache)

	// Neither the (block,page)->span radix tree nor the address->block
	// lookup (unneeded at all, see DESIGN.md) survives a restart; walk
	// every live span descriptor in the metadata pool and re-register
	// the ones currently in use. This is the resolution of the open
	// question of whether a stale tree could ever be trusted across a
	// remap: it can't, so it's never kept around to ask that question.
	metaBlocks := a.blocks.BlocksWithPurpose(block.PurposeMetadata)
	a.metaPool.Walk(metaBlocks, func(addr Address, raw []byte) {
		sp := span.At(raw)
		if sp.IsLive() && sp.InUse {
			a.heap.RegisterSpan(addr)
		}
	})

	log.WithField("basename", a.basename).Info("resumed from manager header")
	return nil
}

// persist serializes every piece of resumable state into the mapped
// manager header. Unlike the original implementation (whose shm_mgr
// struct lived directly in mapped memory and so never needed an explicit
// save step), this rework keeps that state as ordinary Go-heap values and
// must write it out explicitly; persist is called after every mutating
// call so a crash loses at most the operation in flight.
func (a *Allocator) persist() {
	hdr := header{
		Magic:        headerMagic,
		Version:      headerVersion,
		Stat:         a.stat,
		Singletons:   a.singletons,
		BlockEntries: a.blocks.Snapshot().Entries,
		MetaCursor:   a.metaPool.Snapshot(),
		PageHeap:     a.heap.Snapshot(),
		ChunkCache:   a.cache.Snapshot(),
	}
	encodeHeader(a.hdr, hdr)
}

// Fini flushes final state and releases every resource Init acquired.
func (a *Allocator) Fini() error {
	a.persist()

	var result *multierror.Error
	if err := segment.Unmap(a.hdr); err != nil {
		result = multierror.Append(result, fmt.Errorf("unmap manager header: %w", err))
	}
	if err := a.blocks.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close blocks: %w", err))
	}
	if err := a.lock.Unlock(); err != nil {
		result = multierror.Append(result, fmt.Errorf("release lock: %w", err))
	}
	return result.ErrorOrNil()
}

// Malloc returns bytes worth of fresh memory, served from the chunk cache
// for any request up to MaxSize, and as a whole page-heap span otherwise.
func (a *Allocator) Malloc(bytes uint32) (Address, error) {
	if bytes == 0 {
		return NullAddress, newErr(ErrConfig, "Malloc", fmt.Errorf("zero-byte allocation"))
	}

	var addr Address
	if bytes > MaxSize {
		spanAddr, err := a.heap.AllocateSpan(pageCountFor(bytes))
		if err != nil {
			return NullAddress, newErr(ErrOutOfMemory, "Malloc", err)
		}
		a.heap.RegisterSpan(spanAddr)
		sp := a.heap.SpanAt(spanAddr)
		sp.ClassID = span.Large
		addr = MakeAddress(SerialUserdata, sp.Block, sp.StartPage<<PageShift)
		a.stat.UserdataAllocCount++
	} else {
		sc, ok := a.sizes.SizeToClass(bytes)
		if !ok {
			return NullAddress, newErr(ErrCorruption, "Malloc", fmt.Errorf("size %d has no class despite being <= MaxSize", bytes))
		}
		chunkAddr, err := a.cache.AllocateChunk(sc)
		if err != nil {
			return NullAddress, newErr(ErrOutOfMemory, "Malloc", err)
		}
		addr = chunkAddr
		a.stat.UserdataAllocCount++
	}

	a.stat.AllocCount++
	a.persist()
	return addr, nil
}

func pageCountFor(bytes uint32) uint32 {
	n := (bytes + PageSize - 1) >> PageShift
	if n == 0 {
		n = 1
	}
	return n
}

// Free returns addr to whichever layer served it: the chunk cache for an
// ordinary allocation, or directly to the page heap for one that was
// carved out whole.
func (a *Allocator) Free(addr Address) error {
	if !addr.Valid() {
		return nil
	}
	if addr.Serial() != SerialUserdata {
		return newErr(ErrOutOfRange, "Free", fmt.Errorf("address %s is not a userdata allocation", addr))
	}

	blockID := addr.BlockID()
	page := addr.IntraOffset() >> PageShift
	spanAddr := a.heap.FindSpan(blockID, page)
	if !spanAddr.Valid() {
		return newErr(ErrOutOfRange, "Free", fmt.Errorf("no span owns address %s", addr))
	}

	sp := a.heap.SpanAt(spanAddr)
	if sp.ClassID.IsLarge() {
		sp.Erase()
		a.heap.DeallocateSpan(spanAddr)
	} else if _, ok := sp.ClassID.IsClass(); ok {
		if err := a.cache.DeallocateChunk(addr, spanAddr); err != nil {
			return newErr(ErrCorruption, "Free", err)
		}
	} else {
		return newErr(ErrCorruption, "Free", fmt.Errorf("span at %s is not owned by any allocation", spanAddr))
	}

	a.stat.FreeCount++
	a.persist()
	return nil
}

// HasSingleton reports whether id has already been handed an address by
// NewSingleton.
func (a *Allocator) HasSingleton(id int) bool {
	if id < 0 || id >= MaxSingletonCount {
		return false
	}
	return a.singletons[id].Valid()
}

// NewSingleton returns the address registered for id, allocating bytes and
// registering it on the first call (firstCall == true) and returning the
// existing address on every call after that.
func (a *Allocator) NewSingleton(id int, bytes uint32) (addr Address, firstCall bool, err error) {
	if id < 0 || id >= MaxSingletonCount {
		return NullAddress, false, newErr(ErrOutOfRange, "NewSingleton", fmt.Errorf("id %d out of range", id))
	}
	if a.singletons[id].Valid() {
		return a.singletons[id], false, nil
	}
	addr, err = a.Malloc(bytes)
	if err != nil {
		return NullAddress, false, err
	}
	a.singletons[id] = addr
	a.persist()
	return addr, true, nil
}

// FreeSingleton releases id's registered address, if any, and clears the
// registry slot so a later NewSingleton call allocates fresh.
func (a *Allocator) FreeSingleton(id int) error {
	if id < 0 || id >= MaxSingletonCount {
		return newErr(ErrOutOfRange, "FreeSingleton", fmt.Errorf("id %d out of range", id))
	}
	addr := a.singletons[id]
	if !addr.Valid() {
		return nil
	}
	a.singletons[id] = NullAddress
	return a.Free(addr)
}

// AddrToPtr returns a byte-slice view of the memory starting at addr,
// running to the end of its owning block. Callers that need an exact
// length should track it themselves, the same way Malloc's caller already
// knows the size it requested.
func (a *Allocator) AddrToPtr(addr Address) ([]byte, error) {
	if !addr.Valid() {
		return nil, nil
	}
	data := a.blocks.Bytes(addr.BlockID())
	off := addr.IntraOffset()
	if int(off) >= len(data) {
		return nil, newErr(ErrOutOfRange, "AddrToPtr", fmt.Errorf("offset %d beyond block bounds", off))
	}
	return data[off:], nil
}

// PtrToAddr is AddrToPtr's inverse: given a slice previously returned by
// AddrToPtr (or a sub-slice of one), it recovers the stable Address it
// came from by comparing ptr's backing array against every live userdata
// block. This is the one place outside internal/span that reaches for
// unsafe.Pointer, for the same reason: there is no portable way to ask Go
// "which slice does this byte belong to" without comparing raw addresses.
func (a *Allocator) PtrToAddr(ptr []byte) (Address, error) {
	if len(ptr) == 0 {
		return NullAddress, nil
	}
	p := uintptr(unsafe.Pointer(&ptr[0]))
	for _, id := range a.blocks.BlocksWithPurpose(block.PurposeUserdata) {
		data := a.blocks.Bytes(id)
		if len(data) == 0 {
			continue
		}
		base := uintptr(unsafe.Pointer(&data[0]))
		if p >= base && p < base+uintptr(len(data)) {
			return MakeAddress(SerialUserdata, id, uint32(p-base)), nil
		}
	}
	return NullAddress, newErr(ErrOutOfRange, "PtrToAddr", fmt.Errorf("pointer not owned by this allocator"))
}
