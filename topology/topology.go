//
// Copyright 2019 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS-IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
//
// Package topology describes the physical layout of the CPUs in a
// collection: their grouping into sockets, dies, NUMA nodes, and physical
// cores, and the hyperthread siblinghood this implies.  Topology decoding
// from a trace archive's topology file is out of scope; callers either
// supply an already-parsed SystemTopology or let the engine synthesize a
// flat, single-socket one.
package topology

import "sort"

// UnknownLogicalID is a value used to represent a core, NUMA node, die,
// thread, or socket ID that has not been set.
const UnknownLogicalID = -1

// LogicalCore contains metadata describing a logical core.
type LogicalCore struct {
	// This logical core's index in the topology.  Used as a scalar identifier
	// of this CPU in profiling tools.
	CPUID uint64 `json:"cpuId"`
	// The 0-indexed identifier of the socket of this logical core.  'Socket'
	// represents a distinct IC package.
	SocketID int32 `json:"socketId"`
	// The 0-indexed NUMA node of this logical core.  NUMA nodes are groupings
	// of cores and cache hierarchy that are 'local' to their own memory;
	// accessing non-local memory is costlier than accessing local memory.
	NumaNodeID int32 `json:"numaNodeId"`
	// The 0-indexed die identifier.  Some IC packages may include more than one
	// distinct die.
	DieID int32 `json:"dieId"`
	// The 0-indexed core identifier within its die.  A core is a single
	// processing unit with its own register storage and L1 caches.
	CoreID int32 `json:"coreId"`
	// The 0-indexed hyperthread, or hardware thread, identifier within its
	// core.  A hardware thread is a partitioning of a core that can execute a
	// single instruction stream.  Hyperthreads on a core share the core's
	// resources, such as its functional units and cache hierarchy, but maintain
	// independent registers, and help ensure that the CPU remains fully
	// utilized.
	ThreadID int32 `json:"threadId"`
}

// IsSiblingOf returns whether lc and other are hyperthread siblings: the same
// socket, die, and core, but different hardware threads.
func (lc *LogicalCore) IsSiblingOf(other *LogicalCore) bool {
	if lc == nil || other == nil {
		return false
	}
	return lc.SocketID == other.SocketID &&
		lc.DieID == other.DieID &&
		lc.CoreID == other.CoreID &&
		lc.ThreadID != other.ThreadID
}

// SystemTopology describes the full set of logical cores known to a
// collection.
type SystemTopology struct {
	// The index of this platform in
	// platforminfo::PLATFORMINFO_CPU_IDENTIFIER_VALUES.
	CPUIdentifier int32 `json:"cpuIdentifier"`
	// CPU vendor, from platforminfo::CpuVendor.
	CPUVendor int32 `json:"cpuVendor"`
	// CPUID fields.
	CPUFamily   int32 `json:"cpuFamily"`
	CPUModel    int32 `json:"cpuModel"`
	CPUStepping int32 `json:"cpuStepping"`
	// The set of logical cores.
	LogicalCores []*LogicalCore `json:"logicalCores"`
}

// DiesPerSocket is the default divisor used to derive a die ID from a raw
// socket identifier when the topology source only reports a flat package ID.
const DiesPerSocket = 1

// FlatSingleSocket synthesizes a SystemTopology with every CPU in cpuIDs
// placed on a single socket, single die, and its own core, for use when no
// topology file was supplied alongside a collection.
func FlatSingleSocket(cpuIDs []uint64) *SystemTopology {
	st := &SystemTopology{}
	for i, cpuID := range cpuIDs {
		st.LogicalCores = append(st.LogicalCores, &LogicalCore{
			CPUID:      cpuID,
			SocketID:   0,
			DieID:      0,
			NumaNodeID: 0,
			CoreID:     int32(i),
			ThreadID:   0,
		})
	}
	return st
}

// coreByID returns the LogicalCore with the given CPUID, or nil if absent.
func (st *SystemTopology) coreByID(cpuID uint64) *LogicalCore {
	if st == nil {
		return nil
	}
	for _, lc := range st.LogicalCores {
		if lc.CPUID == cpuID {
			return lc
		}
	}
	return nil
}

// CoresOnSocket returns the CPUIDs of every logical core on the given
// socket, sorted ascending.
func (st *SystemTopology) CoresOnSocket(socketID int32) []uint64 {
	if st == nil {
		return nil
	}
	var cpus []uint64
	for _, lc := range st.LogicalCores {
		if lc.SocketID == socketID {
			cpus = append(cpus, lc.CPUID)
		}
	}
	sort.Slice(cpus, func(a, b int) bool { return cpus[a] < cpus[b] })
	return cpus
}

// SiblingsOf returns the CPUIDs of the hyperthread siblings of cpuID
// (excluding cpuID itself), sorted ascending.
func (st *SystemTopology) SiblingsOf(cpuID uint64) []uint64 {
	lc := st.coreByID(cpuID)
	if lc == nil {
		return nil
	}
	var siblings []uint64
	for _, other := range st.LogicalCores {
		if other.CPUID != cpuID && lc.IsSiblingOf(other) {
			siblings = append(siblings, other.CPUID)
		}
	}
	sort.Slice(siblings, func(a, b int) bool { return siblings[a] < siblings[b] })
	return siblings
}
