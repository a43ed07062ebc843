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
package models

// CPUIntervalsRequest is a request for CPU intervals for the specified collection.
type CPUIntervalsRequest struct {
	CollectionName string `json:"collectionName"`
	// The CPUs to request intervals for.  If empty, all CPUs are selected.
	CPUs []int64 `json:"cpus"`
	// Designates a minimum interval duration.  Adjacent intervals smaller than
	// this duration may be merged together, retaining waiting PID count data but
	// possibly losing running thread data; merged intervals are truncated as soon
	// as they meet or exceed the specified duration.  Intervals smaller than this
	// may still appear in the output, if they could not be merged with neighbors.
	// If 0, no merging is performed.
	MinIntervalDurationNs int64 `json:"minIntervalDurationNs"`
	// The time span over which to request CPU intervals, specified in
	// nanoseconds.  If start_timestamp_ns is -1, the time span will
	// begin at the first valid collection timestamp.  If end_timestamp_ns is -1,
	// the time span will end at the last valid collection timestamp.
	StartTimestampNs int64 `json:"startTimestampNs"`
	EndTimestampNs   int64 `json:"endTimestampNs"`
}

// ThreadResidency describes one thread's occupancy of a state on a CPU
// during a CPUInterval.
type ThreadResidency struct {
	Pid        int64       `json:"pid"`
	Command    string      `json:"command"`
	Priority   int64       `json:"priority"`
	State      ThreadState `json:"state"`
	DurationNs int64       `json:"durationNs"`
}

// CPUInterval contains information about what was running and waiting on a
// CPU during an interval.
type CPUInterval struct {
	CPU               int64             `json:"cpu"`
	ThreadResidencies []ThreadResidency `json:"threadResidencies"`
	StartTimestampNs  int64             `json:"startTimestampNs"`
	EndTimestampNs    int64             `json:"endTimestampNs"`
	// How many CPUIntervals were merged to form this one.
	MergedIntervalCount int64 `json:"mergedIntervalCount"`
}

// CPUIntervals holds, for a single CPU, both the running-thread view
// (Running) and the waiting-PID-set view (Waiting) of its intervals; the two
// differ in whether intervals are additionally split on a change in the
// waiting PID set.
type CPUIntervals struct {
	CPU     int64         `json:"cpu"`
	Running []CPUInterval `json:"running"`
	Waiting []CPUInterval `json:"waiting"`
}

// CPUIntervalsResponse is a response for a CPU intervals request.  If no matching collection
// was found, the request fails with an error instead.
type CPUIntervalsResponse struct {
	CollectionName string         `json:"collectionName"`
	Intervals      []CPUIntervals `json:"intervals"`
}

// PidIntervalsRequest is a request for PID intervals for the specified collection and PIDs.
type PidIntervalsRequest struct {
	// The name of the collection to look up intervals in
	CollectionName string `json:"collectionName"`
	// The PIDs to request intervals for
	Pids []int64 `json:"pids"`
	// The time span over which to request PID intervals, specified in
	// nanoseconds.  If start_timestamp_ns is -1, the time span will
	// begin at the first valid collection timestamp.  If end_timestamp_ns is -1,
	// the time span will end at the last valid collection timestamp.
	StartTimestampNs int64 `json:"startTimestampNs"`
	EndTimestampNs   int64 `json:"endTimestampNs"`
	// Designates a minimum interval duration.  Adjacent intervals on the same CPU
	// smaller than this duration may be merged together, losing state and
	// post-wakeup status; merged intervals are truncated as soon as they meet or
	// exceed the specified duration.  Intervals smaller than this may still
	// appear in the output, if they could not be merged with neighbors.  If 0, no
	// merging is performed.
	MinIntervalDurationNs int64 `json:"minIntervalDurationNs"`
}

// ThreadState is an enum describing the state of a thread
type ThreadState = int64

const (
	// ThreadStateUnknownState means unknown thread state
	ThreadStateUnknownState ThreadState = iota
	// ThreadStateRunningState means Scheduled and switched-in on a CPU.
	ThreadStateRunningState
	// ThreadStateWaitingState means Not running but runnable.
	ThreadStateWaitingState
	// ThreadStateSleepingState means neither running nor on the run queue.
	ThreadStateSleepingState
)

// PIDInterval describes a maximal interval over a PID's lifetime during which
// its command, priority, state, and CPU remain unchanged.
type PIDInterval struct {
	Pid      int64  `json:"pid"`
	Command  string `json:"command"`
	Priority int64  `json:"priority"`
	// If this PIDInterval is the result of merging several intervals with
	// different states, state will be set to UNKNOWN.  This can be distinguished from actually unknown state
	// by checking merged_interval_count; if it is == 1, the thread's state is
	// actually unknown over the interval; if it is > 1, the thread had several
	// states over the merged interval.
	State            ThreadState `json:"state"`
	CPU              int64       `json:"cpu"`
	StartTimestampNs int64 `json:"startTimestampNs"`
	EndTimestampNs   int64 `json:"endTimestampNs"`
	// How many PIDIntervals were merged to form this one.
	MergedIntervalCount int64 `json:"mergedIntervalCount"`
}

// PIDIntervals is a tuple holding a PID and its intervals
type PIDIntervals struct {
	// The PID that these intervals correspond to
	PID int64 `json:"pid"`
	// A list of PID intervals
	Intervals []PIDInterval `json:"intervals"`
}

// PIDntervalsResponse is a response for a PID intervals request. If no matching collection was
// found, the request fails with an error instead.
type PIDntervalsResponse struct {
	// The name of the collection
	CollectionName string `json:"collectionName"`
	// A list of PID intervals
	PIDIntervals []PIDIntervals `json:"pidIntervals"`
}
