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

import (
	"github.com/google/schedviz/analysis/sched"
	"github.com/google/schedviz/tracedata/trace"
)

// ThreadSummariesRequest is a request for thread summary information across a specified timespan
// for a specified collection, filtered to the requested CPU set. If start_timestamp_ns is -1, the
// first timestamp in the collection is used  instead. If end_timestamp_ns is -1, the last timestamp
// in the collection is used instead. If the provided CPU set is empty, all CPUs are filtered in.
type ThreadSummariesRequest struct {
	CollectionName   string  `json:"collectionName"`
	StartTimestampNs int64   `json:"startTimestampNs"`
	EndTimestampNs   int64   `json:"endTimestampNs"`
	Cpus             []int64 `json:"cpus"`
}

// Metrics holds a set of aggregated metrics for some or all of the sched trace.
type Metrics struct {
	// The number of migrations observed in the aggregated trace.  If CPU
	// filtering was used generating this Metric, only migrations inbound to a
	// filtered-in CPU are aggregated.
	MigrationCount int64 `json:"migrationCount"`
	// The number of wakeups observed in the aggregated trace.
	WakeupCount int64 `json:"wakeupCount"`
	// Aggregated thread-state times over the aggregated trace.
	UnknownTimeNs int64 `json:"unknownTimeNs"`
	RunTimeNs     int64 `json:"runTimeNs"`
	WaitTimeNs    int64 `json:"waitTimeNs"`
	SleepTimeNs   int64 `json:"sleepTimeNs"`
	// Unique PIDs, COMMs, priorities, and CPUs observed in the aggregated trace.
	// Note that these fields are not correlated; if portions of trace containing
	// execution from several different PIDs are aggregated together in a metric,
	// all of their PIDs, commands, and priorities will be present here, and the
	// Metrics can reveal which PIDs were present, but it will not be possible to
	// tell from the Metrics which commands go with which PIDs, and so forth.
	// TODO(sabarabc) Create maps from PID -> ([]command, []priority),
	//  command -> ([]PID, []priority), and priority -> ([]PID, []command)
	//  so that we can tell which of these are correlated.
	Pids       []int64  `json:"pids"`
	Commands   []string `json:"commands"`
	Priorities []int64  `json:"priorities"`
	Cpus       []int64  `json:"cpus"`
	// The time range over which these metrics were aggregated.
	StartTimestampNs int64 `json:"startTimestampNs"`
	EndTimestampNs   int64 `json:"endTimestampNs"`
}

// ThreadSummariesResponse contains the response to a ThreadSummariesRequest.
type ThreadSummariesResponse struct {
	CollectionName string    `json:"collectionName"`
	Metrics        []Metrics `json:"metrics"`
}

// AntagonistsRequest is a request for antagonist information for a specified set of threads, across
// a specified timestamp for a specified collection.  If start_timestamp_ns is -1,
// the first timestamp in the collection is used instead.  If end_timestamp_ns
// is -1, the last timestamp in the collection is used instead.
type AntagonistsRequest struct {
	// The collection name.
	CollectionName   string  `json:"collectionName"`
	Pids             []int64 `json:"pids"`
	StartTimestampNs int64   `json:"startTimestampNs"`
	EndTimestampNs   int64   `json:"endTimestampNs"`
}

// AntagonistsResponse is a response for an antagonist request.
type AntagonistsResponse struct {
	CollectionName string `json:"collectionName"`
	// All matching stalls sorted in order of decreasing duration - longest first.
	Antagonists []sched.Antagonists `json:"antagonists"`
}

// PerThreadEventSeriesRequest is a request for all events on the specified threads across a
// specified timestamp for a specified collection.  If start_timestamp_ns is -1, the first
// timestamp in the collection is used instead.  If end_timestamp is -1, the
// last timestamp in the collection is used instead.
type PerThreadEventSeriesRequest struct {
	// The collection name.
	CollectionName   string  `json:"collectionName"`
	Pids             []int64 `json:"pids"`
	StartTimestampNs int64   `json:"startTimestampNs"`
	EndTimestampNs   int64   `json:"endTimestampNs"`
}

// PerThreadEventSeries is a tuple containing a PID and its events, in
// increasing temporal order.
type PerThreadEventSeries struct {
	Pid    int64          `json:"pid"`
	Events []*trace.Event `json:"events"`
}

// PerThreadEventSeriesResponse is a response for a per-thread event sequence request.
// The Events are unique and are provided in increasing temporal order.
type PerThreadEventSeriesResponse struct {
	// The PCC collection name.
	CollectionName string                 `json:"collectionName"`
	EventSeries    []PerThreadEventSeries `json:"eventSeries"`
}

// UtilizationMetricsRequest is a request for the amount of time, in the specified collection over
// the specified interval and CPU set, that some of the CPUs were idle while others were overloaded.
type UtilizationMetricsRequest struct {
	CollectionName   string  `json:"collectionName"`
	Cpus             []int64 `json:"cpus"`
	StartTimestampNs int64   `json:"startTimestampNs"`
	EndTimestampNs   int64   `json:"endTimestampNs"`
}

// UtilizationMetrics contains various stats relating to the utilization of CPUs.
type UtilizationMetrics struct {
	// WallTime is the time during which at least one CPU was idle while at least one
	// other CPU was overloaded.
	WallTime int64 `json:"wallTime"`
	// PerCPUTime is the aggregated time that a single CPU was idle while another CPU was
	// overloaded.  For example, if two CPUs were idle for 1s, and two other CPUs
	// overloaded during that same 1s, that's 1s of wall time but 2s of per-CPU
	// time.
	PerCPUTime int64 `json:"perCpuTime"`
	// PerThreadTime is the aggregated time that a single CPU was idle while another thread waited
	// on some other, overloaded CPU.
	// For example, if two CPUs were overloaded for one second, one with one
	// waiting thread and the other with two waiting threads, and four other CPUs
	// were idle for that same second, the Wall Time for that interval would be
	// one second (At least one CPU was idle while another was overloaded for the
	// entire second); the Per-CPU Time would be two seconds (two CPUs were
	// overloaded while at least two others were idle); and the Per-Thread Time
	// would be three seconds (three threads were waiting while at least three
	// CPUs were idle.) If, however, only two CPUs were idle during that second,
	// Per-CPU Time would remain the same while Per-Thread Time would only be two
	// seconds, because while three threads were waiting over that second, only
	// two CPUs were idle.
	PerThreadTime int64 `json:"perThreadTime"`
	// CPUUtilizationFraction is the fraction over the requested interval and set of CPUs.
	// CPU utilization is the proportion (in the range [0,1]) of total CPU-time spent
	// not idle.  For example, a UtilizationMetricsRequest for .5s over 4 CPUs
	// would return a CPU utilization of .5 if two of those CPUs lay idle for .5s
	// each; .75 if two of those CPUs lay idle for .25s each, or one was idle for
	// .5s; and so forth.
	CPUUtilizationFraction float64 `json:"cpuUtilizationFraction"`
}

// UtilizationMetricsResponse is a response for an idle-while-overloaded request.
type UtilizationMetricsResponse struct {
	Request            UtilizationMetricsRequest `json:"request"`
	UtilizationMetrics UtilizationMetrics        `json:"utilizationMetrics"`
}

// ThreadStatsRequest is a request for aggregate thread statistics across a specified set of
// threads, CPUs, and timespan for a specified collection.  If start_timestamp_ns is -1, the first
// timestamp in the collection is used instead.  If end_timestamp_ns is -1, the last timestamp in
// the collection is used instead.  If the provided PID or CPU set is empty, all PIDs or CPUs are
// filtered in, respectively.
type ThreadStatsRequest struct {
	CollectionName   string  `json:"collectionName"`
	Pids             []int64 `json:"pids"`
	Cpus             []int64 `json:"cpus"`
	StartTimestampNs int64   `json:"startTimestampNs"`
	EndTimestampNs   int64   `json:"endTimestampNs"`
}

// ThreadStats holds aggregated wait/run/sleep time and wakeup/migration counts across a filtered
// set of threads.
type ThreadStats struct {
	WaitTimeNs           int64 `json:"waitTimeNs"`
	PostWakeupWaitTimeNs int64 `json:"postWakeupWaitTimeNs"`
	RunTimeNs            int64 `json:"runTimeNs"`
	SleepTimeNs          int64 `json:"sleepTimeNs"`
	Wakeups              int64 `json:"wakeups"`
	Migrations           int64 `json:"migrations"`
}

// ThreadStatsResponse is a response to a ThreadStatsRequest.
type ThreadStatsResponse struct {
	CollectionName string      `json:"collectionName"`
	ThreadStats    ThreadStats `json:"threadStats"`
}

