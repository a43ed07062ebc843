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
package sched

import "github.com/google/schedviz/tracedata/trace"

// queryFilter narrows and reshapes the intervals a query walks: which time
// range, CPUs, PIDs, event types, and thread states participate, plus how
// finely the resulting intervals are allowed to be split. A queryFilter is
// never constructed directly by callers; buildFilter assembles one from a
// Collection's defaults and whatever Filter options the caller supplied.
type queryFilter struct {
	// If true, intervals that overlap the start or end timestamps will be
	// truncated so that they do not overlap the requested range.
	truncateToTimeRange bool
	// The target minimum interval duration.  If >0, wherever possible, adjacent
	// intervals will be merged
	minIntervalDuration Duration
	// If Unknown, the start of the trace.
	startTimestamp trace.Timestamp
	// If Unknown, the end of the trace.
	endTimestamp trace.Timestamp
	// If empty, all event types
	eventTypes map[string]struct{}
	// If empty, all CPUs.
	cpus map[CPUID]struct{}
	// if empty, all PIDs.
	pids map[PID]struct{}
	// The thread states to be included.  Defaults to AnyState.
	threadStates ThreadState
}

// Filter is a functional option that narrows or reshapes a sched collection
// query: restricting the time range, CPUs, or threads considered, or
// controlling how the query's output intervals are aggregated (for instance,
// merging adjacent intervals up to a minimum duration). Not every query
// function honors every Filter; each documents the subset it applies.
type Filter func(*queryFilter)

// TruncateToTimeRange sets whether intervals will be allowed to overlap
// the start or end timestamp of the filter.
func TruncateToTimeRange(truncateToTimeRange bool) func(*queryFilter) {
	return func(f *queryFilter) {
		f.truncateToTimeRange = truncateToTimeRange
	}
}

// MinIntervalDuration sets the minimum duration that intervals will, wherever
// possible, be merged up to.
func MinIntervalDuration(minIntervalDuration Duration) func(*queryFilter) {
	return func(f *queryFilter) {
		f.minIntervalDuration = minIntervalDuration
	}
}

// StartTimestamp sets the inclusive start of the filtered-in time-range.
func StartTimestamp(startTimestamp trace.Timestamp) func(*queryFilter) {
	return func(f *queryFilter) {
		f.startTimestamp = startTimestamp
	}
}

// EndTimestamp sets the inclusive end of the filtered-in time-range.
func EndTimestamp(endTimestamp trace.Timestamp) func(*queryFilter) {
	return func(f *queryFilter) {
		f.endTimestamp = endTimestamp
	}
}

// TimeRange filters to the specified time-range, inclusive.
func TimeRange(startTimestamp, endTimestamp trace.Timestamp) func(*queryFilter) {
	return func(f *queryFilter) {
		f.startTimestamp, f.endTimestamp = startTimestamp, endTimestamp
	}
}

// EventTypes filters to the specified event types, overriding any previous
// event type filtering.
func EventTypes(eventTypes ...string) func(*queryFilter) {
	return func(f *queryFilter) {
		f.eventTypes = map[string]struct{}{}
		for _, eventType := range eventTypes {
			f.eventTypes[eventType] = struct{}{}
		}
	}
}

// CPUs filters to the specified CPUs, overriding any previous CPU filtering.
func CPUs(cpus ...CPUID) func(*queryFilter) {
	return func(f *queryFilter) {
		f.cpus = map[CPUID]struct{}{}
		for _, cpu := range cpus {
			f.cpus[cpu] = struct{}{}
		}
	}
}

// PIDs filters to the specified PIDs, overriding any previous PID filtering.
func PIDs(pids ...PID) func(*queryFilter) {
	return func(f *queryFilter) {
		f.pids = map[PID]struct{}{}
		for _, pid := range pids {
			f.pids[pid] = struct{}{}
		}
	}
}

// ThreadStates filters to the specified ThreadStates, overriding any previous
// thread state filtering.  Multiple ThreadStates may be specified by joining
// with bitwise OR.
func ThreadStates(threadStates ThreadState) func(*queryFilter) {
	return func(f *queryFilter) {
		f.threadStates = threadStates
	}
}

// duplicateFilter returns a Filter option that copies inF's fields onto
// whatever queryFilter it is later applied to. Used to clone a caller-built
// filter into several independent per-query variants without re-parsing the
// original option list each time.
func duplicateFilter(inF *queryFilter) func(*queryFilter) {
	return func(outF *queryFilter) {
		outF.truncateToTimeRange = inF.truncateToTimeRange
		outF.minIntervalDuration = inF.minIntervalDuration
		outF.startTimestamp = inF.startTimestamp
		outF.endTimestamp = inF.endTimestamp
		outF.eventTypes = map[string]struct{}{}
		for et := range inF.eventTypes {
			outF.eventTypes[et] = struct{}{}
		}
		outF.cpus = map[CPUID]struct{}{}
		for cpuid := range inF.cpus {
			outF.cpus[cpuid] = struct{}{}
		}
		outF.pids = map[PID]struct{}{}
		for pid := range inF.pids {
			outF.pids[pid] = struct{}{}
		}
		outF.threadStates = inF.threadStates
	}
}

// buildFilter applies filtFuncs over a queryFilter seeded with permissive
// defaults (the full trace time range, every known CPU, PID, and running/
// waiting/sleeping thread state), then narrows the result to whatever c
// actually contains — a caller-requested CPU or PID absent from c is simply
// dropped rather than left to fail downstream lookups.
func buildFilter(c *Collection, filtFuncs []Filter) *queryFilter {
	f := &queryFilter{
		truncateToTimeRange: false,
		minIntervalDuration: 0,
		startTimestamp:      UnknownTimestamp,
		endTimestamp:        UnknownTimestamp,
		eventTypes:          map[string]struct{}{},
		cpus:                map[CPUID]struct{}{},
		pids:                map[PID]struct{}{},
		threadStates:        RunningState | WaitingState | SleepingState | UnknownState,
	}
	for _, ff := range filtFuncs {
		ff(f)
	}
	// Populate unspecified values from the collection's.
	if f.startTimestamp == UnknownTimestamp {
		f.startTimestamp = c.startTimestamp
	}
	if f.endTimestamp == UnknownTimestamp {
		f.endTimestamp = c.endTimestamp
	}
	if len(f.cpus) == 0 {
		f.cpus = c.cpus
	} else {
		for cpu := range f.cpus {
			if _, ok := c.cpus[cpu]; !ok {
				delete(f.cpus, cpu)
			}
		}
	}
	if len(f.pids) == 0 {
		f.pids = c.pids
	} else {
		for pid := range f.pids {
			if _, ok := c.pids[pid]; !ok {
				delete(f.pids, pid)
			}
		}
	}
	return f
}

// spanFilteredIn reports whether span passes every dimension of f: its time
// range overlaps f's, its PID and CPU are both in f's allowed sets, and its
// ThreadState is among f's filtered-in states.
func (f *queryFilter) spanFilteredIn(span *occupancySpan) bool {
	_, inCPUs := f.cpus[span.cpu]
	_, inPIDs := f.pids[span.pid]
	return span.endTimestamp >= f.startTimestamp &&
		span.startTimestamp <= f.endTimestamp &&
		inCPUs && inPIDs && ((span.state & f.threadStates) == span.state)
}

// maxCPUID returns the highest CPUID in f's allowed CPU set, used to size
// per-CPU slices without over-allocating for CPUs the filter excludes.
func (f *queryFilter) maxCPUID() CPUID {
	var max CPUID
	for cpu := range f.cpus {
		if cpu > max {
			max = cpu
		}
	}
	return max
}

// threadStateFilteredIn reports whether threadState is entirely among f's
// filtered-in states, for callers that only have a state in hand rather than
// a full occupancySpan.
func (f *queryFilter) threadStateFilteredIn(threadState ThreadState) bool {
	return (threadState & f.threadStates) == threadState
}
