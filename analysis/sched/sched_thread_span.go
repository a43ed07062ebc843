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

import (
	"fmt"
	"sort"

	// TODO(sabarabc) Write a Copybara rule to convert these to OS.
	"github.com/Workiva/go-datastructures/augmentedtree"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"github.com/google/schedviz/tracedata/trace"
)

// An occupancySpan is a duration of time over which a single PID held a state
// on a single CPU.
type occupancySpan struct {
	pid            PID
	startTimestamp trace.Timestamp
	endTimestamp   trace.Timestamp
	cpu            CPUID
	id             uint64 // A unique identifier for augmentedtree.Tree.
	priority       Priority
	state          ThreadState
	command        internID
	// The IDs of any events that were discarded due to conflicts identified during
	// inference.
	droppedEventIDs []int
	syntheticStart  bool
	syntheticEnd    bool
}

func (ts *occupancySpan) duration() Duration {
	return duration(ts.startTimestamp, ts.endTimestamp)
}

// less supports sorting occupancySpan slices by increasing startTimestamp.
func (ts *occupancySpan) less(other *occupancySpan) bool {
	switch {
	case ts.startTimestamp < other.startTimestamp:
		return true
	case ts.startTimestamp > other.startTimestamp:
		return false
	}
	return ts.duration() < other.duration()
}

func (ts *occupancySpan) equals(other *occupancySpan) bool {
	return ts.pid == other.pid &&
		ts.startTimestamp == other.startTimestamp &&
		ts.endTimestamp == other.endTimestamp &&
		ts.cpu == other.cpu &&
		ts.id == other.id &&
		ts.priority == other.priority &&
		ts.state == other.state &&
		ts.command == other.command &&
		ts.syntheticStart == other.syntheticStart &&
		ts.syntheticEnd == other.syntheticEnd &&
		func() bool {
			if len(ts.droppedEventIDs) != len(other.droppedEventIDs) {
				return false
			}
			sort.Slice(ts.droppedEventIDs, func(a, b int) bool {
				return ts.droppedEventIDs[a] < ts.droppedEventIDs[b]
			})
			sort.Slice(other.droppedEventIDs, func(a, b int) bool {
				return other.droppedEventIDs[a] < other.droppedEventIDs[b]
			})
			for idx, tsde := range ts.droppedEventIDs {
				if tsde != other.droppedEventIDs[idx] {
					return false
				}
			}
			return true
		}()
}

func (ts *occupancySpan) String() string {
	ret := fmt.Sprintf("%s (%s, %d, %s) on %s [%d - %d] (%d)", ts.pid, ts.state, ts.command, ts.priority, ts.cpu, ts.startTimestamp, ts.endTimestamp, ts.id)
	if ts.syntheticStart {
		ret = ret + " (syntheticGap start)"
	}
	if ts.syntheticEnd {
		ret = ret + " (syntheticGap end)"
	}
	return ret
}

// The ID for augmentedtree.Intervals used in queries.  It's not clear from
// augmentedtree's godoc whether query IDs matter, but if they do, best to use
// a reserved one.
const queryID uint64 = 0

// LowAtDimension returns the start timestamp of i.  Required to support
// augmentedtree.Interval.
func (ts *occupancySpan) LowAtDimension(d uint64) int64 {
	return int64(ts.startTimestamp)
}

// HighAtDimension returns the end timestamp of i.  Required to support
// augmentedtree.Interval.
func (ts *occupancySpan) HighAtDimension(d uint64) int64 {
	return int64(ts.endTimestamp)
}

// OverlapsAtDimension returns true if an interval overlaps this interval at
// the specified dimension.  Required to support augmentedtree.Interval.
func (ts *occupancySpan) OverlapsAtDimension(j augmentedtree.Interval, d uint64) bool {
	return ts.HighAtDimension(d) >= j.LowAtDimension(d) &&
		j.HighAtDimension(d) >= ts.LowAtDimension(d)
}

// ID returns the unique identifier for this interval.  Required to support
// augmentedtree.Interval.
func (ts *occupancySpan) ID() uint64 {
	return ts.id
}

// occupancySpanGenerator builds running, sleeping, and waiting occupancySpans for a
// single PID from that PID's schedTransitions, provided in increasing
// temporal order.  Incoming schedTransitions should already be fully
// CPU- and state-inferred, and occupancySpanGenerator will raise errors wherever
// CPU or state inference seems to have failed or not been performed.
//
// occupancySpanGenerator uses the following collectionOptions fields:
// * preciseCommands: if true, thread command names in intervals will be as
//   precise as possible: events lacking thread command names will be
//   populated with commands from earlier events referring to the same PID, and
//   intervals will be split on changes in thread command, even if nothing else
//   changed.
// * precisePriorities: if true, thread priorities in intervals will be as
//   precise as possible: events lacking thread priorities will be populated
//   with priorities from earlier events referring to the same PID, and
//   intervals will be split on changes in thread priority, even if nothing else
//   changed.
type occupancySpanGenerator struct {
	pid          PID
	options      *collectionOptions
	current      *occupancySpan
	lastCommand  internID
	lastPriority Priority
}

func newOccupancySpanGenerator(pid PID, options *collectionOptions) *occupancySpanGenerator {
	return &occupancySpanGenerator{
		pid:          pid,
		options:      options,
		current:      nil,
		lastCommand:  UnknownCommand,
		lastPriority: UnknownPriority,
	}
}

// checkCommon checks for inference or precondition failures in common to all
// intervals.  It compares the current occupancySpan with the schedTransition tt.
// An error is returned if:
//  * tt.Timestamp is Unknown,
//  * tt.Timestamp is less than the current.startTimestamp (expect schedTransitions
//    in nondecreasing temporal order),
//  * tt.PrevState is not current.state (expect no thread state inference
//    errors)
//  * tt.PrevCPU is different from current.cpu (expect no CPU inference errors).
func (tsg *occupancySpanGenerator) checkCommon(tt *schedTransition) error {
	if tt.Timestamp == UnknownTimestamp {
		return status.Errorf(codes.InvalidArgument, "missing timestamp in schedTransition %s", tt)
	}
	if tsg.current == nil {
		return nil
	}
	// Check that the schedTransition is not prior to the occupancySpan.
	if tt.Timestamp < tsg.current.startTimestamp {
		return status.Errorf(codes.InvalidArgument,
			"occupancySpanGenerator received out-of-time-order schedTransitions (%s > %s)", tsg.current, tt)
	}
	// Check that the schedTransition has the proper previous state.
	if tt.PrevState != tsg.current.state {
		return status.Errorf(codes.InvalidArgument,
			"occupancySpanGenerator received unexpected state transition (%s -> %s)", tsg.current, tt)
	}
	// Check that the schedTransition's previous CPU is the same as the
	// occupancySpan's.
	if tt.PrevCPU != tsg.current.cpu {
		return status.Errorf(codes.InvalidArgument,
			"occupancySpanGenerator received unexpected CPU transition (%s -> %s)", tsg.current, tt)
	}
	return nil
}

// checkCommandAndPriority returns true if the provided occupancySpan should be
// split based on changes in thread command or priority.  It also populates
// lastCommand and lastPriority, if these are unknown.
func (tsg *occupancySpanGenerator) checkCommandAndPriority(tt *schedTransition) bool {
	split := false
	if tsg.current != nil {
		if tsg.options.preciseCommands {
			// We must split if the schedTransition's prev or next command is known
			// and different from the occupancySpan's.
			if (tt.PrevCommand != UnknownCommand && tsg.current.command != tt.PrevCommand) ||
				(tt.NextCommand != UnknownCommand && tsg.current.command != tt.NextCommand) {
				split = true
				tsg.lastCommand = UnknownCommand
			}
		}
		if tsg.options.precisePriorities {
			// We must split if the schedTransition's prev or next priority is known
			// and different from the occupancySpan's.
			if (tt.PrevPriority != UnknownPriority && tsg.current.priority != tt.PrevPriority) ||
				(tt.NextPriority != UnknownPriority && tsg.current.priority != tt.NextPriority) {
				split = true
				tsg.lastPriority = UnknownPriority
			}
		}
	}
	// Populate the builder's last command, if it is unknown.
	if tsg.lastCommand == UnknownCommand && tt.NextCommand != UnknownCommand {
		tsg.lastCommand = tt.NextCommand
	}
	// Populate the builder's last priority, if it is unknown.
	if tsg.lastPriority == UnknownPriority && tt.NextPriority != UnknownPriority {
		tsg.lastPriority = tt.NextPriority
	}
	return split
}

// addTransition updates the current working span using the provided
// schedTransition, checks for errors, and returns any span completed by
// the transition.
func (tsg *occupancySpanGenerator) addTransition(nextTT *schedTransition) (*occupancySpan, error) {
	var ret *occupancySpan
	// If the provided transition was discarded, note its eventID in the current
	// span, if there is one, and return early.
	if nextTT.discarded && tsg.current != nil {
		tsg.current.droppedEventIDs = append(tsg.current.droppedEventIDs, nextTT.EventID)
		return nil, nil
	}
	if err := tsg.checkCommon(nextTT); err != nil {
		return nil, err
	}
	split := tsg.checkCommandAndPriority(nextTT)
	if tsg.current != nil {
		switch tsg.current.state {
		case RunningState:
			// If the current span is running, it is checked against nextTT:
			//  * An error is returned if nextTT's nextState is RunningState and its
			//    nextCPU is different from the running's (running threads do not
			//    migrate.)
			//  * If nextTT's NextState is not RunningState, the current span is
			//    complete.
			if nextTT.NextState == RunningState && nextTT.NextCPU != tsg.current.cpu {
				return nil, status.Errorf(codes.InvalidArgument,
					"occupancySpanGenerator received unexpected migration  (%s > %s)",
					tsg.current, nextTT)
			}
			if nextTT.NextState != RunningState {
				split = true
			}
		case SleepingState, WaitingState, UnknownState:
			// If the current span is sleeping, waiting, or unknown it is checked
			// against nextTT.  If nextTT's nextState is not current.state or nextTT's
			// cpu is not current.cpu, the span is complete:
			if nextTT.NextState != tsg.current.state || nextTT.NextCPU != tsg.current.cpu {
				split = true
			}
		}
		// Advance the current interval's endTimestamp to reflect this transition's
		// membership in it.
		tsg.current.endTimestamp = nextTT.Timestamp
		// If a split was requested, close out the current span and return it.
		if split {
			ret, tsg.current = tsg.current, nil
			ret.syntheticEnd = nextTT.syntheticGap
		}
	}
	// If the current span is nil, start a new span, with its pid, state, and cpu
	// taken from the transition's next properties, its command and priority taken
	// from lastCommand and lastPriority, and its timestamps taken from the
	// transition's timestamp.
	if tsg.current == nil {
		tsg.current = &occupancySpan{
			pid:            tsg.pid,
			startTimestamp: nextTT.Timestamp,
			endTimestamp:   nextTT.Timestamp,
			state:          nextTT.NextState,
			command:        tsg.lastCommand,
			priority:       tsg.lastPriority,
			cpu:            nextTT.NextCPU,
			// id should be filled in before use in an augmentedTree.
			id:             queryID,
			syntheticStart: nextTT.syntheticGap,
		}
	}
	return ret, nil
}

func (tsg *occupancySpanGenerator) drain() *occupancySpan {
	ret := tsg.current
	tsg.current = nil
	tsg.lastCommand = UnknownCommand
	tsg.lastPriority = UnknownPriority
	return ret
}
