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
	"strings"

	"github.com/google/schedviz/tracedata/trace"
)

// ConflictResolution tells the inference engine what to do when two
// schedTransitions disagree about a thread's state or CPU. A transition
// carries four independent resolutions: forward-state, backward-state,
// forward-CPU, and backward-CPU, since a single sched event can be reliable
// in one direction and not the other (sched_wakeup, for instance, is a
// trustworthy forward state signal but a poor backward one).
//
// Inference walks a thread's transitions in timestamp order, accumulating an
// unresolved run until it hits a 'forward barrier': a transition whose next
// CPU and state are already known and which cannot itself be discarded on a
// forward conflict. Everything in the run up to the barrier can then be
// resolved in one pass; a thread with no barriers must be held entirely in
// memory and re-walked on every new conflict, so barrier density drives
// inference cost.
type ConflictResolution int

const (
	// Abort means a conflicting state or CPU should fail collection outright.
	Abort ConflictResolution = 0
	// Discard means the conflicting schedTransition may simply be thrown away.
	Discard = 1
	// SynthesizeGap means a conflict may be bridged by inserting a synthetic
	// schedTransition, timestamped midway between the two conflictants. Both
	// sides of the conflict must agree to this before a gap is synthesized.
	SynthesizeGap = 2
	// DiscardOrSynthesizeGap permits either remedy.
	DiscardOrSynthesizeGap = Discard | SynthesizeGap
)

func (policy ConflictResolution) String() string {
	switch policy {
	case Abort:
		return "Abort"
	case Discard:
		return "Discard"
	case SynthesizeGap:
		return "Synthesize Gap"
	case DiscardOrSynthesizeGap:
		return "Discard or Synthesize Gap"
	default:
		return "UNKNOWN"
	}
}

// resolveConflict picks a single ConflictResolution that both a and b permit,
// preferring the strictest mutually acceptable outcome: Discard is strictest,
// SynthesizeGap next, Abort least strict. When the two only agree on
// "discard or synthesize", the tie is broken in favor of Discard.
func resolveConflict(a, b ConflictResolution) ConflictResolution {
	if a > b {
		a, b = b, a
	}
	var result ConflictResolution = -1
	switch {
	case a == b:
		result = a
	case a == Abort && (b&Discard == Discard):
		result = Discard
	case a == Discard && (b&SynthesizeGap == SynthesizeGap):
		result = Discard
	default:
		result = a & b
	}
	if result == DiscardOrSynthesizeGap {
		result = Discard
	}
	return result
}

// schedTransition is a single point of change in a thread's CPU or run state.
// Most of its fields come straight off a trace.Event, but its Prev* side is
// usually left Unknown at construction time and filled in later by inference
// propagating neighboring schedTransitions' Next* values backward, and vice
// versa forward.
//
// A forward inference pushes a known value toward increasing timestamps,
// overwriting Unknown fields until it meets a transition that already
// disagrees with it. A backward inference does the same toward decreasing
// timestamps.
//
// Trace events aren't emitted atomically with the state changes they
// describe, so such disagreements do happen. When they do, inference has
// three options:
//
//  1. Abort — treat the disagreement as a collection-breaking error.
//  2. SynthesizeGap — splice a synthetic schedTransition in between the two
//     disagreeing transitions, timestamped midway between them.
//  3. Discard — drop whichever transition is in the way.
//
// Which option applies is governed per-transition by the onForwards*/
// onBackwards* ConflictResolution fields below.
type schedTransition struct {
	// EventID is the index of the trace.Event that produced this
	// schedTransition, or Unknown if there is none — this is then a
	// SynthesizeGap transition standing in for inferred trace-initial thread
	// state or an inferred migration.
	EventID   int
	Timestamp trace.Timestamp
	// The PID described in this schedTransition.
	PID PID
	// The command name for PID prior to this schedTransition.
	PrevCommand internID
	// The command name for PID after this schedTransition.
	NextCommand internID
	// The priority for PID prior to this schedTransition.
	PrevPriority Priority
	// The priority for PID after this schedTransition.
	NextPriority Priority
	// The CPU on which PID was located prior to this schedTransition.  If
	// Unknown, may be inferred from other schedTransitions.
	PrevCPU CPUID
	// The CPU on which PID was located after this schedTransition.  If Unknown,
	// may be inferred from other schedTransitions.
	NextCPU CPUID
	// Whether the CPU can propagate through this transition during inference.
	// This should be true for events that do not affect a thread's CPU, and
	// false for events that do.
	CPUPropagatesThrough bool
	// The state PID may have held prior to this schedTransition.
	PrevState ThreadState
	// The state PID held after this schedTransition.  If Unknown, may be
	// inferred from other schedTransitions.
	NextState ThreadState
	// Whether states can propagate through this transition during inference.
	// This should be true for events that do not affect a thread's state, and
	// false for events that do.
	StatePropagatesThrough bool
	// Conflict resolution policies.  Some events are unreliable; for example,
	// sched_wakeup can occur on a running or waiting thread.  Events that can be
	// emitted as part of an interrupt are perhaps more prone to require these
	// directives.
	onForwardsStateConflict  ConflictResolution
	onBackwardsStateConflict ConflictResolution
	onForwardsCPUConflict    ConflictResolution
	onBackwardsCPUConflict   ConflictResolution
	// discarded marks a schedTransition dropped by conflict resolution.
	discarded bool
	// syntheticGap marks a schedTransition inserted by conflict resolution,
	// rather than one derived from a trace.Event.
	syntheticGap bool
}

// isForwardBarrier reports whether tt is a 'forward barrier': its next CPU
// and state are both already known, and no forward conflict can discard it.
// Barriers bound the runs of transitions that inference resolves together —
// nothing past a barrier can conflict with anything before it.
func (tt *schedTransition) isForwardBarrier() bool {
	return tt.NextCPU != UnknownCPU && tt.NextState.isKnown() &&
		(tt.onForwardsStateConflict&Discard) != Discard && (tt.onForwardsCPUConflict&Discard) != Discard
}

// setCPUForwards propagates a CPU, known to hold for the receiver's PID just
// prior to its timestamp, forward into and, if requested, through the
// receiver.  If the CPU cannot be propagated, returns false.
func (tt *schedTransition) setCPUForwards(cpu CPUID) bool {
	if cpu == UnknownCPU || tt.PrevCPU == cpu {
		return true
	}
	if tt.PrevCPU != UnknownCPU {
		return false
	}
	tt.PrevCPU = cpu
	if tt.CPUPropagatesThrough {
		if tt.NextCPU != UnknownCPU {
			return false
		}
		tt.NextCPU = cpu
	}
	return true
}

// setCPUBackwards propagates a CPU, known to hold for the receiver's PID just
// after its Timestamp, backward into and, if requested, through the receiver.
// If the CPU cannot be propagated, returns false.
func (tt *schedTransition) setCPUBackwards(cpu CPUID) bool {
	if cpu == UnknownCPU || tt.NextCPU == cpu {
		return true
	}
	if tt.NextCPU != UnknownCPU {
		return false
	}
	tt.NextCPU = cpu
	if tt.CPUPropagatesThrough {
		if tt.PrevCPU != UnknownCPU {
			return false
		}
		tt.PrevCPU = cpu
	}
	return true
}

// setStateForwards propagates a thread state, known to hold for the receiver's
// PID just prior to its timestamp, forward into and, if requested, through
// the receiver.  If the state cannot be propagated, returns false.
func (tt *schedTransition) setStateForwards(state ThreadState) bool {
	prevState, merged := mergeState(state, tt.PrevState)
	if !merged {
		return false
	}
	tt.PrevState = prevState
	if tt.StatePropagatesThrough {
		nextState, merged := mergeState(tt.PrevState, tt.NextState)
		if !merged {
			return false
		}
		tt.NextState = nextState
	}
	return true
}

// setStateBackwards propagates a thread state, known to hold for the
// receiver's PID just after its timestamp, backwards into and, if requested,
// through the receiver.  If the state cannot be propagated, returns false.
func (tt *schedTransition) setStateBackwards(state ThreadState) bool {
	nextState, merged := mergeState(state, tt.NextState)
	if !merged {
		return false
	}
	tt.NextState = nextState
	if tt.StatePropagatesThrough {
		prevState, merged := mergeState(tt.NextState, tt.PrevState)
		if !merged {
			return false
		}
		tt.PrevState = prevState
	}
	return true
}

func (tt *schedTransition) String() string {
	if tt == nil {
		return "<nil>"
	}
	ret := "<unknown>"
	if tt.EventID != Unknown {
		ret = fmt.Sprintf("[Event %d] ", tt.EventID)
	}
	if tt.discarded {
		ret = ret + "(discarded) "
	}
	if tt.syntheticGap {
		ret = ret + "(synthetic gap) "
	}
	ret = ret + fmt.Sprintf("CPU policies: [%s, %s] ", tt.onBackwardsCPUConflict, tt.onForwardsCPUConflict)
	ret = ret + fmt.Sprintf("State policies: [%s, %s] ", tt.onBackwardsStateConflict, tt.onForwardsStateConflict)
	propagates := []string{}
	if tt.StatePropagatesThrough {
		propagates = append(propagates, "state")
	}
	if tt.CPUPropagatesThrough {
		propagates = append(propagates, "CPU")
	}
	if len(propagates) > 0 {
		ret = ret + "(" + strings.Join(propagates, ", ") + " propagates through) "
	}
	return ret + fmt.Sprintf("@%-18d %s Command: [%d->%d] Priority: [%d->%d] CPU: [%s->%s] State: [%s->%s]", tt.Timestamp, tt.PID, tt.PrevCommand, tt.NextCommand, tt.PrevPriority, tt.NextPriority, tt.PrevCPU, tt.NextCPU, tt.PrevState, tt.NextState)
}
