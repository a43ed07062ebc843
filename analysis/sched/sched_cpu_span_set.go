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
	"sort"

	"github.com/Workiva/go-datastructures/augmentedtree"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// coreSpans stores per-CPU sets of running, sleeping, and waiting occupancySpans.
type coreSpans struct {
	runningSpans  []*occupancySpan
	sleepingSpans []*occupancySpan
	waitingSpans  []*occupancySpan
}

func (cs *coreSpans) addSpan(span *occupancySpan) {
	switch span.state {
	case RunningState:
		cs.runningSpans = append(cs.runningSpans, span)
	case SleepingState:
		cs.sleepingSpans = append(cs.sleepingSpans, span)
	case WaitingState:
		cs.waitingSpans = append(cs.waitingSpans, span)
	}
}

func sortSpans(tss []*occupancySpan) {
	sort.Slice(tss, func(a, b int) bool {
		return tss[a].less(tss[b])
	})
}

// sort sorts each group of spans in the receiver by increasing start
// timestamp.
func (cs *coreSpans) sort() {
	sortSpans(cs.runningSpans)
	sortSpans(cs.waitingSpans)
	sortSpans(cs.sleepingSpans)
}

// finalize sorts the coreSpans, then confirms that there are no
// anomalies in it.  Any anomalies result in returned errors.
func (cs *coreSpans) finalize() error {
	cs.sort()
	// Ensure that no CPU ever has more than one running thread.
	var lastSpan *occupancySpan
	for _, ts := range cs.runningSpans {
		if lastSpan != nil && lastSpan.endTimestamp > ts.startTimestamp {
			return status.Errorf(codes.InvalidArgument, "multiple running threads on %s at timestamp %d: [%s %s]", ts.cpu, ts.startTimestamp, lastSpan, ts)
		}
		lastSpan = ts
	}
	return nil
}

type coreSpanSet struct {
	coreSpansByCPU map[CPUID]*coreSpans
}

func newCoreSpanSet() *coreSpanSet {
	return &coreSpanSet{
		coreSpansByCPU: map[CPUID]*coreSpans{},
	}
}

func (css *coreSpanSet) coreSpans(cpu CPUID) *coreSpans {
	cs, ok := css.coreSpansByCPU[cpu]
	if !ok {
		cs = &coreSpans{}
		css.coreSpansByCPU[cpu] = cs
	}
	return cs
}

// addSpan adds the provided span to its appropriate coreSpans.
func (css *coreSpanSet) addSpan(span *occupancySpan) {
	css.coreSpans(span.cpu).addSpan(span)
}

func (css *coreSpanSet) cpuTrees() (runningSpansByCPU map[CPUID][]*occupancySpan, sleepingSpansByCPU, waitingSpansByCPU map[CPUID]augmentedtree.Tree, err error) {
	runningSpansByCPU = map[CPUID][]*occupancySpan{}
	sleepingSpansByCPU = map[CPUID]augmentedtree.Tree{}
	waitingSpansByCPU = map[CPUID]augmentedtree.Tree{}
	for cpu, css := range css.coreSpansByCPU {
		if err = css.finalize(); err != nil {
			return
		}
		runningSpansByCPU[cpu] = css.runningSpans
		sleeping := augmentedtree.New(1)
		for _, span := range css.sleepingSpans {
			sleeping.Add(span)
		}
		sleepingSpansByCPU[cpu] = sleeping
		waiting := augmentedtree.New(1)
		for _, span := range css.waitingSpans {
			waiting.Add(span)
		}
		waitingSpansByCPU[cpu] = waiting
	}
	return
}
