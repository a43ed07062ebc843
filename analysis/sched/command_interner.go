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
// Package sched provides interfaces and helper functions for scheduling
// tracepoint collections.  It understands the sched:: tracepoint events
// sched_migrate_task, sched_wakeup, sched_wakeup_new, and sched_switch.
package sched

import (
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// internID names an interned command string by its position in a
// commandInterner's table, rather than by its bytes.
type internID int

const (
	// unknownString is shown for unresolved CPUs, priorities, commands, and
	// other fields.
	unknownString = "<unknown>"
)

// internTable backs a commandInterner with the actual interned strings.
// pushBack is not safe to call concurrently with itself or with stringByID;
// commandInterner is what adds the locking that makes concurrent use safe.
type internTable struct {
	strings []string
}

func (st internTable) stringByID(id internID) (string, error) {
	if id < 0 || id >= internID(len(st.strings)) {
		return "", status.Errorf(codes.NotFound, "string %d not found", id)
	}
	return st.strings[id], nil
}

// pushBack appends str to the table and returns its internID. Duplicate
// strings are not detected or deduplicated here — commandInterner is
// responsible for only calling pushBack on strings it hasn't seen before.
func (st *internTable) pushBack(str string) internID {
	newID := internID(len(st.strings))
	st.strings = append(st.strings, str)
	return newID
}

// commandInterner deduplicates the thread command names recurring throughout
// a trace — the same handful of comm strings are repeated across millions of
// sched events — replacing each with a small internID so a Collection's
// schedTransitions and occupancySpans can carry an int instead of a string.
// Safe for concurrent lookup and insertion.
type commandInterner struct {
	internTable *internTable
	internIDs   map[string]internID
	mutex       sync.RWMutex
}

func newCommandInterner() *commandInterner {
	return &commandInterner{
		internTable: &internTable{},
		internIDs:   make(map[string]internID),
	}
}

// stringByID returns the command name for the given internID, or an error if
// no such ID has been interned.
func (sb *commandInterner) stringByID(id internID) (string, error) {
	sb.mutex.RLock()
	defer sb.mutex.RUnlock()
	return sb.internTable.stringByID(id)
}

// internIDByString returns str's internID, interning it first if this is the
// first time str has been seen.
func (sb *commandInterner) internIDByString(str string) internID {
	// Read-only fast path.
	if id, ok := func(str string) (internID, bool) {
		sb.mutex.RLock()
		defer sb.mutex.RUnlock()
		id, ok := sb.internIDs[str]
		if ok {
			return id, true
		}
		return 0, false
	}(str); ok {
		return id
	}
	// Read/write slow path.
	sb.mutex.Lock()
	defer sb.mutex.Unlock()
	// See if someone wrote this value while we were waiting on the lock.
	id, ok := sb.internIDs[str]
	if ok {
		return id
	}
	// No?  OK, let's put it in.
	id = sb.internTable.pushBack(str)
	sb.internIDs[str] = id
	return id
}
