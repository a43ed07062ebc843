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
package persist

import (
	"context"
	"io/ioutil"
	"os"
	"testing"

	"github.com/google/schedviz/analysis/schedtestcommon"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir, err := ioutil.TempDir("", "persist_test")
	if err != nil {
		t.Fatalf("failed to create temp dir: %s", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	s, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore(%q) yielded unexpected error %s", dir, err)
	}
	return s
}

func TestSaveAndLoad(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	name, err := s.Save(ctx, schedtestcommon.TestTrace1(t), nil, "alice", []string{"alice", "bob"}, []string{"tag1"}, "a test collection", "testmachine")
	if err != nil {
		t.Fatalf("Save() yielded unexpected error %s", err)
	}
	if name == "" {
		t.Fatalf("Save() returned an empty collection name")
	}

	coll, topo, err := s.Load(ctx, name)
	if err != nil {
		t.Fatalf("Load(%q) yielded unexpected error %s", name, err)
	}
	if coll == nil {
		t.Errorf("Load(%q) returned a nil Collection", name)
	}
	if topo == nil {
		t.Errorf("Load(%q) returned a nil SystemTopology", name)
	}

	md, err := s.Metadata(ctx, name)
	if err != nil {
		t.Fatalf("Metadata(%q) yielded unexpected error %s", name, err)
	}
	if md.Creator != "alice" {
		t.Errorf("Metadata(%q).Creator = %q, want %q", name, md.Creator, "alice")
	}
	if len(md.FtraceEvents) == 0 {
		t.Errorf("Metadata(%q).FtraceEvents is empty, want nonempty", name)
	}
}

func TestLoadMissingCollection(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	if _, _, err := s.Load(ctx, "does_not_exist"); err == nil {
		t.Errorf("Load(%q) succeeded unexpectedly, want a not-found error", "does_not_exist")
	}
}

func TestLoadMissingName(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	if _, _, err := s.Load(ctx, ""); err == nil {
		t.Errorf("Load(\"\") succeeded unexpectedly, want a missing-field error")
	}
}

func TestListAndDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	name, err := s.Save(ctx, schedtestcommon.TestTrace1(t), nil, "alice", nil, nil, "", "")
	if err != nil {
		t.Fatalf("Save() yielded unexpected error %s", err)
	}

	all, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List() yielded unexpected error %s", err)
	}
	if _, ok := all[name]; !ok {
		t.Errorf("List() = %v, want an entry for %q", all, name)
	}

	if err := s.Delete(ctx, name); err != nil {
		t.Fatalf("Delete(%q) yielded unexpected error %s", name, err)
	}
	if _, _, err := s.Load(ctx, name); err == nil {
		t.Errorf("Load(%q) succeeded after Delete, want a not-found error", name)
	}
}

func TestEditTags(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	name, err := s.Save(ctx, schedtestcommon.TestTrace1(t), nil, "alice", nil, []string{"keep", "drop"}, "orig", "")
	if err != nil {
		t.Fatalf("Save() yielded unexpected error %s", err)
	}
	if err := s.EditTags(ctx, name, []string{"added"}, []string{"drop"}, "edited"); err != nil {
		t.Fatalf("EditTags(%q) yielded unexpected error %s", name, err)
	}
	md, err := s.Metadata(ctx, name)
	if err != nil {
		t.Fatalf("Metadata(%q) yielded unexpected error %s", name, err)
	}
	got := map[string]bool{}
	for _, tag := range md.Tags {
		got[tag] = true
	}
	if !got["keep"] || !got["added"] || got["drop"] {
		t.Errorf("Metadata(%q).Tags = %v, want keep+added present, drop absent", name, md.Tags)
	}
	if md.Description != "edited" {
		t.Errorf("Metadata(%q).Description = %q, want %q", name, md.Description, "edited")
	}
}
