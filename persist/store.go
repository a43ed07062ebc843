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
// Package persist stores and retrieves reconstructed collections from local
// disk, as a single gob-encoded blob per collection.  It is the disk-backed
// counterpart to the in-memory Collection Cache: the cache holds hot,
// already-reconstructed Collections, while a Store holds every Collection
// this instance has ever been asked to remember, including ones that have
// aged out of the cache.
package persist

import (
	"context"
	"encoding/gob"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	log "github.com/golang/glog"
	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/google/schedviz/analysis/sched"
	"github.com/google/schedviz/topology"
	"github.com/google/schedviz/tracedata/trace"
)

// blobExtension is the suffix given to every collection blob file.
const blobExtension = ".schedvizblob"

// Metadata describes a persisted collection: who created it, who else can
// see it, and how it was produced.  It travels inside the collection's blob
// rather than in a sidecar file, so a blob is always self-describing.
type Metadata struct {
	Creator        string   `json:"creator"`
	Owners         []string `json:"owners"`
	Tags           []string `json:"tags"`
	Description    string   `json:"description"`
	CreationTimeNs int64    `json:"creationTimeNs"`
	FtraceEvents   []string `json:"ftraceEvents"`
	TargetMachine  string   `json:"targetMachine"`
}

// diskCollection is the gob-encoded representation of a single persisted
// collection: its metadata, the native event set it was built from, and the
// topology it was reconstructed against.  Re-parsing the EventSet on Load
// keeps the on-disk format immune to changes in Collection's in-memory
// layout, at the cost of paying reconstruction once per Load.
type diskCollection struct {
	Metadata Metadata
	EventSet *trace.EventSet
	Topology *topology.SystemTopology
}

// Store persists collections as gob blobs under a single directory.
type Store struct {
	dir string

	mu sync.Mutex
}

// NewStore returns a Store rooted at dir, creating dir if it does not exist.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, status.Errorf(codes.Internal, "failed to create storage directory %q: %v", dir, err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name+blobExtension)
}

// nameFromFile returns the collection name a blob's file name was stored
// under, or "" if fileName is not a blob file.
func nameFromFile(fileName string) string {
	if !strings.HasSuffix(fileName, blobExtension) {
		return ""
	}
	return strings.TrimSuffix(fileName, blobExtension)
}

// newCollectionName synthesizes a unique, sortable-by-creation-time
// collection name of the form <uuid>_<hex-timestamp-ns>_<creator-tag>.
func newCollectionName(creator string, creationTime time.Time) string {
	creatorTag := creator
	if creatorTag == "" {
		creatorTag = "unknown"
	}
	creatorTag = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '-'
		}
	}, creatorTag)
	return fmt.Sprintf("%s_%s_%s", uuid.New().String(), strconv.FormatInt(creationTime.UnixNano(), 16), creatorTag)
}

// Save builds a Collection from es (and the supplied topology), persists it
// as a new blob, and returns its generated name.  If topo is nil, a flat
// single-socket topology is synthesized from the CPUs present in es.
func (s *Store) Save(ctx context.Context, es *trace.EventSet, topo *topology.SystemTopology, creator string, owners, tags []string, description, targetMachine string) (string, error) {
	coll, err := sched.NewCollection(es, sched.DefaultEventLoaders(), sched.NormalizeTimestamps(true))
	if err != nil {
		return "", status.Errorf(codes.InvalidArgument, "failed to reconstruct collection: %v", err)
	}
	if topo == nil {
		var cpuIDs []uint64
		for cpu := range coll.CPUs() {
			cpuIDs = append(cpuIDs, uint64(cpu))
		}
		sort.Slice(cpuIDs, func(a, b int) bool { return cpuIDs[a] < cpuIDs[b] })
		topo = topology.FlatSingleSocket(cpuIDs)
	}

	now := time.Now()
	name := newCollectionName(creator, now)
	dc := diskCollection{
		Metadata: Metadata{
			Creator:        creator,
			Owners:         owners,
			Tags:           tags,
			Description:    description,
			CreationTimeNs: now.UnixNano(),
			FtraceEvents:   coll.TraceCollection.EventNames(),
			TargetMachine:  targetMachine,
		},
		EventSet: es,
		Topology: topo,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.write(name, &dc); err != nil {
		return "", err
	}
	return name, nil
}

func (s *Store) write(name string, dc *diskCollection) error {
	f, err := os.Create(s.path(name))
	if err != nil {
		return status.Errorf(codes.Internal, "failed to create blob for %q: %v", name, err)
	}
	defer func() {
		if err := f.Close(); err != nil {
			log.Errorf("persist: failed to close blob for %q: %s", name, err)
		}
	}()
	if err := gob.NewEncoder(f).Encode(dc); err != nil {
		return status.Errorf(codes.Internal, "failed to encode blob for %q: %v", name, err)
	}
	return nil
}

func (s *Store) read(name string) (*diskCollection, error) {
	f, err := os.Open(s.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, status.Errorf(codes.NotFound, "no such collection %q", name)
		}
		return nil, status.Errorf(codes.Internal, "failed to open blob for %q: %v", name, err)
	}
	defer func() {
		if err := f.Close(); err != nil {
			log.Errorf("persist: failed to close blob for %q: %s", name, err)
		}
	}()
	var dc diskCollection
	if err := gob.NewDecoder(f).Decode(&dc); err != nil {
		return nil, status.Errorf(codes.Internal, "failed to decode blob for %q: %v", name, err)
	}
	return &dc, nil
}

// Load reconstructs the Collection and SystemTopology persisted under name.
// It satisfies httpapi.CollectionLoader, and is invoked by the Collection
// Cache at most once per name, on a cache miss.
func (s *Store) Load(ctx context.Context, name string) (*sched.Collection, *topology.SystemTopology, error) {
	if name == "" {
		return nil, nil, status.Error(codes.InvalidArgument, "missing required field \"collectionName\"")
	}
	dc, err := s.read(name)
	if err != nil {
		return nil, nil, err
	}
	coll, err := sched.NewCollection(dc.EventSet, sched.DefaultEventLoaders(), sched.NormalizeTimestamps(true))
	if err != nil {
		return nil, nil, status.Errorf(codes.Internal, "failed to reconstruct collection %q: %v", name, err)
	}
	return coll, dc.Topology, nil
}

// Metadata returns the metadata persisted alongside the named collection.
func (s *Store) Metadata(ctx context.Context, name string) (Metadata, error) {
	dc, err := s.read(name)
	if err != nil {
		return Metadata{}, err
	}
	return dc.Metadata, nil
}

// List returns the name and metadata of every collection in the store.
func (s *Store) List(ctx context.Context) (map[string]Metadata, error) {
	files, err := ioutil.ReadDir(s.dir)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to list storage directory %q: %v", s.dir, err)
	}
	ret := map[string]Metadata{}
	for _, file := range files {
		name := nameFromFile(file.Name())
		if name == "" {
			continue
		}
		dc, err := s.read(name)
		if err != nil {
			return nil, err
		}
		ret[name] = dc.Metadata
	}
	return ret, nil
}

// Delete removes the named collection's blob.  It is a no-op if the
// collection does not exist.
func (s *Store) Delete(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path(name)); err != nil && !os.IsNotExist(err) {
		return status.Errorf(codes.Internal, "failed to delete collection %q: %v", name, err)
	}
	return nil
}

// EditTags adds and removes tags from the named collection's metadata,
// rewriting its blob in place.
func (s *Store) EditTags(ctx context.Context, name string, addTags, removeTags []string, description string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dc, err := s.read(name)
	if err != nil {
		return err
	}
	tagSet := map[string]struct{}{}
	for _, tag := range dc.Metadata.Tags {
		tagSet[tag] = struct{}{}
	}
	for _, tag := range removeTags {
		delete(tagSet, tag)
	}
	for _, tag := range addTags {
		tagSet[tag] = struct{}{}
	}
	var newTags []string
	for tag := range tagSet {
		newTags = append(newTags, tag)
	}
	sort.Strings(newTags)
	dc.Metadata.Tags = newTags
	dc.Metadata.Description = description
	return s.write(name, dc)
}
