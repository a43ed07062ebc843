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
// Package eventsetbuilder provides utilities for programmatically assembling
// tracepoint collections as trace.EventSets.
package eventsetbuilder

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/google/schedviz/tracedata/trace"
)

// PropertyDescriptor describes a single property in an event descriptor.
type PropertyDescriptor struct {
	name string
	t    trace.PropertyType
}

// Number returns a number-type PropertyDescriptor with the provided name.
func Number(name string) PropertyDescriptor {
	return PropertyDescriptor{
		name: name,
		t:    trace.NumberProperty,
	}
}

// Text returns a text-type PropertyDescriptor with the provided name.
func Text(name string) PropertyDescriptor {
	return PropertyDescriptor{
		name: name,
		t:    trace.TextProperty,
	}
}

// eventFormat tracks the descriptor index and field layout registered for a
// single event name, so that WithEvent can validate and encode events
// against it.
type eventFormat struct {
	descriptorIndex int64
	fields          []PropertyDescriptor
}

// Builder allows successive programmatic assembly of new trace.EventSets.
// Construct event sets by creating a Builder (NewBuilder), then adding event
// descriptors (WithEventDescriptor) and events (WithEvent) to it.  Then, in
// test, call Build() on the builder, passing it the test object, to get
// its EventSet.
type Builder struct {
	stringTable     []string
	stringIndex     map[string]int64
	eventDescriptor []*trace.EventDescriptor
	eventFormats    map[string]*eventFormat
	events          []*trace.RawEvent
	errs            []error
}

// NewBuilder constructs and returns a new, empty Builder.
func NewBuilder() *Builder {
	return &Builder{
		stringIndex:  make(map[string]int64),
		eventFormats: make(map[string]*eventFormat),
	}
}

// intern returns the StringTable index for s, adding it to the table if it is
// not already present.
func (b *Builder) intern(s string) int64 {
	if id, ok := b.stringIndex[s]; ok {
		return id
	}
	id := int64(len(b.stringTable))
	b.stringTable = append(b.stringTable, s)
	b.stringIndex[s] = id
	return id
}

// Clone returns a cloned copy of the receiver.
func (b *Builder) Clone() (*Builder, error) {
	if b == nil {
		return nil, errors.New("nil Builder")
	}
	newB := &Builder{
		stringTable:  append([]string{}, b.stringTable...),
		stringIndex:  make(map[string]int64, len(b.stringIndex)),
		eventFormats: make(map[string]*eventFormat, len(b.eventFormats)),
		errs:         append([]error{}, b.errs...),
	}
	for k, v := range b.stringIndex {
		newB.stringIndex[k] = v
	}
	for _, ed := range b.eventDescriptor {
		pds := append([]*trace.PropertyDescriptor{}, ed.PropertyDescriptor...)
		newB.eventDescriptor = append(newB.eventDescriptor, &trace.EventDescriptor{
			Name:               ed.Name,
			PropertyDescriptor: pds,
		})
	}
	for k, v := range b.eventFormats {
		fields := append([]PropertyDescriptor{}, v.fields...)
		newB.eventFormats[k] = &eventFormat{descriptorIndex: v.descriptorIndex, fields: fields}
	}
	for _, ev := range b.events {
		props := append([]int64{}, ev.Property...)
		newB.events = append(newB.events, &trace.RawEvent{
			EventDescriptor: ev.EventDescriptor,
			Cpu:             ev.Cpu,
			TimestampNs:     ev.TimestampNs,
			Clipped:         ev.Clipped,
			Property:        props,
		})
	}
	return newB, nil
}

// TestClone returns a cloned copy of the receiver, failing on the provided
// testing.T if an error is encountered.
func (b Builder) TestClone(t *testing.T) *Builder {
	t.Helper()
	newB, err := b.Clone()
	if err != nil {
		t.Fatalf("Failed to clone Builder: %s", err)
	}
	return newB
}

// WithEventDescriptor adds the provided event descriptor (a name and a series
// of PropertyDescriptors) to the receiving Builder, returning that
// Builder to facilitate chaining.
func (b *Builder) WithEventDescriptor(name string, propertyDescriptors ...PropertyDescriptor) *Builder {
	nameID := b.intern(name)
	pds := make([]*trace.PropertyDescriptor, len(propertyDescriptors))
	for i, prop := range propertyDescriptors {
		pds[i] = &trace.PropertyDescriptor{
			Name: b.intern(prop.name),
			Type: prop.t,
		}
	}
	index := int64(len(b.eventDescriptor))
	b.eventDescriptor = append(b.eventDescriptor, &trace.EventDescriptor{
		Name:               nameID,
		PropertyDescriptor: pds,
	})
	b.eventFormats[name] = &eventFormat{
		descriptorIndex: index,
		fields:          propertyDescriptors,
	}
	return b
}

// WithEvent adds the provided event to the receiving Builder,
// returning that Builder to facilitate chaining.
func (b *Builder) WithEvent(eventName string, cpu int64, timestampNs int64, clipped bool, props ...interface{}) *Builder {
	ef := b.eventFormats[eventName]
	if ef == nil {
		b.errs = append(b.errs, fmt.Errorf("expected event descriptor for %s to be stored", eventName))
		return b
	}
	if len(props) != len(ef.fields) {
		b.errs = append(b.errs, fmt.Errorf("expected %d properties, but only got %d", len(ef.fields), len(props)))
		return b
	}
	propValues := make([]int64, len(props))
	for i, prop := range props {
		field := ef.fields[i]
		switch v := prop.(type) {
		case int:
			if field.t != trace.NumberProperty {
				b.errs = append(b.errs, fmt.Errorf("expected integer argument for property %d", i))
				return b
			}
			propValues[i] = int64(v)
		case string:
			if field.t != trace.TextProperty {
				b.errs = append(b.errs, fmt.Errorf("expected string argument for property %d", i))
				return b
			}
			propValues[i] = b.intern(v)
		default:
			b.errs = append(b.errs, fmt.Errorf("unknown type for property %d", i))
			return b
		}
	}
	b.events = append(b.events, &trace.RawEvent{
		EventDescriptor: ef.descriptorIndex,
		Cpu:             cpu,
		TimestampNs:     timestampNs,
		Clipped:         clipped,
		Property:        propValues,
	})
	return b
}

// Build returns the EventSet built by the Builder.  If the builder is in
// error, it fails on the provided testing.T.
func (b *Builder) Build(t *testing.T) *trace.EventSet {
	t.Helper()
	if len(b.errs) > 0 {
		var errStrs []string
		for _, err := range b.errs {
			errStrs = append(errStrs, err.Error())
		}
		t.Fatalf("Failed to construct EventSet: %s", strings.Join(errStrs, ", "))
	}
	return &trace.EventSet{
		Event:           b.events,
		EventDescriptor: b.eventDescriptor,
		StringTable:     b.stringTable,
	}
}
