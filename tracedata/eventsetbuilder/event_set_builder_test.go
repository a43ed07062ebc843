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
package eventsetbuilder

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/schedviz/tracedata/trace"
)

// Tests that the Builder creates the expected EventSets.
func TestBuilder(t *testing.T) {
	tests := []struct {
		description  string
		esb          *Builder
		wantErr      bool
		wantEventSet *trace.EventSet
	}{{
		description: "good eventset",
		esb: NewBuilder().
			WithEventDescriptor(
				"event_a",
				Number("num1"),
				Text("txt1"),
				Number("num2"),
				Text("txt2")).
			WithEventDescriptor(
				"event_b",
				Number("num1"),
				Number("num2")).
			WithEvent("event_a", 0, 100, false, 0, "hi", 1, "bye").
			WithEvent("event_a", 0, 200, false, 2, "this", 3, "that").
			WithEvent("event_b", 0, 300, false, 100, 200),
		wantErr: false,
		wantEventSet: &trace.EventSet{
			StringTable: []string{"event_a", "num1", "txt1", "num2", "txt2", "event_b", "hi", "bye", "this", "that"},
			EventDescriptor: []*trace.EventDescriptor{
				{
					Name: 0,
					PropertyDescriptor: []*trace.PropertyDescriptor{
						{Name: 1, Type: trace.NumberProperty},
						{Name: 2, Type: trace.TextProperty},
						{Name: 3, Type: trace.NumberProperty},
						{Name: 4, Type: trace.TextProperty},
					},
				},
				{
					Name: 5,
					PropertyDescriptor: []*trace.PropertyDescriptor{
						{Name: 1, Type: trace.NumberProperty},
						{Name: 3, Type: trace.NumberProperty},
					},
				},
			},
			Event: []*trace.RawEvent{
				{
					EventDescriptor: 0,
					Cpu:             0,
					TimestampNs:     100,
					Property:        []int64{0, 6, 1, 7},
				},
				{
					EventDescriptor: 0,
					Cpu:             0,
					TimestampNs:     200,
					Property:        []int64{2, 8, 3, 9},
				},
				{
					EventDescriptor: 1,
					Cpu:             0,
					TimestampNs:     300,
					Property:        []int64{100, 200},
				},
			},
		},
	}, {
		description: "event with improper argument type",
		esb: NewBuilder().
			WithEventDescriptor(
				"event",
				Number("num1")).
			WithEvent("event", 0, 100, false, "not a number"),
		wantErr: true,
	}, {
		description: "event with improper event type",
		esb: NewBuilder().
			WithEventDescriptor(
				"event",
				Number("num1")).
			WithEvent("not an event", 0, 100, false, 1),
		wantErr: true,
	}, {
		description: "event missing properties",
		esb: NewBuilder().
			WithEventDescriptor(
				"event",
				Number("num1")).
			WithEvent("event", 0, 100, false),
		wantErr: true,
	},
	}
	for _, test := range tests {
		t.Run(test.description, func(t *testing.T) {
			if len(test.esb.errs) == 0 && test.wantErr {
				t.Fatalf("Builder generated no errors, but expected some")
			}
			if len(test.esb.errs) > 0 && !test.wantErr {
				t.Fatalf("Builder generated %d errors (%#v), but expected none", len(test.esb.errs), test.esb.errs)
			}
			if len(test.esb.errs) > 0 || test.wantErr {
				return
			}
			gotEventSet := test.esb.Build(t)
			if diff := cmp.Diff(test.wantEventSet, gotEventSet); diff != "" {
				t.Errorf("Builder.Build() returned diff (want->got):\n%s", diff)
			}
		})
	}
}
