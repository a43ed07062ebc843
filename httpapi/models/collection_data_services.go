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
// Package models contains struct representing the JSON requests/responses.
package models

import "github.com/google/schedviz/topology"

// CollectionParametersResponse is a response for a collection parameters request.
type CollectionParametersResponse struct {
	CollectionName   string   `json:"collectionName"`
	CPUs             []int64  `json:"cpus"`
	StartTimestampNs int64    `json:"startTimestampNs"`
	EndTimestampNs   int64    `json:"endTimestampNs"`
	FtraceEvents     []string `json:"ftraceEvents"`
}

// SystemTopologyResponse is a response to a SystemTopologyRequest.
type SystemTopologyResponse struct {
	CollectionName string                    `json:"collectionName"`
	SystemTopology *topology.SystemTopology `json:"systemTopology"`
}
