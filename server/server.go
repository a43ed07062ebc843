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
// Package main runs a thin HTTP query façade over the scheduler
// reconstruction engine: requests name a persisted collection, the
// Collection Cache reconstructs (or reuses) it, and the Query Engine
// answers.  Ingestion, editing, and browsing of persisted collections are
// out of scope for this surface; see the persist package for the on-disk
// format those concerns would build on.
package main

import (
	"compress/gzip"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"strings"

	log "github.com/golang/glog"
	"github.com/gorilla/mux"

	"github.com/google/schedviz/cache"
	"github.com/google/schedviz/httpapi"
	"github.com/google/schedviz/httpapi/models"
	"github.com/google/schedviz/persist"
)

var (
	port        = flag.Int("port", 7402, "The HTTP port to serve the query API on.")
	storagePath = flag.String("storage_path", "", "The folder where persisted collection blobs are read from.")
	cacheSize   = flag.Int("cache_size", 25, "The maximum number of reconstructed collections to keep in memory at once.")
)

const (
	err500     = "Internal Server Error"
	requestTag = "request"
)

var handle = func(r *mux.Router, path string, handler http.HandlerFunc) {
	r.HandleFunc(path, handler)
}

type apiServiceHTTPHandler struct{ *httpapi.APIService }

func (a *apiServiceHTTPHandler) handleGetCPUIntervals(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	jsonreq := &models.CPUIntervalsRequest{}
	if err := readRequestBodyIntoStruct(req, jsonreq); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	res, err := a.GetCPUIntervals(ctx, jsonreq)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to get cpu intervals: %s", err), http.StatusInternalServerError)
		return
	}
	sendStructHTTPResponse(req, res, w)
}

func (a *apiServiceHTTPHandler) handleGetPIDIntervals(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	jsonreq := &models.PidIntervalsRequest{}
	if err := readRequestBodyIntoStruct(req, jsonreq); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	res, err := a.GetPIDIntervals(ctx, jsonreq)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to get pid intervals: %s", err), http.StatusInternalServerError)
		return
	}
	sendStructHTTPResponse(req, res, w)
}

func (a *apiServiceHTTPHandler) handleGetAntagonists(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	jsonreq := &models.AntagonistsRequest{}
	if err := readRequestBodyIntoStruct(req, jsonreq); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	res, err := a.GetAntagonists(ctx, jsonreq)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to get antagonists: %s", err), http.StatusInternalServerError)
		return
	}
	sendStructHTTPResponse(req, res, w)
}

func (a *apiServiceHTTPHandler) handleGetPerThreadEventSeries(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	jsonreq := &models.PerThreadEventSeriesRequest{}
	if err := readRequestBodyIntoStruct(req, jsonreq); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	res, err := a.GetPerThreadEventSeries(ctx, jsonreq)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to get per thread event series: %s", err), http.StatusInternalServerError)
		return
	}
	sendStructHTTPResponse(req, res, w)
}

func (a *apiServiceHTTPHandler) handleGetThreadSummaries(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	jsonreq := &models.ThreadSummariesRequest{}
	if err := readRequestBodyIntoStruct(req, jsonreq); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	res, err := a.GetThreadSummaries(ctx, jsonreq)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to get thread summaries: %s", err), http.StatusInternalServerError)
		return
	}
	sendStructHTTPResponse(req, res, w)
}

func (a *apiServiceHTTPHandler) handleGetUtilizationMetrics(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	jsonreq := &models.UtilizationMetricsRequest{}
	if err := readRequestBodyIntoStruct(req, jsonreq); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	res, err := a.GetUtilizationMetrics(ctx, jsonreq)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to get utilization metrics: %s", err), http.StatusInternalServerError)
		return
	}
	sendStructHTTPResponse(req, res, w)
}

func (a *apiServiceHTTPHandler) handleGetThreadStats(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	jsonreq := &models.ThreadStatsRequest{}
	if err := readRequestBodyIntoStruct(req, jsonreq); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	res, err := a.GetThreadStats(ctx, jsonreq)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to get thread stats: %s", err), http.StatusInternalServerError)
		return
	}
	sendStructHTTPResponse(req, res, w)
}

func (a *apiServiceHTTPHandler) handleGetCollectionParameters(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	if err := req.ParseForm(); err != nil {
		http.Error(w, err500, http.StatusInternalServerError)
		return
	}
	cn := req.Form.Get(requestTag)
	res, err := a.GetCollectionParameters(ctx, cn)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to get collection parameters: %s", err), http.StatusInternalServerError)
		return
	}
	sendStructHTTPResponse(req, res, w)
}

func (a *apiServiceHTTPHandler) handleGetSystemTopology(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	if err := req.ParseForm(); err != nil {
		http.Error(w, err500, http.StatusInternalServerError)
		return
	}
	cn := req.Form.Get(requestTag)
	res, err := a.GetSystemTopology(ctx, cn)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to get system topology: %s", err), http.StatusInternalServerError)
		return
	}
	sendStructHTTPResponse(req, res, w)
}

func registerAPIService(r *mux.Router, a *httpapi.APIService) {
	ah := &apiServiceHTTPHandler{a}
	handle(r, "/get_cpu_intervals", ah.handleGetCPUIntervals)
	handle(r, "/get_pid_intervals", ah.handleGetPIDIntervals)
	handle(r, "/get_antagonists", ah.handleGetAntagonists)
	handle(r, "/get_per_thread_event_series", ah.handleGetPerThreadEventSeries)
	handle(r, "/get_thread_summaries", ah.handleGetThreadSummaries)
	handle(r, "/get_utilization_metrics", ah.handleGetUtilizationMetrics)
	handle(r, "/get_thread_stats", ah.handleGetThreadStats)
	handle(r, "/get_collection_parameters", ah.handleGetCollectionParameters)
	handle(r, "/get_system_topology", ah.handleGetSystemTopology)
}

var startServer = func(r *mux.Router) {
	http.Handle("/", r)
	if err := http.ListenAndServe(fmt.Sprintf(":%d", *port), nil); err != nil {
		log.Fatal(err)
	}
}

func runServer() {
	store, err := persist.NewStore(*storagePath)
	if err != nil {
		log.Exit(err)
	}
	c, err := cache.NewCache(*cacheSize)
	if err != nil {
		log.Exit(err)
	}

	apiService := &httpapi.APIService{Cache: c, Loader: store}

	r := mux.NewRouter()
	registerAPIService(r, apiService)
	startServer(r)
}

func main() {
	flag.Parse()
	runServer()
}

// gzipEnabledWriter returns a gzip writer that wraps the http.ResponseWriter if the client supports
// reading gzip; if it does not, the http.ResponseWriter is returned unchanged.
// The function also returns a closing function. For gzip, this will be a real function that must be
// called before sending the request, for http.ResponseWriter, it will be a no-op.
func gzipEnabledWriter(req *http.Request, w http.ResponseWriter) (io.Writer, func() error) {
	if strings.Contains(req.Header.Get("Accept-Encoding"), "gzip") {
		w.Header().Set("Content-Encoding", "gzip")
		// If content-length was set before compression, it'll be wrong.
		w.Header().Del("Content-Length")
		gzw := gzip.NewWriter(w)
		return gzw, gzw.Close
	}
	return w, func() error { return nil }
}

func sendStructHTTPResponse(req *http.Request, res interface{}, w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	writer, closer := gzipEnabledWriter(req, w)
	defer func() { _ = closer() }()
	if err := json.NewEncoder(writer).Encode(res); err != nil {
		http.Error(w, err500, http.StatusInternalServerError)
	}
}

func checkRequestContentType(req *http.Request, contentType string) error {
	gotContentType := req.Header.Get("Content-Type")
	if gotContentType != contentType {
		return fmt.Errorf("unexpected content type. want: %s, got: %s", contentType, gotContentType)
	}
	return nil
}

func readRequestBodyIntoStruct(req *http.Request, s interface{}) error {
	if err := checkRequestContentType(req, "application/json"); err != nil {
		return err
	}
	body, err := ioutil.ReadAll(req.Body)
	if err != nil {
		return fmt.Errorf("error reading body: %s", err)
	}
	if err := req.Body.Close(); err != nil {
		return fmt.Errorf("error closing response body: %s", err)
	}
	if err := json.Unmarshal(body, s); err != nil {
		return fmt.Errorf("failed to unmarshal response JSON: %s", err)
	}
	return nil
}
