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
// Package httpapi contains wrappers around the analysis library that decode
// JSON requests, invoke sched.Collection queries, and encode the results
// back into the wire models this package defines.
package httpapi

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/sync/errgroup"

	"github.com/google/schedviz/analysis/sched"
	"github.com/google/schedviz/cache"
	"github.com/google/schedviz/httpapi/models"
	"github.com/google/schedviz/topology"
	"github.com/google/schedviz/tracedata/trace"
)

// CollectionLoader builds the Collection and SystemTopology backing a
// persisted collection name.  It is invoked at most once per name by the
// Cache, on a cache miss.
type CollectionLoader interface {
	Load(ctx context.Context, name string) (*sched.Collection, *topology.SystemTopology, error)
}

// APIService contains wrappers around the analysis library.
type APIService struct {
	Cache  *cache.Cache
	Loader CollectionLoader
}

func (as *APIService) getCollection(ctx context.Context, name string) (*cache.CachedCollection, error) {
	return as.Cache.Get(ctx, name, func(ctx context.Context) (*sched.Collection, *topology.SystemTopology, error) {
		return as.Loader.Load(ctx, name)
	})
}

func threadStateToModel(state sched.ThreadState) models.ThreadState {
	switch state {
	case sched.RunningState:
		return models.ThreadStateRunningState
	case sched.WaitingState:
		return models.ThreadStateWaitingState
	case sched.SleepingState:
		return models.ThreadStateSleepingState
	default:
		return models.ThreadStateUnknownState
	}
}

func toModelThreadResidency(tr *sched.ThreadResidency) models.ThreadResidency {
	mtr := models.ThreadResidency{
		State:      threadStateToModel(tr.State),
		DurationNs: int64(tr.Duration),
	}
	if tr.Thread != nil {
		mtr.Pid = int64(tr.Thread.PID)
		mtr.Command = tr.Thread.Command
		mtr.Priority = int64(tr.Thread.Priority)
	}
	return mtr
}

func toModelCPUInterval(iv *sched.Interval) models.CPUInterval {
	residencies := make([]models.ThreadResidency, 0, len(iv.ThreadResidencies))
	for _, tr := range iv.ThreadResidencies {
		residencies = append(residencies, toModelThreadResidency(tr))
	}
	return models.CPUInterval{
		CPU:                 int64(iv.CPU),
		ThreadResidencies:   residencies,
		StartTimestampNs:    int64(iv.StartTimestamp),
		EndTimestampNs:      int64(iv.StartTimestamp) + int64(iv.Duration),
		MergedIntervalCount: int64(iv.MergedIntervalCount),
	}
}

func toModelCPUIntervals(ivs []*sched.Interval) []models.CPUInterval {
	out := make([]models.CPUInterval, 0, len(ivs))
	for _, iv := range ivs {
		out = append(out, toModelCPUInterval(iv))
	}
	return out
}

// toModelPIDInterval converts a single-PID sched.Interval, as returned by
// ThreadIntervals, into a models.PIDInterval.  If the interval is the
// product of merging several intervals with different states, its state is
// reported as unknown per PIDInterval's documented semantics.
func toModelPIDInterval(iv *sched.Interval) models.PIDInterval {
	pi := models.PIDInterval{
		CPU:                 int64(iv.CPU),
		StartTimestampNs:    int64(iv.StartTimestamp),
		EndTimestampNs:      int64(iv.StartTimestamp) + int64(iv.Duration),
		MergedIntervalCount: int64(iv.MergedIntervalCount),
		State:               models.ThreadStateUnknownState,
	}
	if len(iv.ThreadResidencies) == 0 {
		return pi
	}
	tr := iv.ThreadResidencies[0]
	if tr.Thread != nil {
		pi.Pid = int64(tr.Thread.PID)
		pi.Command = tr.Thread.Command
		pi.Priority = int64(tr.Thread.Priority)
	}
	if len(iv.ThreadResidencies) == 1 {
		pi.State = threadStateToModel(tr.State)
	}
	return pi
}

func toModelMetrics(m *sched.Metrics) models.Metrics {
	pids := make([]int64, 0, len(m.Pids))
	for _, pid := range m.Pids {
		pids = append(pids, int64(pid))
	}
	priorities := make([]int64, 0, len(m.Priorities))
	for _, p := range m.Priorities {
		priorities = append(priorities, int64(p))
	}
	cpus := make([]int64, 0, len(m.Cpus))
	for _, c := range m.Cpus {
		cpus = append(cpus, int64(c))
	}
	return models.Metrics{
		MigrationCount:   int64(m.MigrationCount),
		WakeupCount:      int64(m.WakeupCount),
		UnknownTimeNs:    int64(m.UnknownTimeNs),
		RunTimeNs:        int64(m.RunTimeNs),
		WaitTimeNs:       int64(m.WaitTimeNs),
		SleepTimeNs:      int64(m.SleepTimeNs),
		Pids:             pids,
		Commands:         m.Commands,
		Priorities:       priorities,
		Cpus:             cpus,
		StartTimestampNs: int64(m.StartTimestampNs),
		EndTimestampNs:   int64(m.EndTimestampNs),
	}
}

// GetCPUIntervals returns CPU intervals for the specified collection.
func (as *APIService) GetCPUIntervals(ctx context.Context, req *models.CPUIntervalsRequest) (models.CPUIntervalsResponse, error) {
	if len(req.CollectionName) == 0 {
		return models.CPUIntervalsResponse{}, missingFieldError("collection_name")
	}
	c, err := as.getCollection(ctx, req.CollectionName)
	if err != nil {
		return models.CPUIntervalsResponse{}, err
	}

	res := models.CPUIntervalsResponse{
		CollectionName: req.CollectionName,
		Intervals:      []models.CPUIntervals{},
	}

	for _, cpu := range c.Collection.ExpandCPUs(req.CPUs) {
		filters := []sched.Filter{
			sched.TimeRange(trace.Timestamp(req.StartTimestampNs), trace.Timestamp(req.EndTimestampNs)),
			sched.MinIntervalDuration(sched.Duration(req.MinIntervalDurationNs)),
			sched.CPUs(sched.CPUID(cpu)),
		}
		cpuIntervals, err := c.Collection.CPUIntervals(false /*=splitOnWaitingPIDChange*/, filters...)
		if err != nil {
			return models.CPUIntervalsResponse{}, err
		}

		waitingIntervals, err := c.Collection.CPUIntervals(true /*=splitOnWaitingPIDChange*/, filters...)
		if err != nil {
			return models.CPUIntervalsResponse{}, err
		}

		res.Intervals = append(res.Intervals, models.CPUIntervals{
			CPU:     cpu,
			Running: toModelCPUIntervals(cpuIntervals),
			Waiting: toModelCPUIntervals(waitingIntervals),
		})
	}

	return res, nil
}

// GetPIDIntervals returns PID intervals for the specified collection and PIDs.
func (as *APIService) GetPIDIntervals(ctx context.Context, req *models.PidIntervalsRequest) (models.PIDntervalsResponse, error) {
	if len(req.CollectionName) == 0 {
		return models.PIDntervalsResponse{}, missingFieldError("collection_name")
	}
	c, err := as.getCollection(ctx, req.CollectionName)
	if err != nil {
		return models.PIDntervalsResponse{}, err
	}

	res := models.PIDntervalsResponse{
		CollectionName: req.CollectionName,
		PIDIntervals:   []models.PIDIntervals{},
	}

	var g errgroup.Group
	var m sync.Mutex
	for _, pid := range req.Pids {
		pid := pid
		g.Go(func() error {
			intervals, err := c.Collection.ThreadIntervals(
				sched.PIDs(sched.PID(pid)),
				sched.TimeRange(trace.Timestamp(req.StartTimestampNs), trace.Timestamp(req.EndTimestampNs)),
				sched.MinIntervalDuration(sched.Duration(req.MinIntervalDurationNs)))
			if err != nil {
				return fmt.Errorf("error occurred getting intervals for PID: %d, %v", pid, err)
			}
			pidIntervals := make([]models.PIDInterval, 0, len(intervals))
			for _, iv := range intervals {
				pidIntervals = append(pidIntervals, toModelPIDInterval(iv))
			}
			m.Lock()
			defer m.Unlock()
			res.PIDIntervals = append(res.PIDIntervals, models.PIDIntervals{
				PID:       pid,
				Intervals: pidIntervals,
			})
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return models.PIDntervalsResponse{}, err
	}

	return res, nil
}

// GetAntagonists returns a set of antagonist information for a specified collection, from a
// specified set of threads and over a specified interval.
func (as *APIService) GetAntagonists(ctx context.Context, req *models.AntagonistsRequest) (models.AntagonistsResponse, error) {
	if len(req.CollectionName) == 0 {
		return models.AntagonistsResponse{}, missingFieldError("collection_name")
	}
	c, err := as.getCollection(ctx, req.CollectionName)
	if err != nil {
		return models.AntagonistsResponse{}, err
	}

	res := models.AntagonistsResponse{
		CollectionName: req.CollectionName,
	}
	for _, pid := range req.Pids {
		ants, err := c.Collection.Antagonists(
			sched.PIDs(sched.PID(pid)),
			sched.StartTimestamp(trace.Timestamp(req.StartTimestampNs)),
			sched.EndTimestamp(trace.Timestamp(req.EndTimestampNs)))
		if err != nil {
			return models.AntagonistsResponse{}, fmt.Errorf("error fetching antagonists for pid: %d. caused by: %s", pid, err)
		}
		res.Antagonists = append(res.Antagonists, ants)
	}

	return res, nil
}

// GetPerThreadEventSeries returns all events in a specified collection occurring on a specified PID
// in a specified interval, in increasing temporal order.
func (as *APIService) GetPerThreadEventSeries(ctx context.Context, req *models.PerThreadEventSeriesRequest) (models.PerThreadEventSeriesResponse, error) {
	if len(req.CollectionName) == 0 {
		return models.PerThreadEventSeriesResponse{}, missingFieldError("collection_name")
	}
	c, err := as.getCollection(ctx, req.CollectionName)
	if err != nil {
		return models.PerThreadEventSeriesResponse{}, err
	}

	var g errgroup.Group
	ess := []models.PerThreadEventSeries{}
	m := sync.Mutex{}
	for _, pid := range req.Pids {
		pid := pid
		g.Go(func() error {
			events, err := c.Collection.PerThreadEventSeries(
				sched.PID(pid),
				time.Duration(req.StartTimestampNs),
				time.Duration(req.EndTimestampNs))
			if err != nil {
				return fmt.Errorf("error occurred getting thread events for PID: %d, %v", pid, err)
			}
			m.Lock()
			defer m.Unlock()
			ess = append(ess, models.PerThreadEventSeries{
				Pid:    pid,
				Events: events,
			})
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return models.PerThreadEventSeriesResponse{}, err
	}

	return models.PerThreadEventSeriesResponse{
		CollectionName: req.CollectionName,
		EventSeries:    ess,
	}, nil
}

// GetThreadSummaries returns a set of thread summaries for a specified collection over a specified
// interval.
func (as *APIService) GetThreadSummaries(ctx context.Context, req *models.ThreadSummariesRequest) (models.ThreadSummariesResponse, error) {
	if len(req.CollectionName) == 0 {
		return models.ThreadSummariesResponse{}, missingFieldError("collection_name")
	}

	c, err := as.getCollection(ctx, req.CollectionName)
	if err != nil {
		return models.ThreadSummariesResponse{}, err
	}

	cpus := make([]sched.CPUID, 0, len(req.Cpus))
	for _, cpu := range req.Cpus {
		cpus = append(cpus, sched.CPUID(cpu))
	}
	threadSummaries, err := c.Collection.ThreadSummaries(
		sched.CPUs(cpus...),
		sched.TimeRange(trace.Timestamp(req.StartTimestampNs), trace.Timestamp(req.EndTimestampNs)))
	if err != nil {
		return models.ThreadSummariesResponse{}, err
	}

	metrics := make([]models.Metrics, 0, len(threadSummaries))
	for _, ts := range threadSummaries {
		metrics = append(metrics, toModelMetrics(ts))
	}

	return models.ThreadSummariesResponse{
		CollectionName: req.CollectionName,
		Metrics:        metrics,
	}, nil
}

// GetUtilizationMetrics returns a set of metrics describing the utilization or over-utilization of
// some portion of the system over some span of the trace.
// These metrics are described in the sched.Utilization struct.
func (as *APIService) GetUtilizationMetrics(ctx context.Context, req *models.UtilizationMetricsRequest) (models.UtilizationMetricsResponse, error) {
	if len(req.CollectionName) == 0 {
		return models.UtilizationMetricsResponse{}, missingFieldError("collection_name")
	}

	c, err := as.getCollection(ctx, req.CollectionName)
	if err != nil {
		return models.UtilizationMetricsResponse{}, err
	}

	cpus := make([]sched.CPUID, 0, len(req.Cpus))
	for _, cpu := range req.Cpus {
		cpus = append(cpus, sched.CPUID(cpu))
	}
	um, err := c.Collection.UtilizationMetrics(
		sched.CPUs(cpus...),
		sched.TimeRange(trace.Timestamp(req.StartTimestampNs), trace.Timestamp(req.EndTimestampNs)))
	if err != nil {
		return models.UtilizationMetricsResponse{}, err
	}

	return models.UtilizationMetricsResponse{
		Request: *req,
		UtilizationMetrics: models.UtilizationMetrics{
			WallTime:               int64(um.WallTime),
			PerCPUTime:             int64(um.PerCPUTime),
			PerThreadTime:          int64(um.PerThreadTime),
			CPUUtilizationFraction: um.UtilizationFraction,
		},
	}, nil
}

// GetThreadStats returns aggregate wait/run/sleep time and wakeup/migration counts across the
// requested PIDs, CPUs, and timespan of a specified collection.
func (as *APIService) GetThreadStats(ctx context.Context, req *models.ThreadStatsRequest) (models.ThreadStatsResponse, error) {
	if len(req.CollectionName) == 0 {
		return models.ThreadStatsResponse{}, missingFieldError("collection_name")
	}

	c, err := as.getCollection(ctx, req.CollectionName)
	if err != nil {
		return models.ThreadStatsResponse{}, err
	}

	pids := make([]sched.PID, 0, len(req.Pids))
	for _, pid := range req.Pids {
		pids = append(pids, sched.PID(pid))
	}
	cpus := make([]sched.CPUID, 0, len(req.Cpus))
	for _, cpu := range req.Cpus {
		cpus = append(cpus, sched.CPUID(cpu))
	}
	stats, err := c.Collection.ThreadStats(
		sched.PIDs(pids...),
		sched.CPUs(cpus...),
		sched.TimeRange(trace.Timestamp(req.StartTimestampNs), trace.Timestamp(req.EndTimestampNs)))
	if err != nil {
		return models.ThreadStatsResponse{}, err
	}

	return models.ThreadStatsResponse{
		CollectionName: req.CollectionName,
		ThreadStats: models.ThreadStats{
			WaitTimeNs:           int64(stats.WaitTime),
			PostWakeupWaitTimeNs: int64(stats.PostWakeupWaitTime),
			RunTimeNs:            int64(stats.RunTime),
			SleepTimeNs:          int64(stats.SleepTime),
			Wakeups:              stats.Wakeups,
			Migrations:           stats.Migrations,
		},
	}, nil
}

// GetCollectionParameters returns the CPU set, time range, and observed ftrace event names of a
// specified collection.
func (as *APIService) GetCollectionParameters(ctx context.Context, collectionName string) (models.CollectionParametersResponse, error) {
	if len(collectionName) == 0 {
		return models.CollectionParametersResponse{}, missingFieldError("collection_name")
	}

	c, err := as.getCollection(ctx, collectionName)
	if err != nil {
		return models.CollectionParametersResponse{}, err
	}

	startTimestamp, endTimestamp := c.Collection.Interval()
	return models.CollectionParametersResponse{
		CollectionName:   collectionName,
		CPUs:             c.Collection.ExpandCPUs(nil),
		StartTimestampNs: int64(startTimestamp),
		EndTimestampNs:   int64(endTimestamp),
		FtraceEvents:     c.Collection.TraceCollection.EventNames(),
	}, nil
}

// GetSystemTopology returns the system topology of the machine that the collection was recorded on.
func (as *APIService) GetSystemTopology(ctx context.Context, collectionName string) (models.SystemTopologyResponse, error) {
	if len(collectionName) == 0 {
		return models.SystemTopologyResponse{}, missingFieldError("collection_name")
	}

	c, err := as.getCollection(ctx, collectionName)
	if err != nil {
		return models.SystemTopologyResponse{}, err
	}

	return models.SystemTopologyResponse{
		CollectionName: collectionName,
		SystemTopology: c.SystemTopology,
	}, nil
}

func missingFieldError(fieldName string) error {
	return fmt.Errorf("missing required field %q", fieldName)
}
