package main

import (
	"context"
	"fmt"
	"sync"

	poreflow "github.com/next-exp/poreflow_go/pkg"
)

type channelResult struct {
	channel int
	report  string
	err     error
}

type fitJob struct {
	fitter  poreflow.Fitter
	source  poreflow.EventSource
	db      *poreflow.MetadataDB
	filter  poreflow.DataFilter
	metrics *poreflow.Metrics
}

func (j fitJob) worker(ctx context.Context, id int, jobs <-chan int, results chan<- channelResult) {
	for channel := range jobs {
		results <- j.fitChannel(ctx, id, channel)
	}
}

func (j fitJob) fitChannel(ctx context.Context, id int, channel int) (result channelResult) {
	result.channel = channel
	defer func() {
		if r := recover(); r != nil {
			result.err = fmt.Errorf("worker %d recovered from panic on channel %d: %v", id, channel, r)
		}
	}()

	task, err := poreflow.FitEvents(j.source, j.fitter, channel, j.filter, nil)
	if err != nil {
		result.err = err
		return result
	}
	task.SetMetrics(j.metrics)
	last := 0.0
	err = poreflow.Run(ctx, task, func(progress float64) {
		if configuration.Verbosity > 1 && progress-last >= 0.1 {
			logger.Info(fmt.Sprintf("Channel %d: %.0f%%", channel, 100*progress), "fitter")
			last = progress
		}
	})
	if err != nil {
		result.err = fmt.Errorf("error fitting events in channel %d: %w", channel, err)
		return result
	}

	// a rerun replaces what an earlier run wrote for the channel
	if err := j.db.AddChannel(channel, j.source.Samplerate()); err != nil {
		result.err = err
		return result
	}
	if err := j.db.ResetChannel(channel); err != nil {
		result.err = err
		return result
	}
	if err := task.Commit(j.db); err != nil {
		result.err = fmt.Errorf("error writing fits of channel %d: %w", channel, err)
		return result
	}
	result.report = task.Report()
	return result
}

// fitAll spreads the channels over the workers and returns how many failed.
func fitAll(ctx context.Context, fitter poreflow.Fitter, source poreflow.EventSource, db *poreflow.MetadataDB,
	filter poreflow.DataFilter, metrics *poreflow.Metrics, channels []int, workers int) int {
	job := fitJob{fitter: fitter, source: source, db: db, filter: filter, metrics: metrics}
	workers = max(1, min(workers, len(channels)))
	jobs := make(chan int, len(channels))
	results := make(chan channelResult, len(channels))

	var wg sync.WaitGroup
	for id := 0; id < workers; id++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			job.worker(ctx, id, jobs, results)
		}(id)
	}
	for _, channel := range channels {
		jobs <- channel
	}
	close(jobs)
	go func() {
		wg.Wait()
		close(results)
	}()

	failed := 0
	for result := range results {
		if result.err != nil {
			logger.Error(result.err.Error())
			failed++
			continue
		}
		logger.Info(result.report, "fitter")
	}
	return failed
}
