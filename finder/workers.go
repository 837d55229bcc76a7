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

func worker(ctx context.Context, id int, detector *poreflow.Detector, sink poreflow.EventSink, source poreflow.DataSource,
	filter poreflow.DataFilter, jobs <-chan int, results chan<- channelResult) {
	for channel := range jobs {
		results <- findChannel(ctx, id, detector, sink, source, filter, channel)
	}
}

func findChannel(ctx context.Context, id int, detector *poreflow.Detector, sink poreflow.EventSink, source poreflow.DataSource,
	filter poreflow.DataFilter, channel int) (result channelResult) {
	result.channel = channel
	defer func() {
		if r := recover(); r != nil {
			result.err = fmt.Errorf("worker %d recovered from panic on channel %d: %v", id, channel, r)
			detector.Reset(channel)
		}
	}()

	task, err := detector.FindEvents(channel, configuration.Ranges, configuration.ChunkLength, filter)
	if err != nil {
		result.err = err
		return result
	}
	last := 0.0
	err = poreflow.Run(ctx, task, func(progress float64) {
		if configuration.Verbosity > 1 && progress-last >= 0.1 {
			logger.Info(fmt.Sprintf("Channel %d: %.0f%%", channel, 100*progress), "finder")
			last = progress
		}
	})
	if err != nil {
		result.err = fmt.Errorf("error finding events in channel %d: %w", channel, err)
		return result
	}
	if err := sink.CommitEvents(channel, source.Samplerate(), source, detector.Events(channel)); err != nil {
		result.err = fmt.Errorf("error writing events of channel %d: %w", channel, err)
		return result
	}
	result.report = detector.Report(channel)
	return result
}

// findAll spreads the channels over the workers and returns how many failed.
func findAll(ctx context.Context, detector *poreflow.Detector, sink poreflow.EventSink, source poreflow.DataSource,
	filter poreflow.DataFilter, channels []int, workers int) int {
	workers = max(1, min(workers, len(channels)))
	jobs := make(chan int, len(channels))
	results := make(chan channelResult, len(channels))

	var wg sync.WaitGroup
	for id := 0; id < workers; id++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			worker(ctx, id, detector, sink, source, filter, jobs, results)
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
		logger.Info(result.report, "finder")
	}
	return failed
}
