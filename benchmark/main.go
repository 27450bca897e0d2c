// Package main provides a benchmark tool for signalq to measure dispatch throughput.
// It pushes a large number of alerts through the scheduler into a paper broker and
// measures completion time.
//
// Usage:
//
//	go run benchmark/main.go -events 100000
package main

import (
	"context"
	"flag"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/guido-cesarano/signalq/pkg/broker/paper"
	"github.com/guido-cesarano/signalq/pkg/debounce"
	"github.com/guido-cesarano/signalq/pkg/dispatch"
	"github.com/guido-cesarano/signalq/pkg/logger"
	"github.com/guido-cesarano/signalq/pkg/queue"
	"github.com/guido-cesarano/signalq/pkg/signals"
)

var roots = []string{"MNQ", "MES", "ES", "NQ", "RTY", "YM", "CL", "GC"}

var levels = []signals.Field{
	{Name: "Entry", Value: "100"},
	{Name: "Stop", Value: "95"},
	{Name: "Target 1", Value: "105"},
	{Name: "Target 2", Value: "110"},
}

// titleFor cycles through opens, partial exits, stop-outs and session closes.
func titleFor(i int) string {
	root := roots[i%len(roots)]
	switch i % 6 {
	case 0:
		return fmt.Sprintf("[%s1!] Open long position", root)
	case 1:
		return fmt.Sprintf("[%s1!] Open short position", root)
	case 2:
		return fmt.Sprintf("[%s1!] TP1 hit long", root)
	case 3:
		return fmt.Sprintf("[%s1!] stop out short", root)
	case 4:
		return fmt.Sprintf("[%s1!] trim position", root)
	}
	return fmt.Sprintf("[%s1!] session close", root)
}

func main() {
	numEvents := flag.Int("events", 100000, "Number of alerts to submit")
	numSubmitters := flag.Int("submitters", 10, "Number of concurrent submitters")
	workers := flag.Int("workers", 10, "Scheduler worker goroutines")
	maxConcurrent := flag.Int("concurrency", 10, "Maximum simultaneous dispatches")
	latency := flag.Duration("latency", 0, "Simulated broker latency per call")
	flag.Parse()

	logger.SetLevel("warn")

	cfg := queue.DefaultConfig()
	cfg.MaxConcurrent = *maxConcurrent
	cfg.MaxQueueSize = *numEvents
	sched := queue.NewScheduler(cfg)

	d := dispatch.New(
		paper.New(paper.WithLatency(*latency)),
		debounce.NewMemory(0),
		dispatch.Config{PositionSize: 2, MaxPositionSize: 1 << 30},
		dispatch.WithScheduler(sched),
	)

	fmt.Printf("signalq Benchmark\n")
	fmt.Printf("=================\n")
	fmt.Printf("Alerts to submit: %d\n", *numEvents)
	fmt.Printf("Concurrent submitters: %d\n\n", *numSubmitters)

	// Submit phase (workers not started yet, so this measures queueing only)
	fmt.Printf("Starting submit phase...\n")
	startSubmit := time.Now()

	var wg sync.WaitGroup
	var submitted, rejected atomic.Int64
	perSubmitter := *numEvents / *numSubmitters
	ctx := context.Background()

	for i := 0; i < *numSubmitters; i++ {
		wg.Add(1)
		go func(submitterID int) {
			defer wg.Done()
			for j := 0; j < perSubmitter; j++ {
				n := submitterID*perSubmitter + j
				ack := d.HandleEvent(ctx, titleFor(n), "", levels)
				if !ack.Accepted {
					rejected.Add(1)
					continue
				}
				submitted.Add(1)
			}
		}(i)
	}

	wg.Wait()
	submitTime := time.Since(startSubmit)

	fmt.Printf("✓ Submitted %d alerts in %s (%d rejected)\n", submitted.Load(), submitTime, rejected.Load())
	fmt.Printf("  Throughput: %.2f alerts/sec\n\n", float64(submitted.Load())/submitTime.Seconds())

	// Processing phase
	fmt.Printf("Waiting for all alerts to be processed...\n")
	startProcess := time.Now()
	sched.Start(*workers)

	for {
		st := sched.Stats()
		if st.QueueSize == 0 && st.ActiveTasks == 0 {
			break
		}
		time.Sleep(2 * time.Second)
		fmt.Printf("  Remaining: %d queued, %d active\n", st.QueueSize, st.ActiveTasks)
	}

	processTime := time.Since(startProcess)
	if err := sched.Stop(30 * time.Second); err != nil {
		fmt.Printf("Drain incomplete: %v\n", err)
	}
	st := sched.Stats()

	fmt.Printf("\n✓ All alerts processed in %s\n", processTime)
	fmt.Printf("  Tasks (incl. reconciliation): %d submitted, %d completed, %d failed\n", st.Submitted, st.Completed, st.Failed)
	fmt.Printf("  Throughput: %.2f tasks/sec\n", float64(st.Completed+st.Failed)/processTime.Seconds())

	totalTime := submitTime + processTime
	fmt.Printf("\nTotal time: %s\n", totalTime)
	fmt.Printf("Overall throughput: %.2f alerts/sec\n", float64(submitted.Load())/totalTime.Seconds())
}
