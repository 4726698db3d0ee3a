package main

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/brokerstore/kvengine/internal/storage"
)

// benchStats accumulates latency samples from concurrent workers the same
// way the teacher's HTTP load generator did, just against an in-process
// engine instead of a round-tripped server.
type benchStats struct {
	operations     int64
	totalLatencyNs int64
	minLatencyNs   int64
	maxLatencyNs   int64
	errorCount     int64
	startTime      time.Time

	latenciesMutex sync.Mutex
	latencies      []time.Duration
}

func newBenchStats() *benchStats {
	return &benchStats{
		minLatencyNs: int64(^uint64(0) >> 1),
		startTime:    time.Now(),
		latencies:    make([]time.Duration, 0, 1000),
	}
}

func (s *benchStats) record(d time.Duration) {
	atomic.AddInt64(&s.operations, 1)
	atomic.AddInt64(&s.totalLatencyNs, int64(d))

	for {
		min := atomic.LoadInt64(&s.minLatencyNs)
		if int64(d) >= min || atomic.CompareAndSwapInt64(&s.minLatencyNs, min, int64(d)) {
			break
		}
	}
	for {
		max := atomic.LoadInt64(&s.maxLatencyNs)
		if int64(d) <= max || atomic.CompareAndSwapInt64(&s.maxLatencyNs, max, int64(d)) {
			break
		}
	}

	s.latenciesMutex.Lock()
	s.latencies = append(s.latencies, d)
	s.latenciesMutex.Unlock()
}

func (s *benchStats) recordError() {
	atomic.AddInt64(&s.errorCount, 1)
}

func (s *benchStats) percentile(p float64) time.Duration {
	s.latenciesMutex.Lock()
	defer s.latenciesMutex.Unlock()
	if len(s.latencies) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), s.latencies...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(float64(len(sorted)) * p)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func (s *benchStats) print(operation string) {
	ops := atomic.LoadInt64(&s.operations)
	if ops == 0 {
		fmt.Printf("%s: no operations performed\n", operation)
		return
	}

	duration := time.Since(s.startTime)
	throughput := float64(ops) / duration.Seconds()
	avg := time.Duration(atomic.LoadInt64(&s.totalLatencyNs) / ops)

	fmt.Printf("\n%s statistics:\n", operation)
	fmt.Printf("  operations:  %d\n", ops)
	fmt.Printf("  runtime:     %v\n", duration.Round(time.Millisecond))
	fmt.Printf("  throughput:  %.2f ops/sec\n", throughput)
	fmt.Printf("  avg latency: %v\n", avg)
	fmt.Printf("  min latency: %v\n", time.Duration(atomic.LoadInt64(&s.minLatencyNs)))
	fmt.Printf("  max latency: %v\n", time.Duration(atomic.LoadInt64(&s.maxLatencyNs)))
	fmt.Printf("  p95 latency: %v\n", s.percentile(0.95))
	fmt.Printf("  p99 latency: %v\n", s.percentile(0.99))
	fmt.Printf("  errors:      %d\n", atomic.LoadInt64(&s.errorCount))
}

func newBenchCmd() *cobra.Command {
	var (
		numInserts int
		numQueries int
		numThreads int
		valueSize  int
	)

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "run an insert-then-query load against the engine in-process",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(ctx context.Context, e *storage.Engine) error {
				runBench(ctx, e, numInserts, numQueries, numThreads, valueSize)
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&numInserts, "inserts", 1_000_000, "number of inserts to perform")
	cmd.Flags().IntVar(&numQueries, "queries", 1000, "number of queries to perform")
	cmd.Flags().IntVar(&numThreads, "threads", 4, "number of worker goroutines")
	cmd.Flags().IntVar(&valueSize, "value-size", 100, "size of values in bytes")
	return cmd
}

func runBench(ctx context.Context, e *storage.Engine, numInserts, numQueries, numThreads, valueSize int) {
	fmt.Println("generating random data...")
	keys := make([]string, numInserts)
	values := make([][]byte, numInserts)
	for i := 0; i < numInserts; i++ {
		keys[i] = fmt.Sprintf("key-%d", i)
		values[i] = make([]byte, valueSize)
		rand.Read(values[i])
	}

	fmt.Printf("running insert benchmark with %d threads...\n", numThreads)
	insertStats := runInsertBench(ctx, e, keys, values, numThreads)
	insertStats.print("insert")

	fmt.Printf("\nrunning query benchmark with %d threads...\n", numThreads)
	queryStats := runQueryBench(ctx, e, keys, numQueries, numThreads)
	queryStats.print("query")
}

func runInsertBench(ctx context.Context, e *storage.Engine, keys []string, values [][]byte, numThreads int) *benchStats {
	stats := newBenchStats()
	var wg sync.WaitGroup

	opsPerThread := (len(keys) + numThreads - 1) / numThreads
	for t := 0; t < numThreads; t++ {
		start := t * opsPerThread
		end := start + opsPerThread
		if end > len(keys) {
			end = len(keys)
		}
		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			for i := start; i < end; i++ {
				began := time.Now()
				err := e.Put(ctx, namespace, []byte(keys[i]), values[i])
				if err != nil {
					stats.recordError()
					continue
				}
				stats.record(time.Since(began))
			}
		}(start, end)
	}
	wg.Wait()
	return stats
}

func runQueryBench(ctx context.Context, e *storage.Engine, keys []string, numQueries, numThreads int) *benchStats {
	stats := newBenchStats()
	var wg sync.WaitGroup

	queryKeys := make([]string, numQueries)
	for i := range queryKeys {
		queryKeys[i] = keys[rand.Intn(len(keys))]
	}

	opsPerThread := (numQueries + numThreads - 1) / numThreads
	for t := 0; t < numThreads; t++ {
		start := t * opsPerThread
		end := start + opsPerThread
		if end > numQueries {
			end = numQueries
		}
		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			for i := start; i < end; i++ {
				began := time.Now()
				_, _, err := e.Get(ctx, namespace, []byte(queryKeys[i]))
				if err != nil {
					stats.recordError()
					continue
				}
				stats.record(time.Since(began))
			}
		}(start, end)
	}
	wg.Wait()
	return stats
}
