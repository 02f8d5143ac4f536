package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/nearstore/lsmtree/common/benchmark"
	"github.com/nearstore/lsmtree/lsm"
)

func main() {
	quick := flag.Bool("quick", false, "Run quick benchmarks (shorter duration)")
	workload := flag.String("workload", "all", "Workload to run (all, or a scenario name)")
	duration := flag.Duration("duration", 60*time.Second, "Duration for each benchmark (when set, overrides each workload's own duration)")
	concurrency := flag.Int("concurrency", 8, "Number of concurrent workers (when set, overrides each workload's own concurrency)")
	dir := flag.String("dir", "", "Data directory (default: a temp dir, removed on exit)")
	flag.Parse()

	fmt.Println("LSM-Tree Benchmark Suite")
	fmt.Println("========================")
	fmt.Printf("Duration: %v\n", *duration)
	fmt.Printf("Concurrency: %d\n\n", *concurrency)

	var configs []benchmark.Config
	if *quick {
		configs = benchmark.QuickWorkloads()
	} else {
		configs = benchmark.StandardWorkloads()
	}

	if flag.Lookup("duration").Value.String() != flag.Lookup("duration").DefValue {
		for i := range configs {
			configs[i].Duration = *duration
		}
	}
	if flag.Lookup("concurrency").Value.String() != flag.Lookup("concurrency").DefValue {
		for i := range configs {
			configs[i].Concurrency = *concurrency
		}
	}

	if *workload != "all" {
		filtered := make([]benchmark.Config, 0)
		for _, config := range configs {
			if config.Name == *workload {
				filtered = append(filtered, config)
			}
		}
		if len(filtered) == 0 {
			fmt.Printf("Unknown workload: %s\n", *workload)
			os.Exit(1)
		}
		configs = filtered
	}

	dataDir := *dir
	if dataDir == "" {
		tmp, err := os.MkdirTemp("", "lsmtree-bench-*")
		if err != nil {
			fmt.Printf("Failed to create temp dir: %v\n", err)
			os.Exit(1)
		}
		defer os.RemoveAll(tmp)
		dataDir = tmp
	}

	opts := lsm.DefaultOptions()
	e, err := lsm.Open(dataDir, opts)
	if err != nil {
		fmt.Printf("Failed to open engine: %v\n", err)
		os.Exit(1)
	}
	defer e.Close()

	results := runBenchmarks(e, configs)
	printSummaryTable(results)

	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("RANGE SCAN BENCHMARK")
	fmt.Println(strings.Repeat("=", 80))
	runRangeScanBenchmark(e)
}

func runBenchmarks(e *lsm.Engine, configs []benchmark.Config) []*benchmark.Result {
	results := make([]*benchmark.Result, 0, len(configs))

	for _, config := range configs {
		fmt.Printf("\n=== Running: %s ===\n", config.Name)

		bench := benchmark.NewBenchmark(e, config)
		result, err := bench.Run()
		if err != nil {
			fmt.Printf("Benchmark failed: %v\n", err)
			continue
		}

		results = append(results, result)
		printResult(result)
	}

	return results
}

func printResult(r *benchmark.Result) {
	fmt.Printf("\n--- Results ---\n")
	fmt.Printf("Throughput: %.0f ops/sec\n", r.OpsPerSec)
	fmt.Printf("Total Ops: %d (writes: %d, reads: %d)\n", r.TotalOps, r.WriteOps, r.ReadOps)

	if r.WriteOps > 0 {
		fmt.Printf("\nWrite Latency:\n")
		fmt.Printf("  Min:  %8s\n", r.WriteLatency.Min)
		fmt.Printf("  Mean: %8s\n", r.WriteLatency.Mean)
		fmt.Printf("  P50:  %8s\n", r.WriteLatency.P50)
		fmt.Printf("  P95:  %8s\n", r.WriteLatency.P95)
		fmt.Printf("  P99:  %8s\n", r.WriteLatency.P99)
		fmt.Printf("  P999: %8s\n", r.WriteLatency.P999)
		fmt.Printf("  Max:  %8s\n", r.WriteLatency.Max)
	}

	if r.ReadOps > 0 {
		fmt.Printf("\nRead Latency:\n")
		fmt.Printf("  Min:  %8s\n", r.ReadLatency.Min)
		fmt.Printf("  Mean: %8s\n", r.ReadLatency.Mean)
		fmt.Printf("  P50:  %8s\n", r.ReadLatency.P50)
		fmt.Printf("  P95:  %8s\n", r.ReadLatency.P95)
		fmt.Printf("  P99:  %8s\n", r.ReadLatency.P99)
		fmt.Printf("  P999: %8s\n", r.ReadLatency.P999)
		fmt.Printf("  Max:  %8s\n", r.ReadLatency.Max)
	}

	fmt.Printf("\nEngine stats: %d SSTables, %.1f MB on disk, %d flushes, %d compactions\n",
		r.EngineStats.NumSSTables, r.TotalDiskMB, r.EngineStats.FlushCount, r.EngineStats.CompactCount)
}

func printSummaryTable(results []*benchmark.Result) {
	if len(results) == 0 {
		return
	}

	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("BENCHMARK SUMMARY")
	fmt.Println(strings.Repeat("=", 80))

	fmt.Printf("\n%-25s %12s %12s %12s %10s\n",
		"Workload", "Throughput", "Write P99", "Read P99", "SSTables")
	fmt.Println(strings.Repeat("-", 80))

	for _, r := range results {
		writeP99 := "N/A"
		if r.WriteOps > 0 {
			writeP99 = r.WriteLatency.P99.String()
		}

		readP99 := "N/A"
		if r.ReadOps > 0 {
			readP99 = r.ReadLatency.P99.String()
		}

		fmt.Printf("%-25s %10.0f/s %12s %12s %10d\n",
			r.Config.Name, r.OpsPerSec, writeP99, readP99, r.EngineStats.NumSSTables)
	}
}

func runRangeScanBenchmark(e *lsm.Engine) {
	fmt.Println("\nPreparing range scan test data...")

	numKeys := 10000
	for i := 0; i < numKeys; i++ {
		key := fmt.Sprintf("user:%06d", i)
		value := []byte(fmt.Sprintf(`{"id": %d, "name": "user%d"}`, i, i))
		e.Put([]byte(key), value)
	}

	fmt.Println("Running range scans...")

	ranges := []struct {
		name  string
		start string
		end   string
	}{
		{"Small (100 keys)", "user:000000", "user:000100"},
		{"Medium (1000 keys)", "user:000000", "user:001000"},
		{"Large (5000 keys)", "user:000000", "user:005000"},
		{"Full scan", "user:000000", "user:999999"},
	}

	for _, r := range ranges {
		start := time.Now()
		it, err := e.Scan([]byte(r.start), []byte(r.end))
		if err != nil {
			fmt.Printf("scan error: %v\n", err)
			continue
		}
		count := 0
		for it.Valid() {
			count++
			it.Next()
		}
		it.Close()
		elapsed := time.Since(start)

		throughput := float64(count) / elapsed.Seconds()
		var avgLatency time.Duration
		if count > 0 {
			avgLatency = elapsed / time.Duration(count)
		}

		fmt.Printf("\n%s:\n", r.name)
		fmt.Printf("  Keys scanned: %d\n", count)
		fmt.Printf("  Duration:     %v\n", elapsed)
		fmt.Printf("  Throughput:   %.0f keys/sec\n", throughput)
		fmt.Printf("  Avg latency:  %v per key\n", avgLatency)
	}
}
