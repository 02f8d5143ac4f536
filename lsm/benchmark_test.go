package lsm

import (
	"fmt"
	"math/rand"
	"os"
	"sort"
	"testing"
	"time"
)

func openBenchEngine(b *testing.B, opts Options) (*Engine, func()) {
	b.Helper()
	dir := fmt.Sprintf("/tmp/lsm-bench-%d-%d", time.Now().UnixNano(), os.Getpid())
	e, err := Open(dir, opts)
	if err != nil {
		b.Fatalf("open engine: %v", err)
	}
	return e, func() {
		e.Close()
		os.RemoveAll(dir)
	}
}

func BenchmarkWriteHeavy(b *testing.B) {
	e, cleanup := openBenchEngine(b, DefaultOptions())
	defer cleanup()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		key := fmt.Sprintf("key%010d", i)
		value := []byte(fmt.Sprintf("value%010d", i))
		if err := e.Put([]byte(key), value); err != nil {
			b.Fatalf("put failed: %v", err)
		}
	}
	b.StopTimer()

	opsPerSec := float64(b.N) / b.Elapsed().Seconds()
	b.ReportMetric(opsPerSec, "ops/sec")
}

func BenchmarkReadHeavy(b *testing.B) {
	e, cleanup := openBenchEngine(b, DefaultOptions())
	defer cleanup()

	numKeys := 10000
	for i := 0; i < numKeys; i++ {
		key := fmt.Sprintf("key%010d", i)
		value := []byte(fmt.Sprintf("value%010d", i))
		e.Put([]byte(key), value)
	}
	waitForBackgroundWork(e)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		keyIdx := rand.Intn(numKeys)
		key := fmt.Sprintf("key%010d", keyIdx)
		if _, err := e.Get([]byte(key)); err != nil {
			b.Fatalf("get failed: %v", err)
		}
	}
	b.StopTimer()

	opsPerSec := float64(b.N) / b.Elapsed().Seconds()
	b.ReportMetric(opsPerSec, "ops/sec")
}

func BenchmarkBalanced(b *testing.B) {
	e, cleanup := openBenchEngine(b, DefaultOptions())
	defer cleanup()

	numKeys := 5000
	for i := 0; i < numKeys; i++ {
		key := fmt.Sprintf("key%010d", i)
		value := []byte(fmt.Sprintf("value%010d", i))
		e.Put([]byte(key), value)
	}
	waitForBackgroundWork(e)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if rand.Float32() < 0.5 {
			keyIdx := rand.Intn(numKeys)
			key := fmt.Sprintf("key%010d", keyIdx)
			e.Get([]byte(key))
		} else {
			keyIdx := rand.Intn(numKeys * 2)
			key := fmt.Sprintf("key%010d", keyIdx)
			value := []byte(fmt.Sprintf("value%010d", keyIdx))
			e.Put([]byte(key), value)
		}
	}
	b.StopTimer()

	opsPerSec := float64(b.N) / b.Elapsed().Seconds()
	b.ReportMetric(opsPerSec, "ops/sec")
}

func BenchmarkWriteThroughput(b *testing.B) {
	benchmarks := []struct {
		name   string
		numOps int
	}{
		{"10K", 10000},
		{"50K", 50000},
		{"100K", 100000},
	}

	for _, bm := range benchmarks {
		b.Run(bm.name, func(b *testing.B) {
			e, cleanup := openBenchEngine(b, DefaultOptions())
			defer cleanup()

			b.ResetTimer()
			start := time.Now()
			for i := 0; i < bm.numOps; i++ {
				key := fmt.Sprintf("key%010d", i)
				value := []byte(fmt.Sprintf("value%010d", i))
				e.Put([]byte(key), value)
			}
			elapsed := time.Since(start)
			b.StopTimer()

			opsPerSec := float64(bm.numOps) / elapsed.Seconds()
			b.ReportMetric(opsPerSec, "ops/sec")
			b.ReportMetric(elapsed.Seconds()*1000, "ms")
		})
	}
}

func BenchmarkReadLatency(b *testing.B) {
	e, cleanup := openBenchEngine(b, DefaultOptions())
	defer cleanup()

	numKeys := 10000
	for i := 0; i < numKeys; i++ {
		key := fmt.Sprintf("key%010d", i)
		value := []byte(fmt.Sprintf("value%010d", i))
		e.Put([]byte(key), value)
	}
	waitForBackgroundWork(e)

	latencies := make([]time.Duration, 1000)

	b.ResetTimer()
	for i := 0; i < 1000; i++ {
		keyIdx := rand.Intn(numKeys)
		key := fmt.Sprintf("key%010d", keyIdx)

		start := time.Now()
		e.Get([]byte(key))
		latencies[i] = time.Since(start)
	}
	b.StopTimer()

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	b.ReportMetric(float64(latencies[500].Microseconds()), "p50_µs")
	b.ReportMetric(float64(latencies[950].Microseconds()), "p95_µs")
	b.ReportMetric(float64(latencies[990].Microseconds()), "p99_µs")
}

func BenchmarkNegativeLookup(b *testing.B) {
	e, cleanup := openBenchEngine(b, DefaultOptions())
	defer cleanup()

	numKeys := 10000
	for i := 0; i < numKeys; i++ {
		key := fmt.Sprintf("key%010d", i)
		value := []byte(fmt.Sprintf("value%010d", i))
		e.Put([]byte(key), value)
	}
	waitForBackgroundWork(e)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		key := fmt.Sprintf("key%010d", numKeys+i)
		if _, err := e.Get([]byte(key)); err == nil {
			b.Fatalf("non-existent key found: %s", key)
		}
	}
	b.StopTimer()

	opsPerSec := float64(b.N) / b.Elapsed().Seconds()
	b.ReportMetric(opsPerSec, "ops/sec")
}

func BenchmarkUpdateExisting(b *testing.B) {
	e, cleanup := openBenchEngine(b, DefaultOptions())
	defer cleanup()

	numKeys := 1000
	for i := 0; i < numKeys; i++ {
		key := fmt.Sprintf("key%010d", i)
		value := []byte(fmt.Sprintf("value%010d", i))
		e.Put([]byte(key), value)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		keyIdx := rand.Intn(numKeys)
		key := fmt.Sprintf("key%010d", keyIdx)
		value := []byte(fmt.Sprintf("newvalue%010d", i))
		if err := e.Put([]byte(key), value); err != nil {
			b.Fatalf("put failed: %v", err)
		}
	}
	b.StopTimer()

	opsPerSec := float64(b.N) / b.Elapsed().Seconds()
	b.ReportMetric(opsPerSec, "ops/sec")
}
