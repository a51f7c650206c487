package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mirkobrombin/go-uniq/v1/job"
	"github.com/mirkobrombin/go-uniq/v1/presets"
)

var (
	concurrency = flag.Int("c", 50, "Concurrent producers")
	requests    = flag.Int("n", 100000, "Total enqueues")
	keys        = flag.Int("k", 100, "Distinct job arguments")
	target      = flag.String("target", "all", "Target: memory, redis")
	redisAddr   = flag.String("redis-addr", "localhost:6379", "Redis Address")
)

func main() {
	flag.Parse()

	targets := strings.Split(*target, ",")
	if *target == "all" {
		targets = []string{"memory", "redis"}
	}

	fmt.Printf("| %-8s | %-10s | %-9s | %-9s | %-7s | %-12s |\n", "Store", "Ops/sec", "Accepted", "Rejected", "Errors", "Avg Latency")
	fmt.Println("|:---|:---|:---|:---|:---|:---|")

	for _, t := range targets {
		runBenchmark(strings.TrimSpace(t))
	}
}

func runBenchmark(name string) {
	var stack *presets.Stack
	switch name {
	case "memory":
		stack = presets.NewInMemoryStandalone()
	case "redis":
		stack = presets.NewRedis(presets.RedisOptions{Addr: *redisAddr})
	default:
		log.Printf("unknown target %q", name)
		return
	}
	q := stack.Batched()
	ctx := context.Background()
	runID := time.Now().UnixNano()

	specs := make([]job.Spec, *keys)
	for i := range specs {
		specs[i] = job.MustSpec("BenchWorker", []any{runID, i},
			job.WithUnique(true),
			job.WithUnlockOrder(job.UnlockNever),
			job.WithTTL(time.Minute),
		)
	}

	var accepted, rejected, failed atomic.Int64
	var wg sync.WaitGroup
	perProducer := *requests / *concurrency

	start := time.Now()
	for p := 0; p < *concurrency; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for j := 0; j < perProducer; j++ {
				res, err := q.Enqueue(ctx, specs[(p+j)%len(specs)])
				switch {
				case err != nil:
					failed.Add(1)
				case res.Rejected:
					rejected.Add(1)
				default:
					accepted.Add(1)
				}
			}
		}(p)
	}
	wg.Wait()
	elapsed := time.Since(start)

	ops := accepted.Load() + rejected.Load() + failed.Load()
	if ops == 0 {
		return
	}
	fmt.Printf("| %-8s | %-10.0f | %-9d | %-9d | %-7d | %-12v |\n",
		name,
		float64(ops)/elapsed.Seconds(),
		accepted.Load(),
		rejected.Load(),
		failed.Load(),
		elapsed/time.Duration(ops),
	)
	if accepted.Load() > int64(len(specs)) {
		log.Printf("%s: %d enqueues accepted for %d distinct jobs", name, accepted.Load(), len(specs))
	}
}
