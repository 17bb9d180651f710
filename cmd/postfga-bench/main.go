// Command postfga-bench drives a postfga.Core end-to-end: many concurrent
// Worker goroutines issuing Check calls through the full L1/L2/channel/
// dispatch pipeline, against either a real gRPC endpoint (-target) or a
// built-in synthetic transport for a self-contained smoke run. Modeled on
// calvinalkan-agent-task's cmd/tk-bench (flag.FlagSet config, a report written to
// stderr) with the scenario/goroutine shape of its eventloop examples.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/carped99/postfga/config"
	"github.com/carped99/postfga/dispatch"
	"github.com/carped99/postfga/fgatype"
	"github.com/carped99/postfga/host"
	"github.com/carped99/postfga/postfga"
	"github.com/carped99/postfga/transport"
)

func main() {
	var (
		target     = flag.String("target", "", "gRPC endpoint to check against; empty uses a built-in synthetic transport")
		storeID    = flag.String("store-id", "bench-store", "store id to check against")
		modelID    = flag.String("model-id", "bench-model", "authorization model id to check against")
		workers    = flag.Int("workers", 16, "number of concurrent producer goroutines")
		perWorker  = flag.Int("requests", 2000, "Check calls issued per worker")
		objects    = flag.Int("objects", 50, "distinct object ids cycled through, to control the cache hit rate")
		subjects   = flag.Int("subjects", 20, "distinct subject ids cycled through")
		latencyMs  = flag.Int("synthetic-latency-ms", 2, "simulated remote latency for the synthetic transport")
		cacheTTLMs = flag.Int("cache-ttl-ms", 0, "override cache_ttl_ms (0 keeps the default)")
	)
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, "Usage: postfga-bench [flags]\n\n")
		fmt.Fprint(os.Stderr, "Drives postfga.Core with concurrent Check traffic and reports cache/latency stats.\n\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	lookup := map[string]string{
		"store_id":                *storeID,
		"authorization_model_id":  *modelID,
		"endpoint":                *target,
	}
	if *cacheTTLMs > 0 {
		lookup["cache_ttl_ms"] = strconv.Itoa(*cacheTTLMs)
	}
	env := host.NewInProcess(lookup)

	cfg, err := config.Load(env, 0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config.Load: %v\n", err)
		os.Exit(1)
	}

	var xport dispatch.Transport
	if *target != "" {
		conn, dialErr := transport.Dial(cfg)
		if dialErr != nil {
			fmt.Fprintf(os.Stderr, "transport.Dial(%s): %v\n", *target, dialErr)
			os.Exit(1)
		}
		xport = transport.New(cfg, conn)
	} else {
		xport = &syntheticTransport{latency: time.Duration(*latencyMs) * time.Millisecond}
	}

	core := postfga.New(cfg, env, xport)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		if runErr := core.Run(ctx); runErr != nil && runErr != context.Canceled {
			fmt.Fprintf(os.Stderr, "core.Run: %v\n", runErr)
		}
	}()

	fmt.Fprintf(os.Stderr, "postfga-bench: %d workers x %d requests, %d objects, %d subjects, target=%q\n",
		*workers, *perWorker, *objects, *subjects, *target)

	storeOut, storeName, err := core.CreateStore(context.Background(), "bench-demo")
	if err != nil {
		fmt.Fprintf(os.Stderr, "CreateStore: %v\n", err)
	} else {
		fmt.Fprintf(os.Stderr, "CreateStore: id=%s name=%s\n", storeOut, storeName)
	}

	start := time.Now()
	latencies := runWorkers(core, *workers, *perWorker, *objects, *subjects)
	elapsed := time.Since(start)

	cancel()
	core.Stop()

	printReport(core.Stats(), latencies, elapsed, (*workers)*(*perWorker))
}

func runWorkers(core *postfga.Core, workers, perWorker, objects, subjects int) []time.Duration {
	var (
		mu  sync.Mutex
		all = make([]time.Duration, 0, workers*perWorker)
		wg  sync.WaitGroup
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			rnd := rand.New(rand.NewSource(int64(w) + 1))
			worker := core.NewWorker()
			local := make([]time.Duration, 0, perWorker)
			for i := 0; i < perWorker; i++ {
				objectID := fmt.Sprintf("obj-%d", rnd.Intn(objects))
				subjectID := fmt.Sprintf("user-%d", rnd.Intn(subjects))
				t0 := time.Now()
				_, _ = worker.Check(context.Background(), "doc", objectID, "user", subjectID, "reader")
				local = append(local, time.Since(t0))
			}
			mu.Lock()
			all = append(all, local...)
			mu.Unlock()
		}(w)
	}
	wg.Wait()
	return all
}

func printReport(stats postfga.Stats, latencies []time.Duration, elapsed time.Duration, total int) {
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("=== postfga-bench report (%s) ===\n", time.Now().UTC().Format(time.RFC3339)))
	sb.WriteString(fmt.Sprintf("requests: %d in %s (%.0f req/s)\n", total, elapsed, float64(total)/elapsed.Seconds()))
	sb.WriteString(fmt.Sprintf("latency p50=%s p90=%s p99=%s max=%s\n",
		percentile(latencies, 0.50), percentile(latencies, 0.90), percentile(latencies, 0.99), percentile(latencies, 1.0)))
	sb.WriteString(fmt.Sprintf("cache: l1_hits=%d l1_misses=%d l2_hits=%d l2_misses=%d check_dispatched=%d\n",
		stats.L1Hits, stats.L1Misses, stats.L2Hits, stats.L2Misses, stats.CheckDispatched))
	sb.WriteString(fmt.Sprintf("slots: in_use=%d high_water=%d capacity=%d l2_entries=%d\n",
		stats.SlotsInUse, stats.SlotHighWater, stats.SlotCapacity, stats.L2EntriesInUse))

	fmt.Fprint(os.Stderr, sb.String())
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}

// syntheticTransport is a self-contained stand-in for a real authorization
// service, used when -target is empty. It allows a deterministic half of
// subject/object pairs and sleeps latency per batch, so the bench still
// exercises retry-free dispatch, batching and caching without a live
// endpoint.
type syntheticTransport struct {
	latency time.Duration
}

func (s *syntheticTransport) CheckBatch(ctx context.Context, reqs []fgatype.Request) ([]fgatype.Response, error) {
	if s.latency > 0 {
		select {
		case <-time.After(s.latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	resps := make([]fgatype.Response, len(reqs))
	for i, r := range reqs {
		resps[i] = fgatype.Response{
			Status:  fgatype.StatusOk,
			Allowed: (len(r.Tuple.ObjectID)+len(r.Tuple.SubjectID))%2 == 0,
		}
	}
	return resps, nil
}

func (s *syntheticTransport) WriteTuple(context.Context, fgatype.Request) (fgatype.Response, error) {
	return fgatype.Response{Status: fgatype.StatusOk}, nil
}

func (s *syntheticTransport) DeleteTuple(context.Context, fgatype.Request) (fgatype.Response, error) {
	return fgatype.Response{Status: fgatype.StatusOk}, nil
}

func (s *syntheticTransport) GetStore(context.Context, fgatype.Request) (fgatype.Response, error) {
	return fgatype.Response{Status: fgatype.StatusOk}, nil
}

func (s *syntheticTransport) CreateStore(_ context.Context, req fgatype.Request) (fgatype.Response, error) {
	return fgatype.Response{Status: fgatype.StatusOk, StoreID: "synthetic-store", StoreName: req.StoreName}, nil
}

func (s *syntheticTransport) DeleteStore(context.Context, fgatype.Request) (fgatype.Response, error) {
	return fgatype.Response{Status: fgatype.StatusOk}, nil
}
