package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	kds "github.com/kds-sched/kds"
	"github.com/kds-sched/kds/cu/simcu"
	"github.com/kds-sched/kds/internal/cudriver"
	"github.com/kds-sched/kds/internal/logging"
)

// parseCPUList parses a comma-separated CPU list like "0,2,3" into ints,
// ignoring the flag entirely when empty.
func parseCPUList(s string) []int {
	if s == "" {
		return nil
	}
	var out []int
	for _, part := range strings.Split(s, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	return out
}

func main() {
	var (
		numCUs     = flag.Int("cus", 2, "Number of simulated compute units")
		runLatency = flag.Duration("cu-latency", 2*time.Millisecond, "Simulated per-command run latency")
		credits    = flag.Int("credits", 2, "Credit depth (max in-flight commands) per CU")
		submit     = flag.Int("submit", 100, "Number of commands to submit before reporting stats")
		verbose    = flag.Bool("v", false, "Verbose output")
		intr       = flag.Bool("intr", true, "Wake CU workers via an interrupt-driven wake source instead of polling only")
		cpuList    = flag.String("cpu-affinity", "", "Comma-separated CPU list to pin CU worker goroutines to, round-robin (e.g. \"0,1\")")
	)
	flag.Parse()

	cpuAffinity := parseCPUList(*cpuList)

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	cus := make([]kds.CUConfig, *numCUs)
	for i := range cus {
		cus[i] = kds.CUConfig{
			Descriptor: cudriver.Descriptor{
				Name:       fmt.Sprintf("sim_kernel_%d", i),
				Model:      cudriver.ModelHLS,
				Protocol:   cudriver.CtrlHS,
				IntrEnable: *intr,
			},
			Driver: simcu.New(cudriver.ModelHLS, *credits, *runLatency),
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched, err := kds.New(ctx, kds.Config{
		CUs:               cus,
		DefaultRunTimeout: time.Second,
		Logger:            logger,
		CPUAffinity:       cpuAffinity,
	})
	if err != nil {
		log.Fatalf("failed to create scheduler: %v", err)
	}
	defer sched.Stop()

	client := sched.CreateClient(os.Getpid(), "demo.xclbin")
	defer sched.DestroyClient(client)

	for i := 0; i < *numCUs; i++ {
		if err := sched.OpenContext(client, "demo.xclbin", i, kds.ModeShared); err != nil {
			log.Fatalf("failed to open context on cu %d: %v", i, err)
		}
	}

	logger.Info("scheduler started", "cus", *numCUs, "credits", *credits, "run_latency", runLatency.String())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < *submit; i++ {
			cu := i % *numCUs
			if _, err := sched.SubmitCommand(client, cu, []byte{byte(i)}, cudriver.Consecutive); err != nil {
				logger.Warn("submit failed", "error", err.Error())
			}
		}
	}()

	select {
	case <-done:
		// Give the pipelines a moment to drain the last in-flight batch.
		time.Sleep(50 * time.Millisecond)
	case <-sigCh:
		logger.Info("received shutdown signal")
	}

	snap := sched.MetricsSnapshot()
	fmt.Printf("submits=%d completions=%d timeouts=%d aborts=%d errors=%d\n",
		snap.Submits, snap.Completions, snap.Timeouts, snap.Aborts, snap.Errors)
	fmt.Printf("avg_latency=%dns p50=%dns p99=%dns throughput=%.1f/s\n",
		snap.AvgLatencyNs, snap.LatencyP50Ns, snap.LatencyP99Ns, snap.Throughput)
	fmt.Print(sched.StatsText())
}
