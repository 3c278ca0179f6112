package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/utkarsh5026/repbench/bench"
	"github.com/utkarsh5026/repbench/internal/backend"
	"github.com/utkarsh5026/repbench/internal/dispatch"
	"github.com/utkarsh5026/repbench/internal/latency"
	"github.com/utkarsh5026/repbench/internal/report"
	"github.com/utkarsh5026/repbench/internal/workload"
)

var (
	runTargets         []string
	runBackend         string
	runMemoryLatency   time.Duration
	runQueueLimit      int
	runDirectIO        bool
	runIOWorkers       int
	runReplicas        int
	runQueueDepth      int
	runIOSize          uint32
	runBlockSize       uint32
	runMode            string
	runReadPercent     int
	runZipf            float64
	runSeed            uint64
	runBatch           int
	runOpsPerSecond    float64
	runSpin            string
	runPacing          string
	runPrimaryLast     bool
	runContinueOnError bool
	runVerify          bool
	runDuration        time.Duration
	runWarmup          time.Duration
	runNumberIOs       uint64
	runWorkers         int
	runShared          bool
	runAffinity        bool
	runQuietCount      int
	runLatencyLog      string
	runExportInterval  time.Duration
	runExportPolicy    string
	runExportRetries   int
	runExportChannel   int
	runNoProgress      bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a replicated I/O benchmark",
	Example: "  repbench run --target a:1048576 --target b:1048576 --target c:1048576 \\\n" +
		"    --replicas 3 --queue-depth 32 --rw randrw --read-percent 70 --time 30s",
	RunE: runBenchmark,
}

func init() {
	f := runCmd.Flags()
	f.StringArrayVar(&runTargets, "target", nil, "Endpoint as name:capacity[:path], capacity in I/O units (repeatable)")
	f.StringVar(&runBackend, "backend", "memory", "I/O backend: memory or file")
	f.DurationVar(&runMemoryLatency, "memory-latency", 0, "Simulated service time of the memory backend")
	f.IntVar(&runQueueLimit, "memory-queue-limit", 0, "Per-queue in-flight cap of the memory backend (0 = unlimited)")
	f.BoolVar(&runDirectIO, "direct", false, "Open file targets with O_DIRECT where supported")
	f.IntVar(&runIOWorkers, "io-workers", 4, "I/O goroutines per file queue")

	f.IntVar(&runReplicas, "replicas", 1, "Endpoints each logical I/O is written to")
	f.IntVarP(&runQueueDepth, "queue-depth", "q", 1, "Task groups in flight per worker")
	f.Uint32VarP(&runIOSize, "io-size", "o", 4096, "I/O size in bytes")
	f.Uint32Var(&runBlockSize, "block-size", 512, "Block size in bytes")
	f.StringVarP(&runMode, "rw", "w", "write", "Access pattern: read, write, randread, randwrite, randrw, seq, rand")
	f.IntVarP(&runReadPercent, "read-percent", "M", -1, "Read share 0-100 (default follows --rw)")
	f.Float64Var(&runZipf, "zipf", 0, "Zipf theta in (0, 1) for skewed offsets")
	f.Uint64Var(&runSeed, "seed", 1, "Workload seed")

	f.IntVar(&runBatch, "batch", 1, "Groups released per pacing gate")
	f.Float64Var(&runOpsPerSecond, "ops", 0, "Target groups per second per worker (0 = unlimited)")
	f.StringVar(&runSpin, "spin", "busy", "Pacing wait strategy: busy or yield")
	f.StringVar(&runPacing, "pacing", "window", "Pacing gate: window or token-bucket")
	f.BoolVar(&runPrimaryLast, "primary-last", false, "Submit the primary replica after its secondaries")
	f.BoolVar(&runContinueOnError, "continue-on-error", false, "Keep running after I/O errors")
	f.BoolVar(&runVerify, "verify", false, "Verify read payloads")

	f.DurationVarP(&runDuration, "time", "t", 10*time.Second, "Measured run time (0 = until interrupted or drained)")
	f.DurationVarP(&runWarmup, "warmup", "a", 0, "Warmup before measuring")
	f.Uint64VarP(&runNumberIOs, "number-ios", "d", 0, "Drain each endpoint after this many I/Os")
	f.IntVar(&runWorkers, "workers", 1, "Worker goroutines")
	f.BoolVar(&runShared, "shared", false, "Every worker drives every endpoint")
	f.BoolVar(&runAffinity, "cpu-affinity", false, "Pin workers to cores")
	f.IntVar(&runQuietCount, "quiet-count", 1, "Log only every n-th I/O error")

	f.StringVar(&runLatencyLog, "latency-log", "", "Append per-interval latency rows to this CSV file")
	f.DurationVar(&runExportInterval, "latency-interval", latency.DefaultInterval, "Latency snapshot interval")
	f.StringVar(&runExportPolicy, "latency-policy", "fail", "When the latency logger falls behind: fail, drop or retry")
	f.IntVar(&runExportRetries, "latency-retries", 0, "Retry attempts for --latency-policy=retry")
	f.IntVar(&runExportChannel, "latency-buffer", latency.DefaultChannelSize, "Snapshots buffered for the latency logger")
	f.BoolVar(&runNoProgress, "no-progress", false, "Disable the live progress bar")

	_ = runCmd.MarkFlagRequired("target")
}

func runBenchmark(cmd *cobra.Command, args []string) error {
	opts, err := buildOptions()
	if err != nil {
		return err
	}

	be, err := buildBackend()
	if err != nil {
		return err
	}

	var bar *progressbar.ProgressBar
	if !runNoProgress {
		bar = makeProgressBar()
		opts = append(opts, bench.WithProgress(time.Second, func(s bench.Sample) {
			bar.Describe(report.Progress(s))
			_ = bar.Set(int(s.Elapsed / time.Second))
		}))
	}

	bc := bench.New(be, opts...)
	for _, arg := range runTargets {
		t, err := parseTarget(arg)
		if err != nil {
			return err
		}
		if err := bc.AddEndpoint(t); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := bc.Run(ctx)
	if bar != nil {
		_ = bar.Finish()
	}
	if res != nil {
		if rerr := report.Render(os.Stdout, res); rerr != nil {
			slog.Error("render report", "err", rerr)
		}
	}
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return exitError{code: res.ExitCode}
	}
	return nil
}

func buildOptions() ([]bench.Option, error) {
	mode, err := workload.ParseMode(runMode)
	if err != nil {
		return nil, err
	}
	readPercent := runReadPercent
	if readPercent < 0 {
		readPercent = defaultReadPercent(runMode)
	}
	spin, err := dispatch.ParseSpinStrategy(runSpin)
	if err != nil {
		return nil, err
	}
	pacing, err := parsePacing(runPacing)
	if err != nil {
		return nil, err
	}
	policy, err := latency.ParsePolicy(runExportPolicy)
	if err != nil {
		return nil, err
	}

	opts := []bench.Option{
		bench.WithLogger(slog.Default()),
		bench.WithReplicaCount(runReplicas),
		bench.WithQueueDepth(runQueueDepth),
		bench.WithIOSize(runIOSize),
		bench.WithBlockSize(runBlockSize),
		bench.WithAccessMode(mode),
		bench.WithReadPercent(readPercent),
		bench.WithZipfTheta(runZipf),
		bench.WithSeed(runSeed),
		bench.WithBatchSize(runBatch),
		bench.WithTargetOpsPerSecond(runOpsPerSecond),
		bench.WithSpinStrategy(spin),
		bench.WithPacing(pacing),
		bench.WithPrimaryLast(runPrimaryLast),
		bench.WithContinueOnError(runContinueOnError),
		bench.WithVerify(runVerify),
		bench.WithDuration(runDuration),
		bench.WithWarmup(runWarmup),
		bench.WithNumberIOs(runNumberIOs),
		bench.WithWorkerCount(runWorkers),
		bench.WithSharedEndpoints(runShared),
		bench.WithCPUAffinity(runAffinity),
		bench.WithQuietCount(runQuietCount),
		bench.WithExportInterval(runExportInterval),
		bench.WithExportPolicy(policy),
		bench.WithExportChannelSize(runExportChannel),
	}
	if runExportRetries > 0 {
		opts = append(opts, bench.WithExportRetry(runExportRetries, runExportInterval/10))
	}
	if runLatencyLog != "" {
		opts = append(opts, bench.WithExportPath(runLatencyLog))
	}
	return opts, nil
}

func buildBackend() (backend.Backend, error) {
	switch runBackend {
	case "memory":
		var opts []backend.MemoryOption
		if runMemoryLatency > 0 {
			opts = append(opts, backend.WithLatency(runMemoryLatency))
		}
		if runQueueLimit > 0 {
			opts = append(opts, backend.WithQueueLimit(runQueueLimit))
		}
		return backend.NewMemory(opts...), nil
	case "file":
		return backend.NewFile(backend.WithDirectIO(runDirectIO), backend.WithIOWorkers(runIOWorkers)), nil
	default:
		return nil, fmt.Errorf("unknown backend %q (memory, file)", runBackend)
	}
}

// parseTarget reads name:capacity[:path].
func parseTarget(s string) (backend.Target, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) < 2 || parts[0] == "" {
		return backend.Target{}, fmt.Errorf("target %q: want name:capacity[:path]", s)
	}
	capacity, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return backend.Target{}, fmt.Errorf("target %q: capacity: %w", s, err)
	}
	t := backend.Target{Name: parts[0], Capacity: capacity}
	if len(parts) == 3 {
		t.Path = parts[2]
	}
	return t, nil
}

func parsePacing(s string) (bench.Pacing, error) {
	switch s {
	case "window", "":
		return bench.PacingWindow, nil
	case "token-bucket", "bucket":
		return bench.PacingTokenBucket, nil
	default:
		return 0, fmt.Errorf("unknown pacing %q (window, token-bucket)", s)
	}
}

// defaultReadPercent derives the read share from the access pattern name
// when --read-percent is not given.
func defaultReadPercent(mode string) int {
	switch mode {
	case "read", "randread":
		return 100
	case "randrw":
		return 50
	default:
		return 0
	}
}

func makeProgressBar() *progressbar.ProgressBar {
	// samples report time since warmup ended
	steps := -1
	if runDuration > 0 {
		steps = int(runDuration / time.Second)
	}
	return progressbar.NewOptions(steps,
		progressbar.OptionSetDescription(color.CyanString("starting")),
		progressbar.OptionSetWidth(50),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "█",
			SaucerHead:    "█",
			SaucerPadding: "░",
			BarStart:      "│",
			BarEnd:        "│",
		}),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionThrottle(65*time.Millisecond),
		progressbar.OptionClearOnFinish(),
	)
}
