package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/juju/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/relaygrid/pipestage/comm"
	"github.com/relaygrid/pipestage/control"
	"github.com/relaygrid/pipestage/stagerun"
	"github.com/relaygrid/pipestage/topology"
	"github.com/relaygrid/pipestage/wire"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
	"golang.org/x/xerrors"
)

var (
	appName = "pipestage"
	appSha  = "populated-at-link-time"
	logger  *logrus.Entry
)

func main() {
	host, _ := os.Hostname()
	rootLogger := logrus.New()
	rootLogger.SetFormatter(new(logrus.JSONFormatter))
	logger = rootLogger.WithFields(logrus.Fields{
		"app":  appName,
		"sha":  appSha,
		"host": host,
	})

	if err := makeApp().Run(os.Args); err != nil {
		logger.WithField("err", err).Error("shutting down due to error")
		_ = os.Stderr.Sync()
		os.Exit(1)
	}
}

func makeApp() *cli.App {
	app := cli.NewApp()
	app.Name = appName
	app.Version = appSha
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "backend",
			Value:  "local",
			EnvVar: "BACKEND",
			Usage:  "The transport backend to use; only \"local\" (single-process, in-memory) is implemented",
		},
		cli.StringFlag{
			Name:   "master-addr",
			EnvVar: "MASTER_ADDR",
			Usage:  "The rendezvous address for a non-local backend (reserved; unused by \"local\")",
		},
		cli.IntFlag{
			Name:   "master-port",
			Value:  29500,
			EnvVar: "MASTER_PORT",
			Usage:  "The rendezvous port for a non-local backend (reserved; unused by \"local\")",
		},
		cli.IntFlag{
			Name:   "rank",
			EnvVar: "RANK",
			Usage:  "This process's world rank (reserved; unused by \"local\", which runs every rank in-process)",
		},
		cli.IntFlag{
			Name:   "local-rank",
			EnvVar: "LOCAL_RANK",
			Usage:  "This process's rank within its host (reserved; unused by \"local\")",
		},
		cli.IntFlag{
			Name:   "world-size",
			Value:  1,
			EnvVar: "WORLD_SIZE",
			Usage:  "The total number of ranks; must match the number of stages in --stage-config for \"local\"",
		},
		cli.StringFlag{
			Name:   "stage-config",
			EnvVar: "STAGE_CONFIG",
			Usage:  "Path to a JSON file describing the per-stage pipeline to run",
		},
		cli.IntFlag{
			Name:   "pprof-port",
			Value:  6060,
			EnvVar: "PPROF_PORT",
			Usage:  "The port for exposing pprof endpoints",
		},
		cli.IntFlag{
			Name:   "metrics-port",
			Value:  9090,
			EnvVar: "METRICS_PORT",
			Usage:  "The port for exposing the /metrics Prometheus endpoint",
		},
	}
	app.Action = runMain
	return app
}

// stageConfig is the minimal Partitioner stand-in this CLI understands: one
// scale factor per stage, applied by a trivial arithmetic Module.
type stageConfig struct {
	NumMinibatches int       `json:"num_minibatches"`
	ForwardOnly    bool      `json:"forward_only"`
	ScaleFactors   []float32 `json:"scale_factors"`
}

func loadStageConfig(path string) (*stageConfig, error) {
	if path == "" {
		return nil, xerrors.Errorf("--stage-config is required")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Errorf("reading stage config %q: %w", path, err)
	}
	var cfg stageConfig
	if err := json.Unmarshal(b, &cfg); err != nil {
		return nil, xerrors.Errorf("parsing stage config %q: %w", path, err)
	}
	if cfg.NumMinibatches <= 0 {
		return nil, xerrors.Errorf("stage config %q: num_minibatches must be positive", path)
	}
	if len(cfg.ScaleFactors) < 2 {
		return nil, xerrors.Errorf("stage config %q: scale_factors must name at least 2 stages", path)
	}
	return &cfg, nil
}

func runMain(appCtx *cli.Context) error {
	logger := logger.WithField("backend", appCtx.String("backend"))

	if appCtx.String("backend") != "local" {
		return xerrors.Errorf("unsupported backend %q; only \"local\" is implemented (cross-machine transport choice is an external collaborator)", appCtx.String("backend"))
	}

	cfg, err := loadStageConfig(appCtx.String("stage-config"))
	if err != nil {
		return err
	}
	if appCtx.Int("world-size") != len(cfg.ScaleFactors) {
		return xerrors.Errorf("--world-size (%d) must equal the number of stages in --stage-config (%d)", appCtx.Int("world-size"), len(cfg.ScaleFactors))
	}

	ctx, cancelFn := context.WithCancel(context.Background())
	defer cancelFn()

	reg := prometheus.NewRegistry()
	exporter := control.NewExporter(reg)

	pprofListener, err := net.Listen("tcp", fmt.Sprintf(":%d", appCtx.Int("pprof-port")))
	if err != nil {
		return err
	}
	metricsListener, err := net.Listen("tcp", fmt.Sprintf(":%d", appCtx.Int("metrics-port")))
	if err != nil {
		_ = pprofListener.Close()
		return err
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.WithField("port", appCtx.Int("pprof-port")).Info("listening for pprof requests")
		srv := new(http.Server)
		_ = srv.Serve(pprofListener)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		logger.WithField("port", appCtx.Int("metrics-port")).Info("listening for metrics requests")
		srv := &http.Server{Handler: mux}
		_ = srv.Serve(metricsListener)
	}()

	runErrCh := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		err := runLocalWorld(ctx, logger, cfg, exporter)
		if err != nil {
			logger.WithField("err", err).Error("pipeline run exited with error")
		}
		runErrCh <- err
		_ = pprofListener.Close()
		_ = metricsListener.Close()
		cancelFn()
	}()

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGHUP)
		select {
		case s := <-sigCh:
			logger.WithField("signal", s.String()).Info("shutting down due to signal")
			_ = pprofListener.Close()
			_ = metricsListener.Close()
			cancelFn()
		case <-ctx.Done():
		}
	}()

	wg.Wait()
	return <-runErrCh
}

// runLocalWorld builds every rank's handler/runtime over one in-memory
// transport hub and runs cfg.NumMinibatches minibatches to completion,
// returning the first error any rank reports.
func runLocalWorld(ctx context.Context, logger *logrus.Entry, cfg *stageConfig, exporter *control.Exporter) error {
	numStages := len(cfg.ScaleFactors)
	hub := topology.NewInMemoryHub(numStages)

	tags := map[string]int{"h": 0, "target": 1, comm.AckTensorName: 2, comm.ControlTensorName: 3}
	dtypes := map[string]wire.DType{
		"h": wire.Float32, "target": wire.Float32,
		comm.ControlTensorName: wire.Int32, comm.AckTensorName: wire.Int64,
	}

	handlers := make([]*comm.Handler, numStages)
	initErrs := make([]error, numStages)
	var initWG sync.WaitGroup
	for r := 0; r < numStages; r++ {
		r := r
		handlers[r] = comm.NewHandler(topology.NewInMemoryTransport(hub, r), r, numStages, logger.WithField("rank", r))

		initWG.Add(1)
		go func() {
			defer initWG.Done()
			hCfg := comm.Config{TensorTags: tags, TargetNames: []string{"target"}, Dtypes: dtypes, RankInStage: 0, NumRanksInStage: 1}
			if r > 0 {
				hCfg.ReceiveRanks = map[string][]int{"h": {r - 1}, "target": {r - 1}, comm.ControlTensorName: {r - 1}}
				hCfg.RanksInPreviousStage = []int{r - 1}
			}
			if r < numStages-1 {
				hCfg.SendRanks = map[string][]int{"h": {r + 1}, "target": {r + 1}, comm.ControlTensorName: {r + 1}}
				hCfg.RanksInNextStage = []int{r + 1}
			}
			initErrs[r] = handlers[r].Initialize(ctx, hCfg)
		}()
	}
	initWG.Wait()
	for r, err := range initErrs {
		if err != nil {
			return xerrors.Errorf("initializing rank %d: %w", r, err)
		}
	}

	for r, h := range handlers {
		if err := h.StartHelperThreads(ctx, cfg.NumMinibatches, cfg.ForwardOnly); err != nil {
			return xerrors.Errorf("starting helper threads for rank %d: %w", r, err)
		}
	}

	job := &loggingJobRunner{logger: logger}
	runErrs := make([]error, numStages)
	var runWG sync.WaitGroup
	for r := 0; r < numStages; r++ {
		r := r
		stage, receiveNames, sendNames, targetNames, loader := demoStage(r, numStages, cfg.ScaleFactors[r])

		rtCfg := stagerun.Config{
			Handler:      handlers[r],
			Stage:        stage,
			StageIndex:   r,
			NumStages:    numStages,
			ReceiveNames: receiveNames,
			SendNames:    sendNames,
			TargetNames:  targetNames,
			ForwardOnly:  cfg.ForwardOnly,
			DataLoader:   loader,
			Clock:        clock.WallClock,
			Logger:       logger.WithField("rank", r),
		}
		if r == numStages-1 {
			rtCfg.Exporter = exporter
		}

		rt, err := stagerun.NewRuntime(rtCfg)
		if err != nil {
			return xerrors.Errorf("building runtime for rank %d: %w", r, err)
		}

		runWG.Add(1)
		go func() {
			defer runWG.Done()
			runner := stagerun.NewRunner(rt, job, stagerun.RunnerCallbacks{})
			runErrs[r] = runner.Run(ctx, stagerun.Details{
				JobID:          stagerun.NewJobID(),
				CreatedAt:      time.Now(),
				NumMinibatches: cfg.NumMinibatches,
				ForwardOnly:    cfg.ForwardOnly,
			})
		}()
	}
	runWG.Wait()

	for r, err := range runErrs {
		if err != nil {
			return xerrors.Errorf("rank %d: %w", r, err)
		}
	}
	for _, h := range handlers {
		h.Wait()
	}
	return nil
}

// loggingJobRunner is the JobRunner used by the CLI's own local-world demo;
// a production deployment supplies one that persists state_dict to storage.
type loggingJobRunner struct {
	logger *logrus.Entry
}

func (j *loggingJobRunner) StartJob(det stagerun.Details) error {
	j.logger.WithField("job_id", det.JobID).Info("job started")
	return nil
}

func (j *loggingJobRunner) CompleteJob(det stagerun.Details) error {
	j.logger.WithField("job_id", det.JobID).Info("job completed")
	return nil
}

func (j *loggingJobRunner) AbortJob(det stagerun.Details) {
	j.logger.WithField("job_id", det.JobID).Warn("job aborted")
}
