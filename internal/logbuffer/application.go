package logbuffer

import (
	"context"
	"net/http"
	"time"

	"github.com/go-redis/redis"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/G-Research/logbuffer/internal/common"
	"github.com/G-Research/logbuffer/internal/common/health"
	"github.com/G-Research/logbuffer/internal/common/logging"
	"github.com/G-Research/logbuffer/internal/common/task"
	"github.com/G-Research/logbuffer/internal/logbuffer/configuration"
	"github.com/G-Research/logbuffer/internal/logbuffer/metrics"
	"github.com/G-Research/logbuffer/internal/logbuffer/model"
	"github.com/G-Research/logbuffer/internal/logbuffer/pipeline"
	"github.com/G-Research/logbuffer/internal/logbuffer/source"
	"github.com/G-Research/logbuffer/internal/logbuffer/store"
)

const taskStopTimeout = 30 * time.Second

// Run buffers log records from every configured source into the configured sink until ctx is done, then writes out
// everything still buffered before returning.
func Run(ctx context.Context, config *configuration.LogBufferConfiguration) (err error) {
	log.Info("Log buffer starting")

	// Everything logged by the pipeline and the store goes to a logger that is never hooked into the pipeline, so
	// that a failing sink cannot feed its own errors back into itself.
	diagnostics := log.New()
	if err := config.Logging.Console().Apply(diagnostics); err != nil {
		return err
	}
	captureLevels, err := config.CaptureLevels()
	if err != nil {
		return err
	}

	logStore, err := OpenStore(config, log.NewEntry(diagnostics).WithField("component", "store"))
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := logStore.Close(); closeErr != nil {
			err = multierror.Append(err, errors.WithMessage(closeErr, "error closing store"))
		}
	}()

	p, err := pipeline.New[model.LogRecord](
		config.PipelineConfig(),
		logStore,
		log.NewEntry(diagnostics).WithField("component", "pipeline"),
	)
	if err != nil {
		return err
	}
	p.Start()

	hook := source.NewHook(p, captureLevels)
	log.AddHook(hook)

	mux := http.NewServeMux()
	mux.Handle("/metrics", common.MetricsHandler())
	health.SetupHttpMux(mux, health.NewMultiChecker(logStore, p))
	if config.Sources.IngestEnabled {
		mux.Handle(source.IngestPath, source.NewIngestHandler(p, log.WithField("component", "ingest")))
	}
	shutdownHttpServer := common.ServeHttp(config.HttpPort, mux)

	taskManager := task.NewBackgroundTaskManager(metrics.MetricsPrefix)
	if config.Retention.Enabled {
		taskManager.Register(func(ctx context.Context) {
			if _, err := Prune(ctx, logStore, config.Retention.Period); err != nil {
				logging.WithStacktrace(log.WithField("component", "retention"), err).Warn("Error pruning old records")
			}
		}, config.Retention.PruneInterval, "retention_prune")
	}

	g, groupCtx := errgroup.WithContext(ctx)
	for _, path := range config.Sources.TailFiles {
		tailer := source.NewFileTailer(path, p, log.WithField("component", "tail"))
		g.Go(func() error {
			return tailer.Run(groupCtx)
		})
	}

	<-groupCtx.Done()
	log.Info("Log buffer shutting down")

	shutdownHttpServer()
	if groupErr := g.Wait(); groupErr != nil {
		err = multierror.Append(err, groupErr)
	}
	if taskManager.StopAll(taskStopTimeout) {
		log.Warnf("Background tasks did not stop within %s", taskStopTimeout)
	}

	log.Info("Log buffer draining")
	source.RemoveHook(log.StandardLogger(), hook)
	p.Shutdown(context.Background())
	log.Infof("Log buffer stopped with %d records unwritten", p.InFlight())
	return err
}

// OpenStore connects to the sink named in the configuration.
func OpenStore(config *configuration.LogBufferConfiguration, logger *log.Entry) (store.LogStore, error) {
	switch config.Sink.Type {
	case configuration.SinkTypeRedis:
		db := redis.NewUniversalClient(config.Sink.Redis.AsUniversalOptions())
		var expiry time.Duration
		if config.Retention.Enabled {
			expiry = config.Retention.Period
		}
		return store.NewRedisLogStore(db, config.Sink.Redis, expiry, logger), nil
	case configuration.SinkTypeSqlite:
		return store.OpenSqliteLogStore(config.Sink.Sqlite, logger)
	}
	return nil, errors.Errorf("unknown sink type %q", config.Sink.Type)
}

// Prune deletes every record older than the retention period from logStore.
func Prune(ctx context.Context, logStore store.LogStore, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention)
	start := time.Now()
	deleted, err := logStore.Prune(ctx, cutoff)
	if err != nil {
		return deleted, errors.WithMessagef(err, "error pruning records older than %s", cutoff.Format(time.RFC3339))
	}
	log.WithField("component", "retention").Infof("Pruned %d records older than %s in %dms",
		deleted, cutoff.Format(time.RFC3339), time.Since(start).Milliseconds())
	return deleted, nil
}
