package worker

import (
	"context"

	"github.com/rs/zerolog"

	"runbox/internal/executor"
	"runbox/internal/metrics"
	"runbox/internal/queue"
)

type Worker struct {
	id       int
	executor *executor.Executor
	manager  *queue.Manager
	logger   *zerolog.Logger
}

func NewWorker(id int, exec *executor.Executor, manager *queue.Manager, logger *zerolog.Logger) *Worker {
	return &Worker{
		id:       id,
		executor: exec,
		manager:  manager,
		logger:   logger,
	}
}

func (w *Worker) Start(ctx context.Context) {
	w.logger.Info().Int("worker_id", w.id).Msg("worker started")
	for {
		select {
		case job := <-w.manager.NextJob():
			w.manager.UpdateQueueMetric()
			metrics.ActiveWorkers.Inc()
			w.processJob(job)
			metrics.ActiveWorkers.Dec()
		case <-ctx.Done():
			w.logger.Info().Int("worker_id", w.id).Msg("worker stopping")
			return
		}
	}
}

func (w *Worker) processJob(job *queue.Job) {
	w.logger.Info().
		Int("worker_id", w.id).
		Str("job_id", job.ID).
		Str("language", job.Unit.Language).
		Msg("processing job")

	out := w.executor.Run(job.Ctx, job.Unit)

	w.logger.Info().
		Int("worker_id", w.id).
		Str("job_id", job.ID).
		Str("status", string(out.Classification)).
		Int64("duration_ms", out.DurationMs).
		Msg("job finished")

	// Result channel is buffered by the submitter, so this never blocks
	// even if the requester has already gone away.
	job.Result <- out
}
