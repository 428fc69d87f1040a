package queue

import (
	"context"

	"runbox/internal/executor"
	"runbox/internal/metrics"
)

type Job struct {
	ID     string
	Unit   executor.SourceUnit
	Result chan executor.Outcome
	Ctx    context.Context
}

type Manager struct {
	jobQueue chan *Job
}

func NewManager(capacity int) *Manager {
	return &Manager{
		jobQueue: make(chan *Job, capacity),
	}
}

func (m *Manager) Submit(job *Job) {
	m.jobQueue <- job
	metrics.QueueDepth.Set(float64(len(m.jobQueue)))
}

func (m *Manager) NextJob() <-chan *Job {
	return m.jobQueue
}

func (m *Manager) UpdateQueueMetric() {
	metrics.QueueDepth.Set(float64(len(m.jobQueue)))
}
