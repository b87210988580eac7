// Package service keeps the worker's row in the service registry alive.
package service

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"bastion/metrics"
	"bastion/storage"

	"go.uber.org/zap"
)

// Reporter registers this worker process in the service registry and
// periodically reports liveness by bumping the row's report count. The
// registry row is what the orchestration layer consults to decide whether a
// worker may be assigned operations.
type Reporter struct {
	store  *storage.SQLiteServiceStorage
	logger *zap.SugaredLogger

	host     string
	binary   string
	topic    string
	interval time.Duration

	mu      sync.Mutex
	svc     *storage.Service
	started bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewReporter creates a heartbeat reporter for this process.
func NewReporter(store *storage.SQLiteServiceStorage, logger *zap.SugaredLogger, host, binary, topic string, interval time.Duration) *Reporter {
	return &Reporter{
		store:    store,
		logger:   logger,
		host:     host,
		binary:   binary,
		topic:    topic,
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start registers the service row (re-adopting an existing one for this
// host/binary pair after a restart) and launches the heartbeat loop.
func (r *Reporter) Start() error {
	rctx := storage.AdminContext()

	svc, err := r.store.GetServiceByArgs(rctx, r.host, r.binary)
	if errors.Is(err, storage.ErrHostBinaryNotFound) {
		svc, err = r.store.CreateService(rctx, &storage.Service{
			Host:   r.host,
			Binary: r.binary,
			Topic:  r.topic,
		})
	}
	if err != nil {
		return fmt.Errorf("failed to register service: %w", err)
	}

	r.mu.Lock()
	r.svc = svc
	r.started = true
	r.mu.Unlock()

	r.logger.Infof("Service %d registered (%s on %s), reporting every %s", svc.ID, r.binary, r.host, r.interval)

	go r.run()
	return nil
}

func (r *Reporter) run() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			if err := r.reportState(); err != nil {
				metrics.ServiceHeartbeatFailures.Inc()
				r.logger.Warnf("Heartbeat report failed: %v", err)
			} else {
				metrics.ServiceHeartbeats.Inc()
			}
		}
	}
}

// reportState bumps the registry row's report count. If the row vanished
// (an operator decommissioned it while the process kept running), it is
// re-created so liveness tracking resumes.
func (r *Reporter) reportState() error {
	rctx := storage.AdminContext()

	r.mu.Lock()
	svc := r.svc
	r.mu.Unlock()
	if svc == nil {
		return errors.New("reporter not started")
	}

	updated, err := r.store.UpdateService(rctx, svc.ID, map[string]any{
		"report_count": svc.ReportCount + 1,
	})
	if errors.Is(err, storage.ErrServiceNotFound) {
		r.logger.Warnf("Service %d disappeared from the registry, re-registering", svc.ID)
		updated, err = r.store.CreateService(rctx, &storage.Service{
			Host:   r.host,
			Binary: r.binary,
			Topic:  r.topic,
		})
	}
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.svc = updated
	r.mu.Unlock()
	return nil
}

// Service returns the current registry row, or nil before Start.
func (r *Reporter) Service() *storage.Service {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.svc
}

// Stop halts the heartbeat loop. The registry row is left in place so a
// restart can re-adopt it. Safe to call when Start never ran or failed
// before launching the loop.
func (r *Reporter) Stop() {
	r.mu.Lock()
	select {
	case <-r.stopCh:
		// Already stopped.
	default:
		close(r.stopCh)
	}
	started := r.started
	r.mu.Unlock()

	if started {
		<-r.doneCh
	}
}

// Decommission stops the loop and hard-deletes the registry row.
func (r *Reporter) Decommission() error {
	r.Stop()

	r.mu.Lock()
	svc := r.svc
	r.svc = nil
	r.mu.Unlock()
	if svc == nil {
		return nil
	}
	return r.store.DeleteService(storage.AdminContext(), svc.ID)
}
