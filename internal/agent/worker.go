// File: internal/agent/worker.go
package agent

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/internal/browser"
)

// PageJob is work that needs the browser. It runs on the worker goroutine.
type PageJob func(ctx context.Context, session browser.Session) error

type pageRequest struct {
	ctx    context.Context
	job    PageJob
	result chan error
}

// PageWorker owns the browser session. All page interaction is funneled
// through Do so exactly one goroutine ever touches the session.
type PageWorker struct {
	session browser.Session
	jobs    chan pageRequest
	done    chan struct{}
	logger  *zap.Logger
}

// NewPageWorker wraps a session. Call Run to start serving jobs.
func NewPageWorker(session browser.Session, logger *zap.Logger) *PageWorker {
	return &PageWorker{
		session: session,
		jobs:    make(chan pageRequest),
		done:    make(chan struct{}),
		logger:  logger.Named("page_worker"),
	}
}

// Run serves jobs until ctx is cancelled. It does not close the session.
func (w *PageWorker) Run(ctx context.Context) {
	defer close(w.done)
	w.logger.Debug("Page worker started")
	for {
		select {
		case <-ctx.Done():
			w.logger.Debug("Page worker stopping")
			return
		case req := <-w.jobs:
			req.result <- w.execute(req)
		}
	}
}

func (w *PageWorker) execute(req pageRequest) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Recovered panic in page job", zap.Any("panic", r))
			err = fmt.Errorf("page job panicked: %v", r)
		}
	}()
	if err := req.ctx.Err(); err != nil {
		return err
	}
	return req.job(req.ctx, w.session)
}

// Do runs job on the worker and waits for it to finish. Once the worker has
// accepted the job, Do always waits for its result; the job sees ctx and is
// expected to return promptly when it is cancelled.
func (w *PageWorker) Do(ctx context.Context, job PageJob) error {
	req := pageRequest{ctx: ctx, job: job, result: make(chan error, 1)}
	select {
	case w.jobs <- req:
	case <-w.done:
		return ErrWorkerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-req.result
}

// NewPage opens a tab and makes it current.
func (w *PageWorker) NewPage(ctx context.Context) error {
	return w.Do(ctx, func(ctx context.Context, s browser.Session) error {
		return s.NewPage(ctx)
	})
}
