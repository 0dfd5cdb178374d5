// Package task runs a group of preemptable goroutines, such as the workers
// of a pipeline stage, under a shared Context.
package task

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Group is a group of tasks which run concurrently and are waited on
// together. The first task to return a non-nil error cancels the Context of
// the Group, and every task is expected to return upon that cancellation.
// A Group is not itself safe for concurrent use.
type Group struct {
	// Context of the Group, cancelled by a task error, by Cancel, or by the
	// parent Context.
	ctx    context.Context
	cancel context.CancelFunc

	tasks   []task
	eg      *errgroup.Group
	started bool
}

type task struct {
	desc string
	fn   func() error
}

// NewGroup returns an empty Group of the parent Context.
func NewGroup(ctx context.Context) *Group {
	ctx, cancel := context.WithCancel(ctx)
	eg, ctx := errgroup.WithContext(ctx)
	return &Group{ctx: ctx, cancel: cancel, eg: eg}
}

// Context of the Group.
func (g *Group) Context() context.Context { return g.ctx }

// Cancel the Group Context.
func (g *Group) Cancel() { g.cancel() }

// Queue |fn| for execution, described by |desc|. Queue panics if called
// after GoRun.
func (g *Group) Queue(desc string, fn func() error) {
	if g.started {
		panic("Queue called after GoRun")
	}
	g.tasks = append(g.tasks, task{desc: desc, fn: fn})
}

// GoRun starts all queued tasks. It panics if called more than once.
func (g *Group) GoRun() {
	if g.started {
		panic("GoRun already called")
	}
	g.started = true

	for i := range g.tasks {
		var t = g.tasks[i]

		g.eg.Go(func() error {
			var err = t.fn()
			log.WithFields(log.Fields{"task": t.desc, "err": err}).Debug("task exited")
			return errors.WithMessage(err, t.desc)
		})
	}
}

// Wait for all started tasks to return, and return the first non-nil error.
// Wait panics if GoRun has not been called.
func (g *Group) Wait() error {
	if !g.started {
		panic("Wait called before GoRun")
	}
	defer g.cancel()
	return g.eg.Wait()
}
