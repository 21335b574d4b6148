// Package apply implements the Apply Worker: a single-threaded consumer
// that applies committed entries to the external state machine in order
// and signals wait_apply waiters.
package apply

import (
	"fmt"
	"log"

	"raftcore/internal/raft/context"
	raftlog "raftcore/internal/raft/log"
	"raftcore/internal/raft/statemachine"
)

// Worker drives the external state machine from the committed log.
type Worker struct {
	id    string
	ctx   *context.Context
	store raftlog.Store
	sm    statemachine.StateMachine

	done chan struct{}
}

// New constructs an apply worker for the given replica id, context, log
// store, and external state machine.
func New(id string, ctx *context.Context, store raftlog.Store, sm statemachine.StateMachine) *Worker {
	return &Worker{id: id, ctx: ctx, store: store, sm: sm, done: make(chan struct{})}
}

// Run applies committed entries in index order until the context is
// stopped. It is meant to be run in its own goroutine. An apply failure is
// fatal to the replica: Run returns, and the caller must shut the node
// down: an apply failure leaves the state machine out of sync and must
// not be silently ignored.
func (w *Worker) Run() error {
	defer close(w.done)

	applyIndex := w.ctx.ApplyIndex()
	for {
		commitIndex, ok := w.ctx.WaitForCommit(applyIndex)
		if !ok {
			log.Printf("[APPLY-%s] stopping", w.id)
			return nil
		}

		for i := applyIndex + 1; i <= commitIndex; i++ {
			entry, err := w.store.GetEntry(i)
			if err != nil {
				return fmt.Errorf("[APPLY-%s] read entry %d: %w", w.id, i, err)
			}
			if err := w.sm.Apply(entry); err != nil {
				return fmt.Errorf("[APPLY-%s] apply entry %d: %w", w.id, i, err)
			}
			applyIndex = i
			w.ctx.SetApplyIndex(applyIndex)
		}
	}
}

// Done is closed once Run has returned.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}
