// ============================================================================
// linescout Worker - Stats Fetch Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Runs one stats fetch at a time, each Worker in its own goroutine
//
// How it works:
//   1. Receive task from taskCh (blocking wait, or exit on stopCh)
//   2. Call FetchFunc under a per-task timeout derived from the pool context
//   3. Send result to resultCh (blocking, or exit on stopCh)
//
// Error Handling:
//   - Timeout: context.DeadlineExceeded wrapped in Result.Err
//   - A panicking FetchFunc is recovered and reported as an error result
//
// ============================================================================

package worker

import (
	"context"
	"fmt"
	"time"
)

// Worker represents a fetch execution unit
type Worker struct {
	id       int
	fetch    FetchFunc
	taskCh   <-chan Task
	resultCh chan<- Result
	stopCh   <-chan struct{}
	baseCtx  context.Context
}

func newWorker(id int, fetch FetchFunc, taskCh <-chan Task, resultCh chan<- Result, stopCh <-chan struct{}, baseCtx context.Context) *Worker {
	return &Worker{
		id:       id,
		fetch:    fetch,
		taskCh:   taskCh,
		resultCh: resultCh,
		stopCh:   stopCh,
		baseCtx:  baseCtx,
	}
}

// Run is the main loop of Worker
func (w *Worker) Run() {
	for {
		var task Task
		select {
		case <-w.stopCh:
			return
		case task = <-w.taskCh:
		}

		result := w.execute(task)

		// Results are never dropped while the pool is running
		select {
		case w.resultCh <- result:
		case <-w.stopCh:
			return
		}
	}
}

func (w *Worker) execute(task Task) (result Result) {
	start := time.Now()
	result = Result{Key: task.Key, Generation: task.Generation}

	ctx := w.baseCtx
	if task.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			result.Err = fmt.Errorf("worker %d: fetch panicked: %v", w.id, r)
		}
		result.Duration = time.Since(start)
	}()

	result.Stats, result.Err = w.fetch(ctx, task.Key, task.Settings)
	return result
}
