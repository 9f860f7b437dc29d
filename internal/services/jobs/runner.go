package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"time"

	logx "msgdeck/pkg/logx"
)

// execute drives one job from pickup to terminal state. The resource lock
// and active-map entry are held for the whole run and released on exit, so
// the next same-class job can only be admitted after this one is terminal.
func (m *Manager) execute(ctx context.Context, aj *activeJob) {
	id := aj.rec.ID
	log := m.log.With(logx.String("job", id), logx.String("type", aj.class))

	defer func() {
		m.dropActive(id)
		m.locks.Release(aj.class, id)
	}()

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if aj.armContext(cancel) {
		// Cancelled while still queued: fail without running the work func.
		m.finish(ctx, aj, log, nil, Fail(KindCancelled, context.Canceled))
		return
	}

	aj.rec.State = StateRunning
	if err := m.store.MarkJobRunning(ctx, id); err != nil {
		log.Error("mark job running", logx.Err(err))
	}
	m.publish(EventRunning, aj.rec, "")
	log.Info("job started")

	progress := func(current, total int, message string) {
		aj.rec.ProgressCurrent = current
		aj.rec.ProgressTotal = total
		aj.rec.ProgressMessage = message
		if err := m.store.UpdateJobProgress(ctx, id, current, total, message); err != nil {
			log.Warn("persist job progress", logx.Err(err))
		}
		m.publish(EventProgress, aj.rec, "")
	}

	result, err := runSafe(jobCtx, aj.run, progress)
	m.finish(ctx, aj, log, result, err)
}

// runSafe converts a work-func panic into an error so one bad job never
// takes a worker down.
func runSafe(ctx context.Context, run WorkFunc, progress ProgressFunc) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v\n%s", r, debug.Stack())
		}
	}()
	return run(ctx, progress)
}

// finish persists the terminal state and publishes the matching event.
// Persistence runs detached from the job and worker contexts so a
// cancelled job still gets its terminal record written.
func (m *Manager) finish(ctx context.Context, aj *activeJob, log logx.Logger, result any, err error) {
	ctx = context.WithoutCancel(ctx)
	id := aj.rec.ID
	now := time.Now()

	if err != nil {
		kind := Classify(err)
		aj.rec.State = StateFailed
		aj.rec.ErrorKind = string(kind)
		aj.rec.ErrorMessage = err.Error()
		if ferr := m.store.FinishJob(ctx, id, StateFailed, "", string(kind), err.Error(), now); ferr != nil {
			log.Error("persist failed job", logx.Err(ferr))
		}
		m.publish(EventFailed, aj.rec, err.Error())
		log.Warn("job failed", logx.String("kind", string(kind)), logx.Err(err))
		return
	}

	resultJSON := ""
	if result != nil {
		b, merr := json.Marshal(result)
		if merr != nil {
			log.Error("encode job result", logx.Err(merr))
		} else {
			resultJSON = string(b)
		}
	}
	aj.rec.State = StateCompleted
	aj.rec.ResultJSON = resultJSON
	if ferr := m.store.FinishJob(ctx, id, StateCompleted, resultJSON, "", "", now); ferr != nil {
		log.Error("persist completed job", logx.Err(ferr))
	}
	m.publish(EventCompleted, aj.rec, "")
	log.Info("job completed")
}
