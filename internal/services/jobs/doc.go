// Package jobs is the background job orchestration engine.
//
// The Manager exposes enqueue/get/cancel, admits at most one active job per
// resource class (extra requests are rejected synchronously, never queued),
// and owns a small fixed worker pool. Each accepted job runs to completion
// on one worker under a supervised runner that persists every state
// transition and publishes progress to the event bus.
//
// State machine per job: queued -> running -> {completed | failed}. Both
// terminal states are final. Cancellation is cooperative: Cancel cancels
// the job's context, and work functions observe it at their natural
// checkpoints (page boundaries, recipient boundaries).
package jobs
