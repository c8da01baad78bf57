// Package orchestrator drives one worker run per task, from the Pending
// record to its terminal status.
//
// Each run has two goroutines. The executor waits for a worker slot,
// launches the worker and turns its output into patches. The relay owns
// all state writes for the task: it persists every patch and only then
// publishes the resulting event, so a poller is never behind a push
// observer.
//
//	StartTask → Pending ─executor─▶ patches ─relay─▶ store.UpdateTask ─▶ hub.Publish
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/tutu-network/ocrd/internal/app/files"
	"github.com/tutu-network/ocrd/internal/app/notify"
	"github.com/tutu-network/ocrd/internal/app/progress"
	"github.com/tutu-network/ocrd/internal/domain"
	"github.com/tutu-network/ocrd/internal/infra/engine"
	"github.com/tutu-network/ocrd/internal/infra/metrics"
)

// DefaultPrompt is sent to the worker when the caller gives none.
const DefaultPrompt = "<image>\nFree OCR."

// Config controls task execution.
type Config struct {
	ResultsDir    string
	MaxConcurrent int // workers running at once; <= 0 means unlimited
	DefaultPrompt string
	Stages        []progress.Stage
	Worker        WorkerConfig
}

// Failure reasons, used as metric labels.
const (
	reasonLaunch   = "launch"
	reasonExit     = "exit"
	reasonOutput   = "output"
	reasonInternal = "internal"
	reasonStore    = "store"

	reasonInterrupted = "interrupted"
)

// Orchestrator accepts tasks and runs them asynchronously.
type Orchestrator struct {
	cfg        Config
	store      domain.TaskStore
	hub        *notify.Hub
	runner     engine.Runner
	classifier *progress.Classifier
	log        *log.Entry

	slots chan struct{}
	wg    sync.WaitGroup
}

// New wires an orchestrator.
func New(cfg Config, store domain.TaskStore, hub *notify.Hub, runner engine.Runner) *Orchestrator {
	if cfg.DefaultPrompt == "" {
		cfg.DefaultPrompt = DefaultPrompt
	}
	o := &Orchestrator{
		cfg:        cfg,
		store:      store,
		hub:        hub,
		runner:     runner,
		classifier: progress.NewClassifier(cfg.Stages),
		log:        log.WithField("component", "orchestrator"),
	}
	if cfg.MaxConcurrent > 0 {
		o.slots = make(chan struct{}, cfg.MaxConcurrent)
	}
	return o
}

// ─── Collaborator API ───────────────────────────────────────────────────────

// StartTask validates the input, records a Pending task with its own result
// directory and starts the run in the background. Invalid input is rejected
// with an *domain.InputError and no task is created.
//
// ctx bounds only this call. The run keeps its values but not its
// cancellation, so a finished request never aborts a worker launch.
func (o *Orchestrator) StartTask(ctx context.Context, inputPath, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	abs, err := filepath.Abs(inputPath)
	if err != nil {
		return "", &domain.InputError{Path: inputPath, Err: err}
	}
	info, err := os.Stat(abs)
	if err != nil || info.IsDir() {
		return "", &domain.InputError{Path: inputPath, Err: domain.ErrInputMissing}
	}
	ft, err := files.DetectFileType(abs)
	if err != nil {
		return "", &domain.InputError{Path: inputPath, Err: err}
	}
	if prompt == "" {
		prompt = o.cfg.DefaultPrompt
	}

	id := uuid.NewString()
	dir, err := files.CreateResultDir(o.cfg.ResultsDir, "ocr_task_"+shortID(id))
	if err != nil {
		return "", fmt.Errorf("allocate result directory: %w", err)
	}

	now := time.Now()
	task := domain.Task{
		ID:              id,
		Status:          domain.TaskPending,
		ResultDirectory: dir,
		InputPath:       abs,
		FileType:        ft,
		Prompt:          prompt,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := o.store.CreateTask(task); err != nil {
		os.Remove(dir)
		return "", fmt.Errorf("create task: %w", err)
	}

	metrics.TasksStarted.WithLabelValues(string(ft)).Inc()
	o.log.WithField("task-id", shortID(id)).Infof("Task accepted: %s (%s)", filepath.Base(abs), ft)

	o.wg.Add(1)
	go o.run(context.WithoutCancel(ctx), task)
	return id, nil
}

// GetState returns the persisted record of a task.
func (o *Orchestrator) GetState(taskID string) (*domain.Task, error) {
	return o.store.GetTask(taskID)
}

// ListTasks returns recent tasks, newest first.
func (o *Orchestrator) ListTasks(limit int) ([]domain.Task, error) {
	return o.store.ListTasks(limit)
}

// Subscribe attaches a push observer to a task. Events already published
// are not replayed; callers read GetState after subscribing to catch up.
func (o *Orchestrator) Subscribe(taskID string) *notify.Subscription {
	return o.hub.Subscribe(taskID)
}

// interruptedScan bounds how many records FailInterrupted inspects.
const interruptedScan = 10000

// FailInterrupted marks tasks left Pending or Running by a previous process
// as Failed. Call it once at startup, before accepting new tasks.
func (o *Orchestrator) FailInterrupted() (int, error) {
	tasks, err := o.store.ListTasks(interruptedScan)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, t := range tasks {
		if t.IsTerminal() {
			continue
		}
		if _, err := o.store.UpdateTask(t.ID, domain.FailedPatch("interrupted: daemon restarted before the worker finished")); err != nil {
			o.log.WithField("task-id", shortID(t.ID)).Warnf("Failed to mark interrupted task: %v", err)
			continue
		}
		metrics.TasksFailed.WithLabelValues(string(t.FileType), reasonInterrupted).Inc()
		n++
	}
	return n, nil
}

// Wait blocks until every accepted task has reached a terminal status.
func (o *Orchestrator) Wait() { o.wg.Wait() }

// Shutdown waits for in-flight tasks until ctx ends.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("tasks still running: %w", ctx.Err())
	}
}

// ─── Run ────────────────────────────────────────────────────────────────────

// update is one patch on its way to the relay. If ack is set the relay
// reports the store result on it before publishing.
type update struct {
	patch  domain.TaskPatch
	reason string
	ack    chan error
}

func (o *Orchestrator) run(ctx context.Context, task domain.Task) {
	defer o.wg.Done()
	logger := o.log.WithField("task-id", shortID(task.ID))

	updates := make(chan update, 16)
	relayDone := make(chan struct{})
	go o.relay(task, updates, relayDone, logger)

	func() {
		defer close(updates)
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("Task run panicked: %v", r)
				updates <- update{patch: domain.FailedPatch(fmt.Sprintf("internal error: %v", r)), reason: reasonInternal}
			}
		}()
		o.execute(ctx, task, updates, logger)
	}()

	<-relayDone
}

// execute performs the run and emits its patches. The last patch it sends
// is always terminal.
func (o *Orchestrator) execute(ctx context.Context, task domain.Task, out chan<- update, logger *log.Entry) {
	cmd, err := o.cfg.Worker.buildCommand(task)
	if err != nil {
		out <- update{patch: domain.FailedPatch(fmt.Sprintf("prepare worker: %v", err)), reason: reasonInternal}
		return
	}

	release := o.acquire()
	defer release()

	ack := make(chan error, 1)
	out <- update{patch: domain.RunningPatch(task.ResultDirectory), ack: ack}
	if err := <-ack; err != nil {
		out <- update{patch: domain.FailedPatch(fmt.Sprintf("record running state: %v", err)), reason: reasonInternal}
		return
	}

	logger.Infof("Launching worker: %s", cmd)
	proc, err := o.runner.Start(ctx, cmd)
	if err != nil {
		logger.Warnf("Worker launch failed: %v", err)
		out <- update{patch: domain.FailedPatch(err.Error()), reason: reasonLaunch}
		return
	}

	tracker := progress.NewTracker(o.classifier, 0)
	for line := range proc.Lines() {
		metrics.WorkerLines.Inc()
		logger.Debugf("worker: %s", line)
		if pct, moved := tracker.Observe(line); moved {
			out <- update{patch: domain.ProgressPatch(pct)}
		}
	}

	if err := proc.Wait(); err != nil {
		out <- update{patch: domain.FailedPatch(exitMessage(err)), reason: reasonExit}
		return
	}

	outputs, err := files.ListResultFiles(task.ResultDirectory)
	if err != nil {
		out <- update{patch: domain.FailedPatch(fmt.Sprintf("enumerate output files: %v", err)), reason: reasonOutput}
		return
	}
	out <- update{patch: domain.FinishedPatch(outputs)}
}

// relay persists each update and publishes the stored result. Subscribers
// are released when it returns, whether or not a terminal status was stored.
func (o *Orchestrator) relay(task domain.Task, in <-chan update, done chan<- struct{}, logger *log.Entry) {
	defer close(done)
	defer o.hub.Unsubscribe(task.ID)
	startedAt := task.CreatedAt
	running, terminal := false, false
	defer func() {
		if running && !terminal {
			metrics.TasksActive.Dec()
		}
	}()

	for u := range in {
		if terminal {
			logger.Warn("Dropping update after terminal status")
			if u.ack != nil {
				u.ack <- domain.ErrInvalidTransition
			}
			continue
		}

		t, err := o.persist(task.ID, u.patch)
		if u.ack != nil {
			u.ack <- err
		}
		if err != nil && u.patch.Terminal() {
			t, u, err = o.persistTerminal(task.ID, u, err, logger)
		}
		if err != nil {
			if u.patch.Terminal() {
				logger.Errorf("Giving up on recording terminal status: %v", err)
			} else {
				logger.Warnf("Failed to record update: %v", err)
			}
			continue
		}

		if u.patch.Status != nil && *u.patch.Status == domain.TaskRunning {
			startedAt, running = t.UpdatedAt, true
			metrics.TasksActive.Inc()
		}

		o.hub.Publish(task.ID, eventFor(t, u.patch))

		if t.IsTerminal() {
			terminal = true
			o.finish(task, t, startedAt, running, u.reason, logger)
		}
	}
}

// persistTerminal retries a terminal write that failed once. A Finished
// outcome that still cannot be stored is downgraded to Failed so the record
// leaves Running. It returns the update that was finally stored.
func (o *Orchestrator) persistTerminal(id string, u update, cause error, logger *log.Entry) (domain.Task, update, error) {
	logger.Warnf("Failed to record terminal status, retrying: %v", cause)
	t, err := o.persist(id, u.patch)
	if err == nil {
		return t, u, nil
	}
	if *u.patch.Status == domain.TaskFailed {
		return domain.Task{}, u, err
	}

	u = update{patch: domain.FailedPatch("record final status: " + err.Error()), reason: reasonStore}
	t, err = o.persist(id, u.patch)
	return t, u, err
}

// persist writes one patch, converting a panicking store into an error.
func (o *Orchestrator) persist(id string, p domain.TaskPatch) (t domain.Task, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("store panic: %v", r)
		}
	}()
	return o.store.UpdateTask(id, p)
}

// finish releases the task's subscribers and records the outcome.
func (o *Orchestrator) finish(task, final domain.Task, startedAt time.Time, ran bool, reason string, logger *log.Entry) {
	o.hub.Unsubscribe(task.ID)

	ft := string(task.FileType)
	if ran {
		metrics.TasksActive.Dec()
	}
	metrics.TaskDuration.WithLabelValues(ft, string(final.Status)).Observe(time.Since(startedAt).Seconds())

	switch final.Status {
	case domain.TaskFinished:
		metrics.TasksFinished.WithLabelValues(ft).Inc()
		logger.Infof("Task finished with %d output files", len(final.OutputFiles))
	case domain.TaskFailed:
		if reason == "" {
			reason = reasonInternal
		}
		metrics.TasksFailed.WithLabelValues(ft, reason).Inc()
		logger.Warnf("Task failed: %s", final.ErrorMessage)
	}
}

// acquire blocks until a worker slot is free and returns its release func.
func (o *Orchestrator) acquire() func() {
	if o.slots == nil {
		return func() {}
	}
	metrics.TasksWaiting.Inc()
	o.slots <- struct{}{}
	metrics.TasksWaiting.Dec()
	return func() { <-o.slots }
}

// eventFor builds the push message for a stored update: progress updates
// carry only the id and progress, status changes add the status and result
// directory, terminal events carry the whole final record.
func eventFor(t domain.Task, p domain.TaskPatch) notify.Event {
	if t.IsTerminal() {
		return notify.EventFromTask(t)
	}
	ev := notify.Event{TaskID: t.ID, Progress: t.Progress}
	if p.Status != nil {
		ev.Status = t.Status
		ev.ResultDirectory = t.ResultDirectory
	}
	return ev
}

// exitMessage renders a worker failure for the task record.
func exitMessage(err error) string {
	var ee *engine.ExitError
	if errors.As(err, &ee) {
		msg := "worker exited abnormally"
		if ee.Code >= 0 {
			msg = fmt.Sprintf("worker exited with code %d", ee.Code)
		}
		if tail := engine.LastLines(ee.Output, 5); tail != "" {
			msg += ": " + tail
		}
		return msg
	}
	return fmt.Sprintf("worker failed: %v", err)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
