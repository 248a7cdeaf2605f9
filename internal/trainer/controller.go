// Package trainer implements the training-loop controller: it owns the
// step and epoch counters, asks the schedule for the learning rate,
// decides when accumulated gradients apply, and triggers evaluation
// and checkpoints at their configured intervals.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jasonacox/jojo/internal/checkpoint"
	"github.com/jasonacox/jojo/internal/config"
	"github.com/jasonacox/jojo/internal/data"
	"github.com/jasonacox/jojo/internal/metrics"
	"github.com/jasonacox/jojo/internal/schedule"
)

// prefetchDepth bounds how many batches the producer may run ahead of
// the loop.
const prefetchDepth = 8

// Decision is the controller's answer to one ingested micro-batch.
// When Apply is set, the optimizer step runs at LR with every
// accumulated gradient multiplied by Scale. Scale folds together the
// accumulation average (1/accumulation_steps) and the clip rescale.
type Decision struct {
	Apply bool
	LR    float64
	Scale float64
}

// Controller drives one training run. It is not safe for concurrent
// use: one global step advances strictly sequentially.
type Controller struct {
	cfg       *config.Config
	sched     schedule.Schedule
	backend   Backend
	source    data.Source
	evaluator *Evaluator

	// Optional collaborators, set before Run.
	Store   *checkpoint.Store
	Sink    MetricSink
	Logger  *slog.Logger
	Tracker *metrics.Tracker

	runID         string
	state         State
	run           RunState
	stepsPerEpoch int
	totalSteps    int

	lastEvalLoss   float64
	lastEvalStep   int
	emergencySaved bool
	startTime      time.Time
	startStep      int
}

// NewController derives the run's step totals from the dataset size
// and wires up the schedule. The config must already be validated.
func NewController(cfg *config.Config, backend Backend, source data.Source) *Controller {
	accum := cfg.Training.GradAccumSteps
	stepsPerEpoch := source.BatchesPerEpoch(data.Train) / accum
	if stepsPerEpoch < 1 {
		stepsPerEpoch = 1
	}
	totalSteps := cfg.Training.MaxEpochs * stepsPerEpoch
	if cfg.Training.MaxSteps > 0 && cfg.Training.MaxSteps < totalSteps {
		totalSteps = cfg.Training.MaxSteps
	}

	c := &Controller{
		cfg:           cfg,
		sched:         schedule.New(cfg.Scheduler, cfg.Optimizer.LearningRate, totalSteps),
		backend:       backend,
		source:        source,
		evaluator:     NewEvaluator(backend, source, cfg.Training.EvalIters),
		runID:         uuid.NewString(),
		state:         StateWarmingUp,
		lastEvalStep:  -1,
		run:           NewRunState(),
		stepsPerEpoch: stepsPerEpoch,
		totalSteps:    totalSteps,
	}
	return c
}

func (c *Controller) State() State       { return c.state }
func (c *Controller) RunID() string      { return c.runID }
func (c *Controller) TotalSteps() int    { return c.totalSteps }
func (c *Controller) RunState() RunState { return c.run }

// CurrentLearningRate is the rate the schedule assigns to the step the
// controller is about to take.
func (c *Controller) CurrentLearningRate() float64 {
	return c.sched.RateFor(c.run.GlobalStep)
}

// OnMicroBatch ingests one micro-batch result and decides whether the
// optimizer update applies. A non-finite loss or gradient norm is a
// fatal divergence; no update is applied and the error must abort the
// run.
func (c *Controller) OnMicroBatch(loss, gradNorm float64) (Decision, error) {
	if !finite(loss) {
		return Decision{}, &DivergenceError{Step: c.run.GlobalStep, Quantity: "loss", Value: loss}
	}
	if !finite(gradNorm) {
		return Decision{}, &DivergenceError{Step: c.run.GlobalStep, Quantity: "gradient norm", Value: gradNorm}
	}

	accum := c.cfg.Training.GradAccumSteps
	if !ShouldApplyUpdate(c.run.MicroStep, accum) {
		c.run.MicroStep++
		return Decision{LR: c.CurrentLearningRate()}, nil
	}
	c.run.MicroStep = 0

	// gradNorm is the norm of the summed gradients; clipping targets
	// the averaged gradients the optimizer actually sees.
	avgNorm := gradNorm / float64(accum)
	scale := ClipScale(avgNorm, c.cfg.Optimizer.GradClip) / float64(accum)
	return Decision{
		Apply: true,
		LR:    c.CurrentLearningRate(),
		Scale: scale,
	}, nil
}

// EvalDue reports whether an evaluation is due at the current step.
// Evaluation always runs at step 0 and at the final step.
func (c *Controller) EvalDue() bool {
	step := c.run.GlobalStep
	return step == 0 || step == c.totalSteps || step%c.cfg.Training.EvalInterval == 0
}

// CheckpointDue reports whether an interval-triggered checkpoint is
// due at the current step.
func (c *Controller) CheckpointDue() bool {
	return c.cfg.Training.SaveCheckpoints &&
		ShouldCheckpoint(c.run.GlobalStep, c.cfg.Training.CheckpointInterval)
}

// Restore resumes a previous run from a snapshot.
func (c *Controller) Restore(snap *checkpoint.Snapshot) error {
	if err := c.backend.LoadState(snap.ModelState, snap.OptimizerState); err != nil {
		return fmt.Errorf("failed to restore backend state: %w", err)
	}
	c.runID = snap.RunID
	c.run.GlobalStep = snap.GlobalStep
	c.run.Epoch = snap.Epoch
	c.run.BestEvalLoss = snap.BestEvalLoss
	c.run.LastCheckpointStep = snap.LastCheckpointStep
	c.run.MicroStep = 0
	return nil
}

// Run executes the training loop until the step total is reached, the
// context is cancelled, or a fatal error occurs. Cancellation is
// observed only between accumulation groups so an optimizer update is
// never left half-applied.
func (c *Controller) Run(ctx context.Context) error {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Tracker == nil {
		c.Tracker = metrics.NewTracker()
	}
	c.startTime = time.Now()
	c.startStep = c.run.GlobalStep
	c.logSummary()

	prefetch := data.NewPrefetcher(c.source, data.Train, c.cfg.System.NumWorkers, prefetchDepth)
	prefetch.Start(ctx)
	defer prefetch.Stop()

	if c.run.GlobalStep == 0 {
		if err := c.runEval(ctx); err != nil {
			return c.abort(ctx, err)
		}
	}

	accum := c.cfg.Training.GradAccumSteps
	interrupted := false

loop:
	for c.run.GlobalStep < c.totalSteps {
		if ctx.Err() != nil {
			c.Logger.Info("cancellation observed between steps", "step", c.run.GlobalStep)
			interrupted = true
			break
		}

		c.state = StateTraining
		if c.run.GlobalStep < c.sched.WarmupEnd() {
			c.state = StateWarmingUp
		}

		var groupLoss float64
		applied := false
		for !applied {
			batch, err := prefetch.Next(ctx)
			if errors.Is(err, data.ErrExhausted) {
				if c.run.Epoch+1 >= c.cfg.Training.MaxEpochs {
					c.Logger.Info("dataset exhausted with no epochs remaining",
						"epoch", c.run.Epoch, "step", c.run.GlobalStep)
					break loop
				}
				c.run.Epoch++
				c.Logger.Info("starting epoch", "epoch", c.run.Epoch)
				prefetch.Restart(ctx)
				continue
			}
			if err != nil {
				if ctx.Err() != nil {
					interrupted = true
					break loop
				}
				return c.abort(ctx, fmt.Errorf("batch fetch failed: %w", err))
			}

			loss, gradNorm, err := c.backend.ForwardBackward(ctx, batch)
			if err != nil {
				return c.abort(ctx, fmt.Errorf("forward/backward failed: %w", err))
			}
			decision, err := c.OnMicroBatch(loss, gradNorm)
			if err != nil {
				return c.abort(ctx, err)
			}
			groupLoss += loss

			if decision.Apply {
				if err := c.backend.ApplyUpdate(ctx, decision.LR, decision.Scale); err != nil {
					return c.abort(ctx, fmt.Errorf("optimizer step failed: %w", err))
				}
				applied = true
			}
		}

		c.run.GlobalStep++
		avgLoss := groupLoss / float64(accum)
		c.Tracker.Log("train_loss", c.run.GlobalStep, avgLoss)

		if c.cfg.Training.LogInterval > 0 && c.run.GlobalStep%c.cfg.Training.LogInterval == 0 {
			c.logProgress(ctx, avgLoss)
		}
		if c.EvalDue() {
			if err := c.runEval(ctx); err != nil {
				if ctx.Err() != nil {
					interrupted = true
					break
				}
				return c.abort(ctx, err)
			}
		}
		if c.CheckpointDue() {
			c.saveCheckpoint(ctx, checkpoint.KindStep)
		}
	}

	return c.finish(ctx, interrupted)
}

// finish runs the final evaluation and checkpoint and closes the sink.
// Cancellation reached here counts as completion, not failure.
func (c *Controller) finish(ctx context.Context, interrupted bool) error {
	saveCtx := context.WithoutCancel(ctx)

	if !interrupted && c.lastEvalStep != c.run.GlobalStep {
		if err := c.runEval(saveCtx); err != nil {
			return c.abort(ctx, err)
		}
	}
	c.saveCheckpoint(saveCtx, checkpoint.KindFinal)

	c.state = StateCompleted
	c.Logger.Info("training completed",
		"steps", c.run.GlobalStep,
		"epochs", c.run.Epoch+1,
		"best_eval_loss", c.run.BestEvalLoss,
		"elapsed", time.Since(c.startTime).Round(time.Second))

	if c.Sink != nil {
		if err := c.Sink.Close(saveCtx, false); err != nil {
			c.Logger.Warn("failed to close tracking run", "error", err)
		}
	}
	return nil
}

// abort transitions to the terminal failure state, attempting one
// emergency checkpoint on the way out.
func (c *Controller) abort(ctx context.Context, cause error) error {
	c.state = StateAborted
	c.Logger.Error("training aborted", "step", c.run.GlobalStep, "error", cause)

	if !c.emergencySaved {
		c.emergencySaved = true
		c.saveCheckpoint(context.WithoutCancel(ctx), checkpoint.KindEmergency)
	}
	if c.Sink != nil {
		if err := c.Sink.Close(context.WithoutCancel(ctx), true); err != nil {
			c.Logger.Warn("failed to close tracking run", "error", err)
		}
	}
	return cause
}

func (c *Controller) runEval(ctx context.Context) error {
	c.state = StateEvaluating
	evalStart := time.Now()

	loss, err := c.evaluator.Evaluate(ctx)
	if err != nil {
		return fmt.Errorf("evaluation failed at step %d: %w", c.run.GlobalStep, err)
	}
	c.lastEvalLoss = loss
	c.lastEvalStep = c.run.GlobalStep
	c.Tracker.Log("val_loss", c.run.GlobalStep, loss)
	c.emitMetric(ctx, "val_loss", loss)

	c.Logger.Info("evaluation",
		"step", c.run.GlobalStep,
		"val_loss", loss,
		"elapsed", time.Since(evalStart).Round(time.Millisecond))

	if IsBest(loss, c.run.BestEvalLoss) {
		c.run.BestEvalLoss = loss
		c.Logger.Info("new best eval loss", "step", c.run.GlobalStep, "val_loss", loss)
		c.saveCheckpoint(ctx, checkpoint.KindBest)
	}
	return nil
}

// saveCheckpoint persists current state. Checkpoint IO failure is a
// warning; training continues.
func (c *Controller) saveCheckpoint(ctx context.Context, kind checkpoint.Kind) {
	if c.Store == nil || !c.cfg.Training.SaveCheckpoints {
		return
	}
	c.state = StateCheckpointing

	snap, err := c.snapshot()
	if err != nil {
		c.Logger.Warn("failed to assemble checkpoint", "kind", kind, "error", err)
		return
	}
	if err := c.Store.Save(ctx, snap, kind); err != nil {
		c.Logger.Warn("checkpoint not saved", "kind", kind, "step", c.run.GlobalStep, "error", err)
		return
	}
	if kind == checkpoint.KindStep || kind == checkpoint.KindFinal {
		c.run.LastCheckpointStep = c.run.GlobalStep
	}
	c.Logger.Info("checkpoint saved", "kind", kind, "step", c.run.GlobalStep)
}

func (c *Controller) snapshot() (*checkpoint.Snapshot, error) {
	modelState, err := c.backend.ModelState()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize model state: %w", err)
	}
	optState, err := c.backend.OptimizerState()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize optimizer state: %w", err)
	}
	return &checkpoint.Snapshot{
		RunID:              c.runID,
		GlobalStep:         c.run.GlobalStep,
		Epoch:              c.run.Epoch,
		BestEvalLoss:       c.run.BestEvalLoss,
		LastCheckpointStep: c.run.LastCheckpointStep,
		EvalLoss:           c.lastEvalLoss,
		ModelState:         modelState,
		OptimizerState:     optState,
		Config:             c.cfg,
		SavedAt:            time.Now().UTC(),
	}, nil
}

func (c *Controller) logProgress(ctx context.Context, loss float64) {
	step := c.run.GlobalStep
	lr := c.sched.RateFor(step)

	// Rate over steps taken this session; a resumed run must not count
	// the restored steps against this session's wall clock.
	sessionSteps := step - c.startStep
	if sessionSteps < 1 {
		return
	}
	elapsed := time.Since(c.startTime)
	perStep := elapsed / time.Duration(sessionSteps)
	eta := perStep * time.Duration(c.totalSteps-step)
	tokensPerSec := float64(c.cfg.TokensPerStep()) / perStep.Seconds()

	c.Tracker.Log("learning_rate", step, lr)
	c.Tracker.Log("tokens_per_sec", step, tokensPerSec)
	c.emitMetric(ctx, "train_loss", loss)
	c.emitMetric(ctx, "learning_rate", lr)

	c.Logger.Info("step",
		"step", step,
		"total", c.totalSteps,
		"epoch", c.run.Epoch,
		"loss", loss,
		"lr", lr,
		"tokens_per_sec", int(tokensPerSec),
		"eta", eta.Round(time.Second))
}

func (c *Controller) emitMetric(ctx context.Context, key string, value float64) {
	if c.Sink == nil {
		return
	}
	if err := c.Sink.LogMetric(ctx, key, value, c.run.GlobalStep); err != nil {
		c.Logger.Warn("failed to publish metric", "key", key, "error", err)
	}
}

func (c *Controller) logSummary() {
	t := c.cfg.Training
	c.Logger.Info("run configured",
		"run_id", c.runID,
		"dataset", c.cfg.Data.DatasetName,
		"max_epochs", t.MaxEpochs,
		"steps_per_epoch", c.stepsPerEpoch,
		"total_steps", c.totalSteps,
		"batch_size", t.BatchSize,
		"grad_accum_steps", t.GradAccumSteps,
		"effective_batch_size", t.EffectiveBatchSize(),
		"tokens_per_step", c.cfg.TokensPerStep(),
		"base_lr", c.cfg.Optimizer.LearningRate,
		"min_lr", c.cfg.Scheduler.MinLR,
		"warmup_end", c.sched.WarmupEnd(),
		"decay_end", c.sched.DecayEnd(),
		"device", c.cfg.System.Device,
		"dtype", c.cfg.System.Dtype)
}
