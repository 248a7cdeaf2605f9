package tracking

import (
	"context"
	"fmt"
	"strconv"

	"github.com/jasonacox/jojo/internal/config"
)

// Sink ties one training run to one MLflow run. It satisfies the
// trainer's MetricSink interface.
type Sink struct {
	client *Client
	runID  string
}

// Open creates the tracking run. Returns (nil, nil) when tracking is
// not configured, so callers can pass the sink straight through.
func Open(ctx context.Context, cfg *config.Config) (*Sink, error) {
	if cfg.Tracking.TrackingURI == "" {
		return nil, nil
	}
	client, err := NewClient(cfg.Tracking)
	if err != nil {
		return nil, err
	}

	runID, err := client.CreateRun(ctx, cfg.Tracking.RunName, map[string]string{
		"dataset": cfg.Data.DatasetName,
	})
	if err != nil {
		return nil, err
	}

	sink := &Sink{client: client, runID: runID}
	if err := sink.logParams(ctx, cfg); err != nil {
		return nil, err
	}
	return sink, nil
}

// logParams records the hyperparameters that shape the run.
func (s *Sink) logParams(ctx context.Context, cfg *config.Config) error {
	params := map[string]string{
		"n_layer":                     strconv.Itoa(cfg.Model.NLayer),
		"n_head":                      strconv.Itoa(cfg.Model.NHead),
		"n_embd":                      strconv.Itoa(cfg.Model.NEmbd),
		"block_size":                  strconv.Itoa(cfg.Model.BlockSize),
		"learning_rate":               fmt.Sprintf("%g", cfg.Optimizer.LearningRate),
		"min_lr":                      fmt.Sprintf("%g", cfg.Scheduler.MinLR),
		"warmup_iters":                strconv.Itoa(cfg.Scheduler.WarmupIters),
		"lr_decay_iters":              strconv.Itoa(cfg.Scheduler.LRDecayIters),
		"batch_size":                  strconv.Itoa(cfg.Training.BatchSize),
		"gradient_accumulation_steps": strconv.Itoa(cfg.Training.GradAccumSteps),
		"max_epochs":                  strconv.Itoa(cfg.Training.MaxEpochs),
		"grad_clip":                   fmt.Sprintf("%g", cfg.Optimizer.GradClip),
	}
	for key, value := range params {
		if err := s.client.LogParam(ctx, s.runID, key, value); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sink) RunID() string { return s.runID }

func (s *Sink) LogMetric(ctx context.Context, key string, value float64, step int) error {
	return s.client.LogMetric(ctx, s.runID, key, value, int64(step))
}

func (s *Sink) Close(ctx context.Context, failed bool) error {
	return s.client.EndRun(ctx, s.runID, failed)
}
