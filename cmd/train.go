package cmd

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jasonacox/jojo/internal/checkpoint"
	"github.com/jasonacox/jojo/internal/config"
	"github.com/jasonacox/jojo/internal/data"
	"github.com/jasonacox/jojo/internal/sim"
	"github.com/jasonacox/jojo/internal/tracking"
	"github.com/jasonacox/jojo/internal/trainer"
)

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Run a training loop",
	Long: `Run the training loop described by the configuration: warmup and
cosine learning-rate decay, gradient accumulation, periodic evaluation
on the held-out split, and checkpointing.`,
	RunE: runTrain,
}

func init() {
	rootCmd.AddCommand(trainCmd)

	trainCmd.Flags().String("resume", "", "checkpoint to resume from")
	trainCmd.Flags().String("checkpoint-dir", "models", "directory for checkpoints")
}

func runTrain(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	source, err := buildSource(cfg, logger)
	if err != nil {
		return err
	}

	backend := sim.New(cfg.System.Seed)
	ctrl := trainer.NewController(cfg, backend, source)
	ctrl.Logger = logger

	if cfg.Training.SaveCheckpoints {
		dir, _ := cmd.Flags().GetString("checkpoint-dir")
		store, err := checkpoint.NewStore(filepath.Join(dir, cfg.Data.DatasetName), logger)
		if err != nil {
			return err
		}
		ctrl.Store = store
	}

	// Tracking failure should not block training.
	if sink, err := tracking.Open(ctx, cfg); err != nil {
		logger.Warn("experiment tracking unavailable", "error", err)
	} else if sink != nil {
		ctrl.Sink = sink
		logger.Info("tracking run started", "mlflow_run_id", sink.RunID())
	}

	if resume, _ := cmd.Flags().GetString("resume"); resume != "" {
		snap, err := checkpoint.Load(resume)
		if err != nil {
			return err
		}
		if err := ctrl.Restore(snap); err != nil {
			return err
		}
		logger.Info("resumed from checkpoint", "path", resume, "step", snap.GlobalStep)
	}

	return ctrl.Run(ctx)
}

// buildSource loads the tokenized caches for both splits, falling back
// to synthetic tokens when no cache exists so dry runs work out of the
// box.
func buildSource(cfg *config.Config, logger *slog.Logger) (*data.TokenSource, error) {
	source := data.NewTokenSource(cfg.Training.BatchSize, cfg.Model.BlockSize, cfg.System.Seed)

	for _, split := range []data.Split{data.Train, data.Val} {
		path := filepath.Join(cfg.Data.CacheDir, cfg.Data.DatasetName, string(split)+".bin")
		tokens, err := data.LoadTokens(path)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, err
			}
			tokens = syntheticTokens(cfg, split)
			logger.Warn("token cache missing, using synthetic tokens",
				"split", split, "path", path, "tokens", len(tokens))
		}
		source.SetSplit(split, tokens)
	}
	return source, nil
}

func syntheticTokens(cfg *config.Config, split data.Split) []int {
	n := cfg.Training.BatchSize * cfg.Model.BlockSize * 64
	if split == data.Val {
		n = cfg.Training.BatchSize * cfg.Model.BlockSize * 8
	}
	rng := rand.New(rand.NewSource(cfg.System.Seed))
	tokens := make([]int, n)
	for i := range tokens {
		tokens[i] = rng.Intn(cfg.Model.VocabSize)
	}
	return tokens
}
