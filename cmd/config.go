package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/jasonacox/jojo/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the resolved configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the resolved configuration as YAML",
	RunE:  runConfigShow,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration and exit",
	RunE:  runConfigValidate,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configValidateCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	if err := enc.Encode(viperSettings(cfg)); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return enc.Close()
}

// viperSettings renders the config with the option names the file
// format uses.
func viperSettings(cfg *config.Config) map[string]any {
	return map[string]any{
		"model": map[string]any{
			"n_layer": cfg.Model.NLayer, "n_head": cfg.Model.NHead,
			"n_embd": cfg.Model.NEmbd, "block_size": cfg.Model.BlockSize,
			"dropout": cfg.Model.Dropout, "bias": cfg.Model.Bias,
			"vocab_size": cfg.Model.VocabSize,
		},
		"optimizer": map[string]any{
			"learning_rate": cfg.Optimizer.LearningRate,
			"weight_decay":  cfg.Optimizer.WeightDecay,
			"beta1":         cfg.Optimizer.Beta1, "beta2": cfg.Optimizer.Beta2,
			"grad_clip": cfg.Optimizer.GradClip,
		},
		"scheduler": map[string]any{
			"decay_lr":          cfg.Scheduler.DecayLR,
			"warmup_iters":      cfg.Scheduler.WarmupIters,
			"lr_decay_iters":    cfg.Scheduler.LRDecayIters,
			"min_lr":            cfg.Scheduler.MinLR,
			"warmup_fraction":   cfg.Scheduler.WarmupFraction,
			"cooldown_fraction": cfg.Scheduler.CooldownFraction,
		},
		"training": map[string]any{
			"max_epochs":                  cfg.Training.MaxEpochs,
			"batch_size":                  cfg.Training.BatchSize,
			"gradient_accumulation_steps": cfg.Training.GradAccumSteps,
			"max_steps":           cfg.Training.MaxSteps,
			"eval_iters":          cfg.Training.EvalIters,
			"eval_interval":       cfg.Training.EvalInterval,
			"log_interval":        cfg.Training.LogInterval,
			"save_checkpoints":    cfg.Training.SaveCheckpoints,
			"checkpoint_interval": cfg.Training.CheckpointInterval,
			"compile_model":       cfg.Training.CompileModel,
		},
		"system": map[string]any{
			"device": cfg.System.Device, "dtype": cfg.System.Dtype,
			"seed": cfg.System.Seed, "num_workers": cfg.System.NumWorkers,
			"pin_memory": cfg.System.PinMemory,
		},
		"data": map[string]any{
			"dataset_name":    cfg.Data.DatasetName,
			"data_dir":        cfg.Data.DataDir,
			"cache_tokenized": cfg.Data.CacheTokenized,
			"cache_dir":       cfg.Data.CacheDir,
		},
		"tracking": map[string]any{
			"tracking_uri":  cfg.Tracking.TrackingURI,
			"experiment_id": cfg.Tracking.ExperimentID,
			"run_name":      cfg.Tracking.RunName,
		},
	}
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	if _, err := config.Load(viper.GetViper()); err != nil {
		return err
	}
	fmt.Println("configuration is valid")
	return nil
}
