package config

import (
	"fmt"
	"math"
	"strings"

	"github.com/spf13/viper"
)

// Valid configuration values
var (
	validDtypes = map[string]bool{
		"float32": true, "bfloat16": true, "float16": true,
	}
	validDevicePrefixes = []string{
		"cpu", "cuda", "mps",
	}
)

// Model holds architecture hyperparameters. The core never interprets
// these; they are handed opaquely to the model constructor.
type Model struct {
	NLayer    int     `mapstructure:"n_layer"`
	NHead     int     `mapstructure:"n_head"`
	NEmbd     int     `mapstructure:"n_embd"`
	BlockSize int     `mapstructure:"block_size"`
	Dropout   float64 `mapstructure:"dropout"`
	Bias      bool    `mapstructure:"bias"`
	VocabSize int     `mapstructure:"vocab_size"`
}

// Optimizer holds AdamW hyperparameters. GradClip of 0 disables
// gradient clipping.
type Optimizer struct {
	LearningRate float64 `mapstructure:"learning_rate"`
	WeightDecay  float64 `mapstructure:"weight_decay"`
	Beta1        float64 `mapstructure:"beta1"`
	Beta2        float64 `mapstructure:"beta2"`
	GradClip     float64 `mapstructure:"grad_clip"`
}

// Scheduler holds learning-rate schedule parameters. Two
// parameterizations are accepted: absolute step counts (WarmupIters,
// LRDecayIters) and fractions of the total step count (WarmupFraction,
// CooldownFraction). Absolute counts win for the warmup boundary; a
// nonzero cooldown fraction adds a trailing linear segment.
type Scheduler struct {
	DecayLR          bool    `mapstructure:"decay_lr"`
	WarmupIters      int     `mapstructure:"warmup_iters"`
	LRDecayIters     int     `mapstructure:"lr_decay_iters"`
	MinLR            float64 `mapstructure:"min_lr"`
	WarmupFraction   float64 `mapstructure:"warmup_fraction"`
	CooldownFraction float64 `mapstructure:"cooldown_fraction"`
}

// Training holds loop cadence and batching parameters.
type Training struct {
	MaxEpochs          int  `mapstructure:"max_epochs"`
	BatchSize          int  `mapstructure:"batch_size"`
	GradAccumSteps     int  `mapstructure:"gradient_accumulation_steps"`
	MaxSteps           int  `mapstructure:"max_steps"`
	EvalIters          int  `mapstructure:"eval_iters"`
	EvalInterval       int  `mapstructure:"eval_interval"`
	LogInterval        int  `mapstructure:"log_interval"`
	SaveCheckpoints    bool `mapstructure:"save_checkpoints"`
	CheckpointInterval int  `mapstructure:"checkpoint_interval"`
	CompileModel       bool `mapstructure:"compile_model"`
}

// System holds backend/runtime selection, opaque to the core.
type System struct {
	Device     string `mapstructure:"device"`
	Dtype      string `mapstructure:"dtype"`
	Seed       int64  `mapstructure:"seed"`
	NumWorkers int    `mapstructure:"num_workers"`
	PinMemory  bool   `mapstructure:"pin_memory"`
}

// Data identifies the dataset handled by the data-loading collaborator.
type Data struct {
	DatasetName    string `mapstructure:"dataset_name"`
	DataDir        string `mapstructure:"data_dir"`
	CacheTokenized bool   `mapstructure:"cache_tokenized"`
	CacheDir       string `mapstructure:"cache_dir"`
}

// Tracking configures the optional MLflow experiment-tracking sink.
// Tracking is disabled when TrackingURI is empty.
type Tracking struct {
	TrackingURI  string `mapstructure:"tracking_uri"`
	ExperimentID string `mapstructure:"experiment_id"`
	RunName      string `mapstructure:"run_name"`
}

type Config struct {
	Model     Model     `mapstructure:"model"`
	Optimizer Optimizer `mapstructure:"optimizer"`
	Scheduler Scheduler `mapstructure:"scheduler"`
	Training  Training  `mapstructure:"training"`
	System    System    `mapstructure:"system"`
	Data      Data      `mapstructure:"data"`
	Tracking  Tracking  `mapstructure:"tracking"`
}

// ValidationError reports a configuration invariant violation. It is
// fatal at load time, before any training step runs.
type ValidationError struct {
	Option string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Option, e.Reason)
}

// SetDefaults registers default values for every recognized option.
// Defaults follow the jojo GPT-2-small recipe.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("model.n_layer", 12)
	v.SetDefault("model.n_head", 12)
	v.SetDefault("model.n_embd", 768)
	v.SetDefault("model.block_size", 1024)
	v.SetDefault("model.dropout", 0.0)
	v.SetDefault("model.bias", false)
	v.SetDefault("model.vocab_size", 50304)

	v.SetDefault("optimizer.learning_rate", 6e-4)
	v.SetDefault("optimizer.weight_decay", 0.1)
	v.SetDefault("optimizer.beta1", 0.9)
	v.SetDefault("optimizer.beta2", 0.95)
	v.SetDefault("optimizer.grad_clip", 1.0)

	v.SetDefault("scheduler.decay_lr", true)
	v.SetDefault("scheduler.warmup_iters", 2000)
	v.SetDefault("scheduler.lr_decay_iters", 60000)
	v.SetDefault("scheduler.min_lr", 6e-5)
	v.SetDefault("scheduler.warmup_fraction", 0.0)
	v.SetDefault("scheduler.cooldown_fraction", 0.0)

	v.SetDefault("training.max_epochs", 1)
	v.SetDefault("training.batch_size", 12)
	v.SetDefault("training.gradient_accumulation_steps", 40)
	v.SetDefault("training.max_steps", 0)
	v.SetDefault("training.eval_iters", 200)
	v.SetDefault("training.eval_interval", 1000)
	v.SetDefault("training.log_interval", 10)
	v.SetDefault("training.save_checkpoints", true)
	v.SetDefault("training.checkpoint_interval", 0)
	v.SetDefault("training.compile_model", false)

	v.SetDefault("system.device", "cpu")
	v.SetDefault("system.dtype", "float32")
	v.SetDefault("system.seed", 1337)
	v.SetDefault("system.num_workers", 2)
	v.SetDefault("system.pin_memory", false)

	v.SetDefault("data.dataset_name", "openwebtext")
	v.SetDefault("data.data_dir", "data")
	v.SetDefault("data.cache_tokenized", true)
	v.SetDefault("data.cache_dir", "data/cache")

	v.SetDefault("tracking.tracking_uri", "")
	v.SetDefault("tracking.experiment_id", "")
	v.SetDefault("tracking.run_name", "")
}

// Load unmarshals and validates the resolved configuration.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if err := c.Model.Validate(); err != nil {
		return err
	}
	if err := c.Optimizer.Validate(); err != nil {
		return err
	}
	if err := c.Scheduler.Validate(c.Optimizer.LearningRate); err != nil {
		return err
	}
	if err := c.Training.Validate(); err != nil {
		return err
	}
	if err := c.System.Validate(); err != nil {
		return err
	}
	return nil
}

func (m *Model) Validate() error {
	if m.NLayer <= 0 {
		return &ValidationError{"model.n_layer", "must be positive"}
	}
	if m.NHead <= 0 {
		return &ValidationError{"model.n_head", "must be positive"}
	}
	if m.NEmbd%m.NHead != 0 {
		return &ValidationError{"model.n_embd",
			fmt.Sprintf("%d not divisible by n_head %d", m.NEmbd, m.NHead)}
	}
	if m.BlockSize <= 0 {
		return &ValidationError{"model.block_size", "must be positive"}
	}
	if m.Dropout < 0 || m.Dropout >= 1 {
		return &ValidationError{"model.dropout", "must be in [0, 1)"}
	}
	if m.VocabSize <= 0 {
		return &ValidationError{"model.vocab_size", "must be positive"}
	}
	return nil
}

func (o *Optimizer) Validate() error {
	if o.LearningRate <= 0 {
		return &ValidationError{"optimizer.learning_rate", "must be positive"}
	}
	if o.Beta1 <= 0 || o.Beta1 >= 1 {
		return &ValidationError{"optimizer.beta1", "must be in (0, 1)"}
	}
	if o.Beta2 <= 0 || o.Beta2 >= 1 {
		return &ValidationError{"optimizer.beta2", "must be in (0, 1)"}
	}
	if o.GradClip < 0 || math.IsNaN(o.GradClip) {
		return &ValidationError{"optimizer.grad_clip", "must be >= 0 (0 disables clipping)"}
	}
	return nil
}

func (s *Scheduler) Validate(baseLR float64) error {
	if !s.DecayLR {
		return nil
	}
	if s.MinLR < 0 {
		return &ValidationError{"scheduler.min_lr", "must be >= 0"}
	}
	if s.MinLR > baseLR {
		return &ValidationError{"scheduler.min_lr",
			fmt.Sprintf("%g exceeds optimizer.learning_rate %g", s.MinLR, baseLR)}
	}
	if s.WarmupIters < 0 || s.LRDecayIters < 0 {
		return &ValidationError{"scheduler.warmup_iters", "step counts must be >= 0"}
	}
	if s.LRDecayIters > 0 && s.WarmupIters > s.LRDecayIters {
		return &ValidationError{"scheduler.warmup_iters",
			fmt.Sprintf("%d exceeds lr_decay_iters %d", s.WarmupIters, s.LRDecayIters)}
	}
	if s.WarmupFraction < 0 || s.CooldownFraction < 0 {
		return &ValidationError{"scheduler.warmup_fraction", "fractions must be >= 0"}
	}
	if s.WarmupFraction+s.CooldownFraction > 1 {
		return &ValidationError{"scheduler.warmup_fraction",
			fmt.Sprintf("warmup_fraction %g + cooldown_fraction %g exceeds 1",
				s.WarmupFraction, s.CooldownFraction)}
	}
	return nil
}

func (t *Training) Validate() error {
	if t.MaxEpochs <= 0 {
		return &ValidationError{"training.max_epochs", "must be positive"}
	}
	if t.BatchSize <= 0 {
		return &ValidationError{"training.batch_size", "must be positive"}
	}
	if t.GradAccumSteps <= 0 {
		return &ValidationError{"training.gradient_accumulation_steps", "must be positive"}
	}
	if t.EvalIters <= 0 {
		return &ValidationError{"training.eval_iters", "must be positive"}
	}
	if t.EvalInterval <= 0 {
		return &ValidationError{"training.eval_interval", "must be positive"}
	}
	if t.MaxSteps < 0 {
		return &ValidationError{"training.max_steps", "must be >= 0 (0 means unlimited)"}
	}
	if t.CheckpointInterval < 0 {
		return &ValidationError{"training.checkpoint_interval", "must be >= 0 (0 disables interval saves)"}
	}
	return nil
}

func (s *System) Validate() error {
	if !validDtypes[s.Dtype] {
		return &ValidationError{"system.dtype",
			fmt.Sprintf("invalid dtype %q (valid: float32, bfloat16, float16)", s.Dtype)}
	}
	for _, prefix := range validDevicePrefixes {
		if strings.HasPrefix(s.Device, prefix) {
			return nil
		}
	}
	return &ValidationError{"system.device",
		fmt.Sprintf("invalid device %q (valid: cpu, cuda[:N], mps)", s.Device)}
}

// EffectiveBatchSize is the statistical batch size seen by the
// optimizer: batch_size x gradient_accumulation_steps.
func (t *Training) EffectiveBatchSize() int {
	return t.BatchSize * t.GradAccumSteps
}

// TokensPerStep is the number of tokens consumed by one optimizer step.
func (c *Config) TokensPerStep() int {
	return c.Training.EffectiveBatchSize() * c.Model.BlockSize
}
