package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jasonacox/jojo/internal/config"
	"github.com/jasonacox/jojo/internal/schedule"
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Print the learning-rate schedule",
	Long: `Print the learning rate the schedule assigns to a range of steps,
for inspecting a configuration before committing to a run.`,
	RunE: runSchedule,
}

func init() {
	rootCmd.AddCommand(scheduleCmd)

	scheduleCmd.Flags().Int("total", 0, "total training steps (default: lr_decay_iters)")
	scheduleCmd.Flags().Int("every", 100, "print every N steps")
}

func runSchedule(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	total, _ := cmd.Flags().GetInt("total")
	every, _ := cmd.Flags().GetInt("every")
	if total <= 0 {
		total = cfg.Scheduler.LRDecayIters
	}
	if total <= 0 {
		return fmt.Errorf("total steps unknown: set --total or scheduler.lr_decay_iters")
	}
	if every <= 0 {
		every = 1
	}

	sched := schedule.New(cfg.Scheduler, cfg.Optimizer.LearningRate, total)
	fmt.Printf("# warmup ends at step %d, decay ends at step %d\n", sched.WarmupEnd(), sched.DecayEnd())
	for step := 0; step <= total; step += every {
		fmt.Printf("%8d  %.6e\n", step, sched.RateFor(step))
	}
	return nil
}
