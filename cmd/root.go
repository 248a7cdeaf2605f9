package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jasonacox/jojo/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "jojo",
	Short: "GPT training loop controller",
	Long: `jojo drives GPT-style language model training: learning-rate
scheduling, gradient accumulation and clipping, periodic evaluation,
and atomic checkpointing, all from a single configuration file.`,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml)")
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.AddConfigPath(".")
	}

	// Environment variables: JOJO_TRAINING_BATCH_SIZE overrides
	// training.batch_size, and so on.
	viper.SetEnvPrefix("JOJO")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	config.SetDefaults(viper.GetViper())

	// A missing config file is fine; defaults and env cover everything.
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && cfgFile != "" {
			cobra.CheckErr(err)
		}
	}
}
