package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/MeKo-Tech/leafy/internal/config"
	"github.com/MeKo-Tech/leafy/internal/models"
	"github.com/MeKo-Tech/leafy/internal/version"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// Global configuration loader.
	configLoader *config.Loader
	// Global configuration.
	globalConfig *config.Config
	// Error from the last configuration load.
	configErr error
	// Configuration file path.
	cfgFile string
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "leafy",
	Short: "Plant disease inference gateway",
	Long: `leafy classifies photos of plant leaves into diseases.

It serves an HTTP API that runs crop-specific ONNX models in process or
forwards images to a hosted disease model behind a leaf validation gate,
records every detection and returns treatment advice.

Examples:
  leafy serve --port 8000
  leafy predict leaf.jpg --crop tomato
  leafy classify leaf.jpg
  leafy config init`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if v, _ := cmd.Flags().GetBool("version"); v {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "leafy version "+version.String())
			return nil
		}
		return cmd.Help()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// GetRootCommand returns the root command for testing purposes.
func GetRootCommand() *cobra.Command {
	return rootCmd
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags that apply to all commands
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default is leafy.yaml in ., ./config, $XDG_CONFIG_HOME/leafy, /etc/leafy)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "verbose output (equivalent to --log-level=debug)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("models-dir", "",
		"directory containing <crop>_disease_model.onnx and <crop>_labels.json (default $"+
			models.EnvModelsDir+" or ./"+models.DefaultModelsDir+")")
	rootCmd.Flags().Bool("version", false, "print version information and exit")

	bindFlags()

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if configErr != nil {
			return fmt.Errorf("error loading configuration: %w", configErr)
		}
		slog.SetDefault(newLogger(globalConfig, cmd.ErrOrStderr()))
		return nil
	}
}

// bindFlags binds the global flags to their configuration keys.
func bindFlags() {
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	_ = viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("models_dir", rootCmd.PersistentFlags().Lookup("models-dir"))
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	configLoader = config.NewLoader()
	if cfgFile != "" {
		globalConfig, configErr = configLoader.LoadWithFile(cfgFile)
	} else {
		globalConfig, configErr = configLoader.Load()
	}
}

// GetConfig returns the global configuration, flags included.
func GetConfig() *config.Config {
	if globalConfig == nil {
		initConfig()
	}
	if globalConfig == nil {
		cfg := config.DefaultConfig()
		return &cfg
	}
	return globalConfig
}

// GetConfigLoader returns the global configuration loader.
func GetConfigLoader() *config.Loader {
	if configLoader == nil {
		configLoader = config.NewLoader()
	}
	return configLoader
}

// newLogger builds the JSON logger for cfg. Logs go to w so command output
// on stdout stays machine readable.
func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	if cfg != nil {
		if cfg.Verbose {
			level = slog.LevelDebug
		} else {
			switch cfg.LogLevel {
			case "debug":
				level = slog.LevelDebug
			case "warn":
				level = slog.LevelWarn
			case "error":
				level = slog.LevelError
			}
		}
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}
