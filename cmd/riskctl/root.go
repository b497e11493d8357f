// riskctl runs business risk cases from the command line and serves the
// case API.
//
// Usage:
//
//	riskctl analyze --name "Blue Bottle Coffee" --address "66 Mint St"
//	riskctl serve
//	riskctl model show
//	riskctl model validate config/risk_model.yaml
//	riskctl token --subject ops --scope cases:read
//	riskctl replay history.json
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/riskcase/internal/config"
	"github.com/Kocoro-lab/riskcase/internal/server"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "riskctl",
	Short: "Operate small-business risk cases",
	Long: "riskctl resolves a business against public city datasets, scores its\n" +
		"risk and drafts a cited mitigation strategy.",
	SilenceUsage: true,
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
}

func init() {
	defaultPath := os.Getenv("RISKCASE_CONFIG_PATH")
	if defaultPath == "" {
		defaultPath = "config/riskcase.yaml"
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultPath, "Service configuration file")

	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(modelCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.Version = server.Version
}

// loadConfig reads the configuration and builds its logger.
func loadConfig() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	logger, err := cfg.Logging.Build()
	if err != nil {
		return nil, nil, err
	}
	zap.ReplaceGlobals(logger)
	return cfg, logger, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
