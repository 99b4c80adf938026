package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/labif/clms-ndvi/internal/logging"
	"github.com/labif/clms-ndvi/internal/notification"
	"github.com/labif/clms-ndvi/internal/properties"
	"github.com/labif/clms-ndvi/internal/qc"
)

var (
	configFile string
	verbose    bool
	logger     *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "clmsndvi",
	Short: "Download and quality-filter the CLMS global 300 m NDVI v3 product",
	Long: `clmsndvi keeps a local archive of the Copernicus Land Monitoring Service
10-daily 300 m NDVI v3 product and masks every pixel whose index value is not
trustworthy according to its uncertainty, observation count and quality flags.

The working tree lives under CLMS_ROOT_PATH:
  Inputs/              downloaded catalogue
  Outputs_downloaded/  raw products
  Outputs_filtered/    filtered products
  Ancillary/           run report and lookup cache`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		logger, err = logging.New(verbose)
		if err != nil {
			return err
		}
		return properties.LoadDotEnv()
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "YAML configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log per-stage diagnostics")
	rootCmd.AddCommand(filterCmd, downloadCmd, versionCmd)
}

// loadProperties reads the file and environment layers; flags are applied by each command.
func loadProperties() (properties.Properties, error) {
	return properties.Load(configFile)
}

func notifier(p properties.Properties) *notification.Discord {
	return notification.NewDiscord(p.Discord.ErrorNotificationURL, p.Discord.SuccessNotificationURL)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if logger != nil {
			logger.Error("Command failed", zap.String("kind", string(qc.KindOf(err))), zap.Error(err))
			_ = logger.Sync()
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}
