// Command dicomlink runs a DICOM C-STORE/C-ECHO receiver and sends files to
// remote DICOM nodes.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/giesekow/dicomlink/internal/config"
	"github.com/grailbio/go-dicom/dicomlog"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const defaultConfigPath = "dicomlink.yaml"

func main() {
	rootCmd := &cobra.Command{
		Use:   "dicomlink",
		Short: "DICOM storage receiver and sender",
		Long: `dicomlink accepts DICOM associations, stores the images it receives
into watch directories, and sends C-ECHO and C-STORE requests to configured
remote nodes.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	var configPath string
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath, "path to the YAML configuration")

	rootCmd.AddCommand(newServeCmd(&configPath))
	rootCmd.AddCommand(newEchoCmd(&configPath))
	rootCmd.AddCommand(newStoreCmd(&configPath))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the configuration and sets up both loggers from it.
func loadConfig(path string) (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	level, err := logrus.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil {
		return nil, nil, err
	}
	log := logrus.New()
	log.SetLevel(level)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	dicomlog.SetLevel(cfg.ProtocolVerbosity)
	return cfg, log, nil
}
