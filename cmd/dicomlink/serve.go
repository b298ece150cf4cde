package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	netdicom "github.com/giesekow/dicomlink"
	"github.com/giesekow/dicomlink/internal/config"
	"github.com/giesekow/dicomlink/storage"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Accept associations and store received images",
		Long: `Listen for DICOM associations and answer C-ECHO and C-STORE requests.

Each endpoint of the configuration serves one called AE title. Images are
received into its deposit_dir and renamed into its watch_dir when complete.

Press Ctrl+C to stop.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, log)
		},
	}
}

// newProviderParams builds the provider from the configured endpoints.
func newProviderParams(cfg *config.Config, log logrus.FieldLogger) (netdicom.ServiceProviderParams, error) {
	endpoints := make(map[string]netdicom.ImageStore, len(cfg.Endpoints))
	for _, e := range cfg.Endpoints {
		store, err := storage.NewFolderStore(e.DepositDir, e.WatchDir, e.Extension)
		if err != nil {
			return netdicom.ServiceProviderParams{}, err
		}
		store.Log = log.WithField("endpoint", e.AETitle)
		endpoints[e.AETitle] = store
	}
	return netdicom.ServiceProviderParams{
		AETitle:        cfg.AETitle,
		ListenAddr:     cfg.Listen,
		Endpoints:      endpoints,
		RemoteAETitles: cfg.RemoteAETitles,
		MaxPDUSize:     cfg.MaxPDUSize,
		ReadBufferSize: cfg.ReadBufferSize,
		ReadTimeout:    cfg.Timeouts.Read,
		WriteTimeout:   cfg.Timeouts.Write,
		ARTIMTimeout:   cfg.Timeouts.ARTIM,
		Notifier:       netdicom.NewArrivalNotifier(),
		Log:            log,
	}, nil
}

func runServe(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) error {
	params, err := newProviderParams(cfg, log)
	if err != nil {
		return err
	}
	sp, err := netdicom.NewServiceProvider(params)
	if err != nil {
		return err
	}
	go func() {
		for {
			n, err := params.Notifier.Wait(ctx)
			if err != nil {
				return
			}
			log.WithField("images", n).Info("new images in watch directories")
		}
	}()
	err = sp.Run(ctx)
	if errors.Is(err, context.Canceled) {
		log.Info("stopped")
		return nil
	}
	return err
}
