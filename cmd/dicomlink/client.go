package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	netdicom "github.com/giesekow/dicomlink"
	"github.com/giesekow/dicomlink/internal/config"
	"github.com/giesekow/dicomlink/sopclass"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newEchoCmd(configPath *string) *cobra.Command {
	var remote string
	cmd := &cobra.Command{
		Use:   "echo",
		Short: "Verify a remote node with C-ECHO",
		Example: `  # Echo the remote named "pacs" in dicomlink.yaml
  dicomlink echo --remote pacs`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runEcho(ctx, cfg, log, remote)
		},
	}
	cmd.Flags().StringVar(&remote, "remote", "", "name of the remote in the configuration")
	_ = cmd.MarkFlagRequired("remote")
	return cmd
}

func newStoreCmd(configPath *string) *cobra.Command {
	var remote string
	cmd := &cobra.Command{
		Use:   "store FILE...",
		Short: "Send DICOM files to a remote node with C-STORE",
		Long: `Send part 10 DICOM files with C-STORE. Files are sent as they are,
without transcoding; one association is opened per transfer syntax.`,
		Example: `  dicomlink store --remote pacs ct/*.dcm`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runStore(ctx, cfg, log, remote, args)
		},
	}
	cmd.Flags().StringVar(&remote, "remote", "", "name of the remote in the configuration")
	_ = cmd.MarkFlagRequired("remote")
	return cmd
}

func newUserParams(cfg *config.Config, log logrus.FieldLogger, r config.Remote) netdicom.ServiceUserParams {
	return netdicom.ServiceUserParams{
		CalledAETitle:  r.AETitle,
		CallingAETitle: cfg.AETitle,
		MaxPDUSize:     cfg.MaxPDUSize,
		ReadBufferSize: cfg.ReadBufferSize,
		ReadTimeout:    cfg.Timeouts.Read,
		WriteTimeout:   cfg.Timeouts.Write,
		ARTIMTimeout:   cfg.Timeouts.ARTIM,
		DialTimeout:    cfg.Timeouts.Dial,
		Log:            log,
	}
}

func runEcho(ctx context.Context, cfg *config.Config, log logrus.FieldLogger, name string) error {
	r, err := cfg.Remote(name)
	if err != nil {
		return err
	}
	params := newUserParams(cfg, log, r)
	params.SOPClasses = []string{sopclass.VerificationSOPClassUID}
	su, err := netdicom.NewServiceUser(params)
	if err != nil {
		return err
	}
	if err := su.Connect(ctx, r.Address); err != nil {
		return err
	}
	if err := su.CEcho(ctx); err != nil {
		su.Abort()
		return err
	}
	if err := su.Release(ctx); err != nil {
		return err
	}
	log.WithFields(logrus.Fields{"remote": r.Name, "address": r.Address}).Info("C-ECHO succeeded")
	return nil
}

// storeBatch is the files sharing one transfer syntax.
type storeBatch struct {
	transferSyntaxUID string
	sopClasses        []string
	files             []string
}

// batchByTransferSyntax groups files so that each association proposes the
// transfer syntax its files are encoded in.
func batchByTransferSyntax(paths []string) ([]*storeBatch, error) {
	var batches []*storeBatch
	byTS := map[string]*storeBatch{}
	classes := map[string]map[string]bool{}
	for _, path := range paths {
		f, err := netdicom.ReadPart10File(path)
		if err != nil {
			return nil, err
		}
		b := byTS[f.TransferSyntaxUID]
		if b == nil {
			b = &storeBatch{transferSyntaxUID: f.TransferSyntaxUID}
			byTS[f.TransferSyntaxUID] = b
			classes[f.TransferSyntaxUID] = map[string]bool{}
			batches = append(batches, b)
		}
		if !classes[f.TransferSyntaxUID][f.SOPClassUID] {
			classes[f.TransferSyntaxUID][f.SOPClassUID] = true
			b.sopClasses = append(b.sopClasses, f.SOPClassUID)
		}
		b.files = append(b.files, path)
	}
	return batches, nil
}

func runStore(ctx context.Context, cfg *config.Config, log logrus.FieldLogger, name string, paths []string) error {
	r, err := cfg.Remote(name)
	if err != nil {
		return err
	}
	batches, err := batchByTransferSyntax(paths)
	if err != nil {
		return err
	}
	failed := 0
	for _, b := range batches {
		params := newUserParams(cfg, log, r)
		params.SOPClasses = b.sopClasses
		params.TransferSyntaxes = []string{b.transferSyntaxUID}
		su, err := netdicom.NewServiceUser(params)
		if err != nil {
			return err
		}
		if err := su.Connect(ctx, r.Address); err != nil {
			return err
		}
		for _, path := range b.files {
			if err := su.CStoreFile(ctx, path); err != nil {
				failed++
				log.WithError(err).WithField("file", path).Error("C-STORE failed")
				if su.Session().Done() {
					return err
				}
				continue
			}
			log.WithField("file", path).Info("sent")
		}
		if err := su.Release(ctx); err != nil {
			return err
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d files failed", failed, len(paths))
	}
	return nil
}
