// Package storage places received data sets on the local file system.
//
// A data set is streamed into a temporary file in the deposit directory and
// renamed into the watch directory once complete, so that a process watching
// that directory never sees a partial file under its final name.
package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// ErrInvalidInstanceUID is returned by Commit for a SOP instance UID that
// can't be used as a file name.
var ErrInvalidInstanceUID = errors.New("storage: invalid SOP instance UID")

// TempFile is an open temporary file. *os.File satisfies it.
type TempFile interface {
	io.Writer
	io.Closer
	Name() string
}

// DefaultExtension is appended to the SOP instance UID of committed files.
const DefaultExtension = ".dcm"

// FolderStore implements deposit-then-rename storage.
type FolderStore struct {
	// DepositDir holds files while they are being received.
	DepositDir string
	// WatchDir receives completed files. It should be on the same file system
	// as DepositDir for the rename to be atomic.
	WatchDir string
	// Extension of committed files, DefaultExtension if empty.
	Extension string

	Log logrus.FieldLogger
}

// NewFolderStore creates both directories if needed.
func NewFolderStore(depositDir, watchDir, extension string) (*FolderStore, error) {
	for _, dir := range []string{depositDir, watchDir} {
		if dir == "" {
			return nil, errors.New("storage: directory not set")
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("storage: %w", err)
		}
	}
	return &FolderStore{DepositDir: depositDir, WatchDir: watchDir, Extension: extension}, nil
}

func (s *FolderStore) logger() logrus.FieldLogger {
	if s.Log != nil {
		return s.Log
	}
	return logrus.StandardLogger()
}

// CreateTemp opens a uniquely named file in the deposit directory.
func (s *FolderStore) CreateTemp() (TempFile, error) {
	f, err := os.CreateTemp(s.DepositDir, "dicomlink-*.part")
	if err != nil {
		return nil, fmt.Errorf("storage: create temp file: %w", err)
	}
	return f, nil
}

// Commit closes tmp and renames it to <WatchDir>/<sopInstanceUID><Extension>.
// It returns the final path. On failure the temp file is removed.
func (s *FolderStore) Commit(tmp TempFile, sopInstanceUID string) (string, error) {
	closeErr := tmp.Close()
	if err := ValidateInstanceUID(sopInstanceUID); err != nil {
		s.remove(tmp.Name())
		return "", err
	}
	if closeErr != nil && !errors.Is(closeErr, os.ErrClosed) {
		s.remove(tmp.Name())
		return "", fmt.Errorf("storage: close %s: %w", tmp.Name(), closeErr)
	}
	ext := s.Extension
	if ext == "" {
		ext = DefaultExtension
	}
	path := filepath.Join(s.WatchDir, sopInstanceUID+ext)
	if err := os.Rename(tmp.Name(), path); err != nil {
		s.remove(tmp.Name())
		return "", fmt.Errorf("storage: %w", err)
	}
	s.logger().WithFields(logrus.Fields{"path": path, "instance": sopInstanceUID}).Debug("committed data set")
	return path, nil
}

// Discard closes and removes tmp.
func (s *FolderStore) Discard(tmp TempFile) error {
	if err := tmp.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		s.logger().WithError(err).Warn("close discarded file")
	}
	if err := os.Remove(tmp.Name()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("storage: %w", err)
	}
	return nil
}

func (s *FolderStore) remove(name string) {
	if err := os.Remove(name); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger().WithError(err).WithField("path", name).Warn("remove temp file")
	}
}

// ValidateInstanceUID accepts digits and dots only, at most 64 characters,
// no leading or trailing dot.
func ValidateInstanceUID(uid string) error {
	if uid == "" || len(uid) > 64 || strings.HasPrefix(uid, ".") || strings.HasSuffix(uid, ".") {
		return fmt.Errorf("%w: %q", ErrInvalidInstanceUID, uid)
	}
	for _, c := range uid {
		if (c < '0' || c > '9') && c != '.' {
			return fmt.Errorf("%w: %q", ErrInvalidInstanceUID, uid)
		}
	}
	return nil
}
