// Package archive builds the compressed (and optionally age-encrypted)
// tarballs ibex ships offsite.
package archive

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"filippo.io/age"

	"github.com/tis24dev/ibex/internal/logging"
	"github.com/tis24dev/ibex/internal/runner"
)

const (
	// TarballSuffix is appended to the source directory name.
	TarballSuffix = ".tar.bz2"
	// EncryptedSuffix is appended to encrypted tarballs.
	EncryptedSuffix = ".age"
)

// CompressionError reports a failed tar run or a failed encryption pass.
type CompressionError struct {
	Source string
	Err    error
}

func (e *CompressionError) Error() string {
	return fmt.Sprintf("archive of %s failed: %v", e.Source, e.Err)
}

func (e *CompressionError) Unwrap() error {
	return e.Err
}

// Builder creates tarballs through the external tar binary.
type Builder struct {
	runner     runner.Runner
	logger     *logging.Logger
	recipients []age.Recipient
}

// NewBuilder creates a Builder. With no recipients the tarball is left in clear.
func NewBuilder(r runner.Runner, logger *logging.Logger, recipients []age.Recipient) *Builder {
	return &Builder{runner: r, logger: logger, recipients: recipients}
}

// Encrypted reports whether tarballs are encrypted.
func (b *Builder) Encrypted() bool {
	return len(b.recipients) > 0
}

// tarballPath returns the path Create will produce for name in destDir.
func (b *Builder) tarballPath(destDir, name string) string {
	path := filepath.Join(destDir, name+TarballSuffix)
	if b.Encrypted() {
		path += EncryptedSuffix
	}
	return path
}

// Create archives parentDir/name into destDir and returns the final path.
// The compression method is chosen by tar from the .tar.bz2 suffix.
func (b *Builder) Create(ctx context.Context, parentDir, name, destDir string) (string, error) {
	plain := filepath.Join(destDir, name+TarballSuffix)
	b.logger.Info("Compressing %s into %s", filepath.Join(parentDir, name), plain)

	if err := b.runner.Run(ctx, "tar", "-C", parentDir, "-caf", plain, name); err != nil {
		if !b.runner.DryRun() {
			_ = os.Remove(plain)
		}
		return "", &CompressionError{Source: name, Err: err}
	}

	if !b.Encrypted() {
		return plain, nil
	}

	encrypted := b.tarballPath(destDir, name)
	if b.runner.DryRun() {
		b.logger.Info("Would encrypt %s for %d age recipient(s)", plain, len(b.recipients))
		return encrypted, nil
	}
	if err := b.encryptFile(plain, encrypted); err != nil {
		return "", &CompressionError{Source: name, Err: err}
	}
	if err := os.Remove(plain); err != nil {
		b.logger.Warning("Unable to remove clear tarball %s: %v", plain, err)
	}
	return encrypted, nil
}

func (b *Builder) encryptFile(src, dst string) (err error) {
	b.logger.Debug("Encrypting %s via age (streaming)", src)

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open tarball: %w", err)
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("create encrypted output: %w", err)
	}
	defer func() {
		if err != nil {
			out.Close()
			_ = os.Remove(tmp)
		}
	}()

	writer, err := age.Encrypt(out, b.recipients...)
	if err != nil {
		return fmt.Errorf("initialize age encryption: %w", err)
	}
	if _, err = io.Copy(writer, in); err != nil {
		return fmt.Errorf("encrypt tarball: %w", err)
	}
	if err = writer.Close(); err != nil {
		return fmt.Errorf("finalize age encryption: %w", err)
	}
	if err = out.Sync(); err != nil {
		return fmt.Errorf("sync encrypted output: %w", err)
	}
	if err = out.Close(); err != nil {
		return fmt.Errorf("close encrypted output: %w", err)
	}
	if err = os.Rename(tmp, dst); err != nil {
		return fmt.Errorf("finalize encrypted output: %w", err)
	}
	return nil
}
