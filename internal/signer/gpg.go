// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

// Package signer drives gpg to produce detached, ASCII-armored signatures
// using a certificate imported into an isolated, per-run trust store.
package signer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cardinalhq/nexuspublisher/internal/logctx"
	"github.com/cardinalhq/nexuspublisher/internal/procrun"
)

const (
	// SignatureSuffix is appended to a file path to name its detached signature.
	SignatureSuffix = ".asc"

	DefaultProgram = "gpg"
	DefaultTimeout = 5 * time.Second

	keyFileName   = "private.txt"
	trustFileName = "otrust.txt"
)

var (
	ErrSetup                = errors.New("signer setup failed")
	ErrCertificateLoad      = errors.New("failed to load signing certificate")
	ErrSignerNotReady       = errors.New("signing certificate not loaded")
	ErrSignatureExists      = errors.New("signature already exists")
	ErrSigningTool          = errors.New("signing tool failed")
	ErrSignatureNotProduced = errors.New("signature not produced")
)

// Certificate is an armored private key and the passphrase protecting it.
type Certificate struct {
	PrivateKey string
	Secret     string
}

// String keeps key material out of logs and error messages.
func (c Certificate) String() string {
	return fmt.Sprintf("Certificate{PrivateKey:%d bytes, Secret:*****}", len(c.PrivateKey))
}

type Option func(*GpgSigner)

// WithProgram overrides the gpg executable.
func WithProgram(program string) Option {
	return func(s *GpgSigner) { s.program = program }
}

// WithTimeout sets the per-invocation timeout for gpg.
func WithTimeout(d time.Duration) Option {
	return func(s *GpgSigner) { s.timeout = d }
}

// WithVerbose adds -v to signing invocations.
func WithVerbose(verbose bool) Option {
	return func(s *GpgSigner) { s.verbose = verbose }
}

// GpgSigner must have LoadCertificate called exactly once before Sign.
// Sign may be called from several goroutines; gpg itself runs one at a time
// because concurrent loopback signing against one agent stalls.
// Cleanup removes the trust store and is safe to call at any point.
type GpgSigner struct {
	runner  procrun.Runner
	program string
	timeout time.Duration
	verbose bool

	signMu sync.Mutex

	homeDir     string
	env         map[string]string
	secret      string
	fingerprint string
}

// New creates the private GNUPGHOME directory for this run.
func New(runner procrun.Runner, opts ...Option) (*GpgSigner, error) {
	s := &GpgSigner{
		runner:  runner,
		program: DefaultProgram,
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}

	dir, err := os.MkdirTemp("", "_gnupghome-")
	if err != nil {
		return nil, fmt.Errorf("%w: creating GNUPGHOME: %v", ErrSetup, err)
	}
	if err := os.Chmod(dir, 0o700); err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("%w: restricting GNUPGHOME: %v", ErrSetup, err)
	}
	s.homeDir = dir
	s.env = map[string]string{"GNUPGHOME": dir}
	return s, nil
}

// HomeDir is the isolated GNUPGHOME used by this signer.
func (s *GpgSigner) HomeDir() string {
	return s.homeDir
}

// Fingerprint returns the loaded certificate's fingerprint, or "" before LoadCertificate.
func (s *GpgSigner) Fingerprint() string {
	return s.fingerprint
}

// LoadCertificate imports the certificate, extracts its fingerprint and
// marks it as ultimately trusted.
func (s *GpgSigner) LoadCertificate(ctx context.Context, cert Certificate) (string, error) {
	if s.fingerprint != "" {
		return "", fmt.Errorf("%w: certificate already loaded", ErrCertificateLoad)
	}

	keyFile := filepath.Join(s.homeDir, keyFileName)
	if err := os.WriteFile(keyFile, []byte(cert.PrivateKey), 0o600); err != nil {
		return "", fmt.Errorf("%w: writing key file: %v", ErrCertificateLoad, err)
	}
	_, err := s.run(ctx, "", "--import", "--batch", keyFile)
	// The trust store now holds the key; the plain copy is not needed.
	if rmErr := os.Remove(keyFile); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
		logctx.FromContext(ctx).Warn("Failed to remove imported key file", "error", rmErr)
	}
	if err != nil {
		return "", fmt.Errorf("%w: import: %w", ErrCertificateLoad, err)
	}

	listing, err := s.run(ctx, "", "-K", "--with-colons")
	if err != nil {
		return "", fmt.Errorf("%w: listing keys: %w", ErrCertificateLoad, err)
	}
	fingerprint, ok := extractFingerprint(listing)
	if !ok {
		return "", fmt.Errorf("%w: no fingerprint in key listing", ErrCertificateLoad)
	}

	trustFile := filepath.Join(s.homeDir, trustFileName)
	if err := os.WriteFile(trustFile, []byte(fingerprint+":6:\n"), 0o600); err != nil {
		return "", fmt.Errorf("%w: writing ownertrust: %v", ErrCertificateLoad, err)
	}
	if _, err := s.run(ctx, "", "--import-ownertrust", trustFile); err != nil {
		return "", fmt.Errorf("%w: ownertrust: %w", ErrCertificateLoad, err)
	}

	s.secret = cert.Secret
	s.fingerprint = fingerprint
	logctx.FromContext(ctx).Info("Loaded signing certificate", "fingerprint", fingerprint)
	return fingerprint, nil
}

// Sign writes a detached armored signature next to file and returns its path.
// An existing signature is never overwritten.
func (s *GpgSigner) Sign(ctx context.Context, file string) (string, error) {
	if s.fingerprint == "" {
		return "", ErrSignerNotReady
	}

	absFile, err := filepath.Abs(file)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrSigningTool, file, err)
	}
	signature := absFile + SignatureSuffix
	if _, err := os.Stat(signature); err == nil {
		return "", fmt.Errorf("%w: %s", ErrSignatureExists, signature)
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%w: checking %s: %v", ErrSigningTool, signature, err)
	}

	args := make([]string, 0, 16)
	if s.verbose {
		args = append(args, "-v")
	}
	args = append(args,
		"--batch",
		"--no-tty",
		"--yes",
		"--pinentry-mode", "loopback",
		"--passphrase-fd", "0",
		"-u", s.fingerprint,
		"--detach-sign", "--armor",
		absFile)

	logctx.FromContext(ctx).Debug("Signing file", "file", absFile)
	s.signMu.Lock()
	// The passphrase goes through stdin so it never shows up in process listings.
	_, err = s.run(ctx, s.secret, args...)
	s.signMu.Unlock()
	if err != nil {
		return "", fmt.Errorf("signing %s: %w", absFile, err)
	}

	if _, err := os.Stat(signature); err != nil {
		return "", fmt.Errorf("%w: %s", ErrSignatureNotProduced, signature)
	}
	return signature, nil
}

// Cleanup deletes the trust store. It tolerates a missing directory.
func (s *GpgSigner) Cleanup() error {
	if s.homeDir == "" {
		return nil
	}
	if err := os.RemoveAll(s.homeDir); err != nil {
		return fmt.Errorf("removing GNUPGHOME %s: %w", s.homeDir, err)
	}
	return nil
}

// Close implements io.Closer.
func (s *GpgSigner) Close() error {
	return s.Cleanup()
}

// run invokes gpg and turns a non-zero exit into ErrSigningTool.
func (s *GpgSigner) run(ctx context.Context, stdin string, args ...string) (string, error) {
	out, err := s.runner.Run(ctx, procrun.Spec{
		Args:    append([]string{s.program}, args...),
		Dir:     s.homeDir,
		Stdin:   stdin,
		Env:     s.env,
		Timeout: s.timeout,
	})
	if err != nil {
		return "", err
	}
	if out.ExitCode != 0 {
		return out.Output, fmt.Errorf("%w: %s exited %d: %s", ErrSigningTool, args[0], out.ExitCode, strings.TrimSpace(out.Output))
	}
	return out.Output, nil
}
