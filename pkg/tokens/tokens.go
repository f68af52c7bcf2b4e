// Package tokens resolves participant authentication tokens at startup:
// environment variable, token file, descriptor entry, or a freshly minted
// secret persisted for the next run.
package tokens

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// EnvPrefix is prepended to the upper-snake participant id to form the
// environment variable consulted first.
const EnvPrefix = "MEW_TOKEN_"

const (
	tokenBytes    = 32
	tokenDirPerm  = 0o700
	tokenFilePerm = 0o600
)

// gitignoreBody keeps minted tokens out of version control.
const gitignoreBody = "*\n!.gitignore\n"

// Resolver resolves tokens for the participants of one space.
type Resolver struct {
	spaceDir string
	logger   *slog.Logger
}

// NewResolver returns a Resolver rooted at the space directory (the directory
// containing the descriptor file).
func NewResolver(spaceDir string, logger *slog.Logger) *Resolver {
	return &Resolver{
		spaceDir: spaceDir,
		logger:   logger.With("component", "tokens"),
	}
}

// Dir returns the token directory under the space directory.
func (r *Resolver) Dir() string {
	return filepath.Join(r.spaceDir, ".mew", "tokens")
}

// Resolve returns the token for one participant. Resolution order:
// environment variable, token file, first descriptor token, freshly minted
// secret (persisted to the token file so it survives restarts).
func (r *Resolver) Resolve(pid string, configured []string) (string, error) {
	if token := os.Getenv(EnvKey(pid)); token != "" {
		r.logger.Debug("Token resolved from environment", "participant", pid)
		return token, nil
	}

	path := filepath.Join(r.Dir(), pid+".token")
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if token := strings.TrimSpace(string(data)); token != "" {
			r.logger.Debug("Token resolved from file", "participant", pid, "path", path)
			return token, nil
		}
	case !os.IsNotExist(err):
		return "", fmt.Errorf("failed to read token file %s: %w", path, err)
	}

	if len(configured) > 0 && configured[0] != "" {
		r.logger.Debug("Token resolved from descriptor", "participant", pid)
		return configured[0], nil
	}

	return r.mint(pid, path)
}

// mint generates a fresh random token and persists it with owner-only
// permissions.
func (r *Resolver) mint(pid, path string) (string, error) {
	raw := make([]byte, tokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(raw)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, tokenDirPerm); err != nil {
		return "", fmt.Errorf("failed to create token directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(token), tokenFilePerm); err != nil {
		return "", fmt.Errorf("failed to write token file: %w", err)
	}
	if err := ensureGitignore(dir); err != nil {
		return "", err
	}

	r.logger.Info("Minted token", "participant", pid, "path", path)
	return token, nil
}

// ensureGitignore writes the ignore file next to the tokens if it is not
// already there.
func ensureGitignore(dir string) error {
	path := filepath.Join(dir, ".gitignore")
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if err := os.WriteFile(path, []byte(gitignoreBody), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// EnvKey returns the environment variable consulted for a participant id:
// EnvPrefix plus the id with letters uppercased and every other
// non-alphanumeric rune replaced by '_'.
func EnvKey(pid string) string {
	var b strings.Builder
	b.WriteString(EnvPrefix)
	for _, r := range pid {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r - ('a' - 'A'))
		case (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
