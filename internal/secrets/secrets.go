// Package secrets resolves credentials referenced from the config file:
// ${VAR} and ${VAR:-default} environment expansion, and files such as
// Docker or Kubernetes mounted secrets.
package secrets

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/tphakala/lightfield/internal/errors"
)

// maxSecretFileSize bounds secret file reads; secrets are tokens, not data.
const maxSecretFileSize = 64 * 1024

// ExpandString expands ${VAR} and ${VAR:-default} references in s. A
// referenced variable that is unset and has no default is an error.
func ExpandString(s string) (string, error) {
	if !strings.Contains(s, "$") {
		return s, nil
	}

	var missing []string
	expanded := os.Expand(s, func(key string) string {
		name, fallback, hasFallback := strings.Cut(key, ":-")
		if v := os.Getenv(name); v != "" {
			return v
		}
		if hasFallback {
			return fallback
		}
		missing = append(missing, name)
		return ""
	})

	if len(missing) > 0 {
		return "", errors.Newf("missing required environment variable(s): %s", strings.Join(missing, ", ")).
			Component("secrets").
			Category(errors.CategoryConfiguration).
			Build()
	}
	return expanded, nil
}

// ReadFile reads a secret from path, dropping trailing newlines. Files that
// are readable by group or other are accepted; the caller decides whether
// to warn via Permissive.
func ReadFile(fs afero.Fs, path string) (string, error) {
	clean := filepath.Clean(path)
	info, err := fs.Stat(clean)
	if err != nil {
		cat := errors.CategoryFileIO
		if os.IsNotExist(err) {
			cat = errors.CategoryNotFound
		}
		return "", errors.New(err).
			Component("secrets").
			Category(cat).
			FileContext(clean).
			Build()
	}
	if !info.Mode().IsRegular() {
		return "", errors.Newf("secret path is not a regular file: %s", clean).
			Component("secrets").
			Category(errors.CategoryValidation).
			Build()
	}
	if info.Size() > maxSecretFileSize {
		return "", errors.Newf("secret file too large (max %d bytes): %s", maxSecretFileSize, clean).
			Component("secrets").
			Category(errors.CategoryLimit).
			Build()
	}

	data, err := afero.ReadFile(fs, clean)
	if err != nil {
		return "", errors.New(err).
			Component("secrets").
			Category(errors.CategoryFileIO).
			FileContext(clean).
			Build()
	}
	secret := strings.TrimRight(string(data), "\r\n")
	if secret == "" {
		return "", errors.Newf("secret file is empty: %s", clean).
			Component("secrets").
			Category(errors.CategoryValidation).
			Build()
	}
	return secret, nil
}

// Permissive reports whether the file at path grants any group or other
// permission.
func Permissive(fs afero.Fs, path string) bool {
	info, err := fs.Stat(filepath.Clean(path))
	return err == nil && info.Mode().Perm()&0o077 != 0
}

// Resolve returns the secret from filePath when set, otherwise value with
// environment references expanded.
func Resolve(fs afero.Fs, filePath, value string) (string, error) {
	if filePath != "" {
		return ReadFile(fs, filePath)
	}
	return ExpandString(value)
}
