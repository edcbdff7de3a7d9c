package utils

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/gofrs/uuid"
	"github.com/joho/godotenv"
	"github.com/kairos-io/overlayfs/internal/constants"
	"github.com/twpayne/go-vfs/v4"
)

// CheckBase validates the writable base dir given on the command line.
func CheckBase(vfsys vfs.FS, base string) error {
	if base == "" {
		return fmt.Errorf("%w: you forgot to tell me the writable folder", constants.ErrInvalidBase)
	}
	if !filepath.IsAbs(base) {
		return fmt.Errorf("%w: please tell me the full path of folder %s", constants.ErrInvalidBase, base)
	}
	info, err := vfsys.Stat(base)
	if err != nil {
		return fmt.Errorf("%w: %s does not exist", constants.ErrInvalidBase, base)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: this is not folder %s", constants.ErrInvalidBase, base)
	}
	return nil
}

// CreateIfNotExists creates the dir and any missing parents with the given perms.
func CreateIfNotExists(vfsys vfs.FS, path string, perm fs.FileMode) error {
	if _, err := vfsys.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return vfs.MkdirAll(vfsys, path, perm)
	}
	return nil
}

// IsDir reports whether path exists and is a directory, following symlinks.
func IsDir(vfsys vfs.FS, path string) bool {
	info, err := vfsys.Stat(path)
	return err == nil && info.IsDir()
}

// RawPath returns the real path behind a vfs path. OSFS paths are returned as is.
func RawPath(vfsys vfs.FS, path string) string {
	raw, err := vfsys.RawPath(path)
	if err != nil {
		return path
	}
	return raw
}

// UniqueSlice removes duplicated entries from a slice, keeping the first occurrence.
func UniqueSlice(slice []string) []string {
	keys := make(map[string]bool)
	var list []string
	for _, entry := range slice {
		if _, value := keys[entry]; !value {
			keys[entry] = true
			list = append(list, entry)
		}
	}
	return list
}

// CleanupSlice trims every entry and drops the empty ones.
func CleanupSlice(slice []string) []string {
	var cleanSlice []string
	for _, item := range slice {
		if strings.TrimSpace(item) == "" {
			continue
		}
		cleanSlice = append(cleanSlice, strings.TrimSpace(item))
	}
	return cleanSlice
}

// ParseLowerList normalizes a colon separated list of extra lower directories.
// Empty entries and duplicates are dropped, order is kept.
func ParseLowerList(list string) string {
	return strings.Join(UniqueSlice(CleanupSlice(strings.Split(list, ":"))), ":")
}

// RandomName returns a staging dir name that is not guessable.
func RandomName(prefix string) (string, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return "", err
	}
	return prefix + strings.ReplaceAll(id.String(), "-", ""), nil
}

// ReadEnv reads a dotenv style file into a map.
func ReadEnv(file string) (map[string]string, error) {
	return godotenv.Read(file)
}

// LoadEnvFile loads a dotenv style file into the process env.
// Variables already set in the environment are not overridden.
func LoadEnvFile(file string) error {
	if file == "" {
		return nil
	}
	return godotenv.Load(file)
}
