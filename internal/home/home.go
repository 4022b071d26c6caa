package home

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	// DefaultDirName is the default name for the fulltext home directory.
	DefaultDirName = ".fulltext"

	// StorageDirName is the subdirectory for generated full texts and METS copies.
	StorageDirName = "fulltext"

	// TempDirName holds working files of running jobs.
	TempDirName = "tmp"

	// ConfigFileName is the default config file name.
	ConfigFileName = "config.yaml"

	// EnginesFileName is the default engine catalog file name.
	EnginesFileName = "engines.json"
)

// Dir represents the fulltext home directory structure.
type Dir struct {
	path string
}

// New creates a new Dir with the given path.
// If path is empty, uses the default (~/.fulltext).
func New(path string) (*Dir, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		path = filepath.Join(home, DefaultDirName)
	}

	return &Dir{path: path}, nil
}

// Path returns the root path of the home directory.
func (d *Dir) Path() string {
	return d.path
}

// StoragePath returns the root of generated artifacts.
func (d *Dir) StoragePath() string {
	return filepath.Join(d.path, StorageDirName)
}

// TempImagesPath returns the directory for downloaded page images.
func (d *Dir) TempImagesPath() string {
	return filepath.Join(d.path, TempDirName, "images")
}

// TempOutputPath returns the directory for engine output of running jobs.
func (d *Dir) TempOutputPath() string {
	return filepath.Join(d.path, TempDirName, "output")
}

// LockPath returns the job lock directory.
func (d *Dir) LockPath() string {
	return filepath.Join(d.path, TempDirName, "locks")
}

// ConfigPath returns the path to the default config file.
func (d *Dir) ConfigPath() string {
	return filepath.Join(d.path, ConfigFileName)
}

// EnginesPath returns the path to the default engine catalog.
func (d *Dir) EnginesPath() string {
	return filepath.Join(d.path, EnginesFileName)
}

// EnsureExists creates the home directory and its working directories if
// they don't exist.
func (d *Dir) EnsureExists() error {
	for _, p := range []string{d.StoragePath(), d.TempImagesPath(), d.TempOutputPath(), d.LockPath()} {
		if err := os.MkdirAll(p, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", p, err)
		}
	}
	return nil
}

// Exists returns true if the home directory exists.
func (d *Dir) Exists() bool {
	_, err := os.Stat(d.path)
	return err == nil
}

// ConfigExists returns true if the config file exists in the home directory.
func (d *Dir) ConfigExists() bool {
	_, err := os.Stat(d.ConfigPath())
	return err == nil
}

// EnginesExists returns true if the engine catalog exists in the home directory.
func (d *Dir) EnginesExists() bool {
	_, err := os.Stat(d.EnginesPath())
	return err == nil
}
