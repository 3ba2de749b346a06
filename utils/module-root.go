package utils

import (
	"errors"
	"os"
	"path/filepath"
)

// ErrNoModuleRoot is returned when no go.mod is found above the start dir.
var ErrNoModuleRoot = errors.New("not inside a Go module")

// ModuleRoot walks up from startDir (the working directory when empty)
// to the nearest directory holding go.mod.
func ModuleRoot(startDir string) (string, error) {
	if startDir == "" {
		var err error
		startDir, err = os.Getwd()
		if err != nil {
			return "", err
		}
	}

	for dir := filepath.Clean(startDir); ; dir = filepath.Dir(dir) {
		if info, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil && !info.IsDir() {
			return dir, nil
		}
		if dir == filepath.Dir(dir) {
			return "", ErrNoModuleRoot
		}
	}
}
