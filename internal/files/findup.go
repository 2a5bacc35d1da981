package files

import (
	"os"
	"path/filepath"
)

// FindUp walks from dir towards the filesystem root and returns the path of the first entry called name.
// It returns "" when nothing is found or dir cannot be resolved.
func FindUp(name, dir string) string {
	curDir, err := filepath.Abs(dir)
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(curDir, name)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		newDir := filepath.Dir(curDir)
		if newDir == curDir {
			return ""
		}
		curDir = newDir
	}
}
