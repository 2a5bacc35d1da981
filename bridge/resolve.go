package bridge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/selectiveci/selective-ruby-core/internal/files"
	"go.uber.org/zap"
)

// BinaryName is the file name of the transport executable.
const BinaryName = "selective-transport"

var ErrNotFound = errors.New("transport binary not found")

// Locate finds the transport binary by walking up from dir. If it is missing and downloadURL is set,
// the binary is downloaded into dir.
func Locate(ctx context.Context, log *zap.SugaredLogger, dir, downloadURL string) (string, error) {
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("getting working dir: %w", err)
		}
		dir = wd
	}
	if p := files.FindUp(BinaryName, dir); p != "" {
		return p, nil
	}
	if downloadURL == "" {
		return "", fmt.Errorf("%w in %s or any parent", ErrNotFound, dir)
	}
	dest := filepath.Join(dir, BinaryName)
	if err := Download(ctx, log, downloadURL, dest); err != nil {
		return "", err
	}
	return dest, nil
}
