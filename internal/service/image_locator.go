package service

import (
	"context"
	"path/filepath"
	"strings"
)

// ImageLocator turns a stored answer image path into something the grader can read.
type ImageLocator interface {
	Locate(ctx context.Context, storagePath string) (string, error)
}

// LocalImageLocator resolves relative storage paths against a media root on disk.
type LocalImageLocator struct {
	Root string
}

func (l LocalImageLocator) Locate(_ context.Context, storagePath string) (string, error) {
	if strings.HasPrefix(storagePath, "http://") || strings.HasPrefix(storagePath, "https://") || filepath.IsAbs(storagePath) {
		return storagePath, nil
	}
	return filepath.Join(l.Root, filepath.FromSlash(storagePath)), nil
}
