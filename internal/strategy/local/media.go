package local

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/mediaforge/jobforge/pkg/models"
)

// FilesystemMediaStore is a MediaStore backed by a shared directory, one file
// per media token. Suits single-host and NFS deployments; object storage
// implementations satisfy the same interface.
type FilesystemMediaStore struct {
	Root string
}

func NewFilesystemMediaStore(root string) *FilesystemMediaStore {
	return &FilesystemMediaStore{Root: root}
}

func (f *FilesystemMediaStore) Download(ctx context.Context, token string, dir string) (string, error) {
	src := filepath.Join(f.Root, token)
	dst := filepath.Join(dir, token)
	if err := copyFile(src, dst); err != nil {
		return "", err
	}
	return dst, nil
}

func (f *FilesystemMediaStore) Upload(ctx context.Context, path string) (string, error) {
	token := models.NewMediaFileToken()
	if err := copyFile(path, filepath.Join(f.Root, token)); err != nil {
		return "", err
	}
	return token, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("copy %s: %w", src, err)
	}
	return out.Close()
}
