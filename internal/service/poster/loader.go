package poster

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/ifuryst/crosspost/internal/service/publisher"
)

type FileLoader interface {
	Load(ctx context.Context, paths []string) ([]publisher.File, error)
}

var ErrOutsideRoot = errors.New("path resolves outside the files root")

// DiskLoader reads submission files from the local filesystem. Relative
// paths resolve against Root, and when Root is set nothing outside it can be
// read, symlinks included.
type DiskLoader struct {
	Root     string
	MaxBytes int64
}

func NewDiskLoader(root string, maxBytes int64) *DiskLoader {
	return &DiskLoader{Root: root, MaxBytes: maxBytes}
}

func (l *DiskLoader) Load(ctx context.Context, paths []string) ([]publisher.File, error) {
	files := make([]publisher.File, 0, len(paths))
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		full, err := l.resolve(p)
		if err != nil {
			return nil, err
		}

		info, err := os.Stat(full)
		if err != nil {
			return nil, fmt.Errorf("failed to stat %s: %w", p, err)
		}
		if info.IsDir() {
			return nil, fmt.Errorf("%s is a directory", p)
		}
		if l.MaxBytes > 0 && info.Size() > l.MaxBytes {
			return nil, fmt.Errorf("%s exceeds the %d byte limit", p, l.MaxBytes)
		}

		data, err := os.ReadFile(full)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", p, err)
		}

		files = append(files, publisher.File{
			Name: filepath.Base(full),
			MIME: detectMIME(full, data),
			Data: data,
		})
	}
	return files, nil
}

func (l *DiskLoader) resolve(p string) (string, error) {
	if l.Root == "" {
		return p, nil
	}
	root, err := filepath.Abs(l.Root)
	if err != nil {
		return "", fmt.Errorf("failed to resolve files root: %w", err)
	}
	if r, err := filepath.EvalSymlinks(root); err == nil {
		root = r
	}

	full := p
	if !filepath.IsAbs(full) {
		full = filepath.Join(root, full)
	}
	full = filepath.Clean(full)
	if r, err := filepath.EvalSymlinks(full); err == nil {
		full = r
	}

	rel, err := filepath.Rel(root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s: %w", p, ErrOutsideRoot)
	}
	return full, nil
}

func detectMIME(path string, data []byte) string {
	if t := mime.TypeByExtension(filepath.Ext(path)); t != "" {
		return t
	}
	return http.DetectContentType(data)
}
