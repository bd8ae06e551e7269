package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
)

// FileSecretProvider implements SecretProvider by reading mounted secret
// files (Docker/Kubernetes secrets). Each reference is a file path.
type FileSecretProvider struct {
	readFile func(string) ([]byte, error)
}

// NewFileSecretProvider creates a provider backed by os.ReadFile.
func NewFileSecretProvider() *FileSecretProvider {
	return &FileSecretProvider{readFile: os.ReadFile}
}

// Resolve reads every path. Files that do not exist are omitted so that the
// loader can report them together; other read errors abort.
func (p *FileSecretProvider) Resolve(ctx context.Context, refs []string) (map[string]string, error) {
	result := make(map[string]string, len(refs))
	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		b, err := p.readFile(ref)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("reading secret file %s: %w", ref, err)
		}
		result[ref] = strings.TrimRight(string(b), "\r\n")
	}
	return result, nil
}
