package execution

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/conversation"
	"github.com/agentdeck/agentdeck/internal/environment"
)

// adapterDir is the bundle subdirectory holding the part-based architecture's
// adapter; it is only installed for that architecture.
const adapterDir = "adapter"

// installAssets copies the runner bundle from the host bundle directory into
// the environment's app/ directory.
func (e *Environment) installAssets(ctx context.Context) error {
	files, err := readBundle(e.opts.BundleDir, e.opts.Architecture)
	if err != nil {
		return err
	}

	result := e.primitive.WriteFiles(ctx, files)
	if len(result.Failed) > 0 {
		for _, failure := range result.Failed {
			e.logger.Error("failed to install runner asset",
				zap.String("path", failure.Path), zap.Error(failure.Err))
		}
		return fmt.Errorf("failed to install %d runner assets", len(result.Failed))
	}

	e.logger.Debug("runner assets installed", zap.Int("count", len(result.Success)))
	return nil
}

// readBundle loads every bundle file from disk, keyed by its app/-relative
// destination path. The adapter subtree is skipped for architectures that do
// not use it.
func readBundle(bundleDir string, arch conversation.Architecture) ([]environment.FileContent, error) {
	var files []environment.FileContent

	err := filepath.WalkDir(bundleDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		rel, relErr := filepath.Rel(bundleDir, path)
		if relErr != nil {
			return relErr
		}
		rel = filepath.ToSlash(rel)

		if top, _, _ := strings.Cut(rel, "/"); top == adapterDir && arch != conversation.ArchitectureOpenCode {
			return nil
		}

		data, readErr := os.ReadFile(path)
		if readErr != nil {
			return fmt.Errorf("failed to read bundle file %s: %w", rel, readErr)
		}

		files = append(files, environment.FileContent{
			Path:    environment.DirApp + "/" + rel,
			Content: string(data),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read runner bundle: %w", err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("runner bundle %s is empty", bundleDir)
	}
	return files, nil
}
