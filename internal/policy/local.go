package policy

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// LocalSource reads the policy documents from the filesystem and can watch
// them for changes.
type LocalSource struct {
	catalogPath string
	rulesPath   string
	logger      *slog.Logger
}

func NewLocalSource(catalogPath, rulesPath string, logger *slog.Logger) *LocalSource {
	return &LocalSource{
		catalogPath: catalogPath,
		rulesPath:   rulesPath,
		logger:      logger,
	}
}

func (l *LocalSource) FetchCatalog(ctx context.Context) ([]byte, error) {
	return os.ReadFile(l.catalogPath)
}

func (l *LocalSource) FetchRuleSet(ctx context.Context) ([]byte, error) {
	return os.ReadFile(l.rulesPath)
}

func (l *LocalSource) Describe() string {
	return "local:" + l.catalogPath + "," + l.rulesPath
}

// Watch fires onChange whenever either document is written or replaced.
// The parent directories are watched rather than the files themselves, so
// atomic rename-into-place updates are seen.
func (l *LocalSource) Watch(onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}

	dirs := map[string]bool{
		filepath.Dir(l.catalogPath): true,
		filepath.Dir(l.rulesPath):   true,
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return fmt.Errorf("watch policy dir %s: %w", dir, err)
		}
	}

	watched := map[string]bool{
		filepath.Clean(l.catalogPath): true,
		filepath.Clean(l.rulesPath):   true,
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				if !watched[filepath.Clean(event.Name)] {
					continue
				}
				l.logger.Info("policy document changed", "file", event.Name)
				onChange()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				l.logger.Error("fsnotify error", "error", err)
			}
		}
	}()

	return nil
}
