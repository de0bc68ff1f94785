package infrastructure

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/juanbautista0/federation-gateway/internal/domain"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ErrConfigNotFound is returned by a store that holds no document yet.
var ErrConfigNotFound = errors.New("federation config not found in store")

// FileConfigStore keeps the federation document as a YAML file.
type FileConfigStore struct {
	configPath string
	logger     *zap.Logger
}

func NewFileConfigStore(configPath string, logger *zap.Logger) *FileConfigStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileConfigStore{
		configPath: filepath.Clean(configPath),
		logger:     logger.With(zap.String("component", "file_config_store")),
	}
}

func (r *FileConfigStore) Load(ctx context.Context) (*domain.FederationConfig, error) {
	data, err := os.ReadFile(r.configPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, r.configPath)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", r.configPath, err)
	}
	return decodeConfig(data)
}

// Save writes through a temp file and rename so watchers never read a
// truncated document.
func (r *FileConfigStore) Save(ctx context.Context, cfg *domain.FederationConfig) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(r.configPath), ".federation-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp config: %w", err)
	}
	if err := os.Rename(tmp.Name(), r.configPath); err != nil {
		return fmt.Errorf("replace %s: %w", r.configPath, err)
	}
	return nil
}

// Watch reloads the document on every write or rename into place. The
// directory is watched because Save replaces the file inode.
func (r *FileConfigStore) Watch(ctx context.Context, callback func(*domain.FederationConfig)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(r.configPath)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", r.configPath, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				// Solo recargar el archivo de configuración específico
				if filepath.Clean(event.Name) != r.configPath || !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				cfg, err := r.Load(ctx)
				if err != nil {
					r.logger.Warn("config reload skipped", zap.Error(err))
					continue
				}
				callback(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.logger.Error("config watcher error", zap.Error(err))
			}
		}
	}()

	return nil
}

func decodeConfig(data []byte) (*domain.FederationConfig, error) {
	var cfg domain.FederationConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, &domain.ConfigurationError{Field: "document", Reason: err.Error()}
	}
	return &cfg, nil
}
