package infrastructure

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/juanbautista0/federation-gateway/internal/domain"
	"gopkg.in/yaml.v3"
)

const (
	EnvConfigPath = "FEDERATION_CONFIG"
	EnvLogLevel   = "FEDERATION_LOG_LEVEL"
)

// LoadBootstrap reads the process configuration, applies environment
// overrides and fills defaults. The ports match the historical layout:
// proxy 8080, metrics 8081, admin 8082.
func LoadBootstrap(path string) (*domain.Bootstrap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read bootstrap %s: %w", path, err)
	}

	var b domain.Bootstrap
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("parse bootstrap %s: %w", path, err)
	}

	if level := os.Getenv(EnvLogLevel); level != "" {
		b.Log.Level = level
	}
	applyBootstrapDefaults(&b, path)
	return &b, nil
}

func applyBootstrapDefaults(b *domain.Bootstrap, path string) {
	s := &b.Server
	if s.ProxyAddr == "" {
		s.ProxyAddr = ":8080"
	}
	if s.MetricsAddr == "" {
		s.MetricsAddr = ":8081"
	}
	if s.AdminAddr == "" {
		s.AdminAddr = ":8082"
	}
	if s.ReadTimeout <= 0 {
		s.ReadTimeout = 30 * time.Second
	}
	if s.WriteTimeout <= 0 {
		s.WriteTimeout = 60 * time.Second
	}
	if s.ShutdownTimeout <= 0 {
		s.ShutdownTimeout = 30 * time.Second
	}

	if b.Log.Level == "" {
		b.Log.Level = "info"
	}
	if b.Log.Format == "" {
		b.Log.Format = "json"
	}

	if b.Storage.Driver == "" {
		b.Storage.Driver = "file"
	}
	if b.Storage.Driver == "file" && b.Storage.File.Path == "" {
		b.Storage.File.Path = filepath.Join(filepath.Dir(path), "federation.yaml")
	}
}
