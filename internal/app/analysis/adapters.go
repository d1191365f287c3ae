package analysis

import (
	"context"

	"github.com/quarryscan/quarry/internal/config"
	"github.com/quarryscan/quarry/internal/domain/analysis"
)

var _ analysis.ProjectConfigService = (*configProjectQuota)(nil)

// configProjectQuota resolves per-project concurrency limits from static
// configuration.
type configProjectQuota struct{ cfg *config.Config }

// NewConfigProjectQuota adapts the loaded configuration to the project quota
// port.
func NewConfigProjectQuota(cfg *config.Config) *configProjectQuota {
	return &configProjectQuota{cfg: cfg}
}

func (q *configProjectQuota) SubtaskCountLimit(_ context.Context, projectID string) (int64, error) {
	return q.cfg.SubtaskCountLimit(projectID), nil
}

var _ analysis.CredentialsResolver = (*staticCredentials)(nil)

// staticCredentials hands every repository the same storage credentials key.
// Deployments with per-repo storage backends replace this with a resolver
// backed by the repository service.
type staticCredentials struct{ key string }

// NewStaticCredentials creates a resolver that always returns key.
func NewStaticCredentials(key string) *staticCredentials {
	return &staticCredentials{key: key}
}

func (c *staticCredentials) StorageKey(context.Context, string, string) (string, error) {
	return c.key, nil
}
