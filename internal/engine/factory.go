package engine

import (
	"fmt"

	"hotbackup/internal/backup"
	"hotbackup/internal/config"
	hbfs "hotbackup/internal/fs"
)

// NewEngineFromConfig creates an Engine implementation based on the engine config type.
func NewEngineFromConfig(cfg config.EngineConfig, logger backup.Logger) (backup.Engine, error) {
	switch cfg.Type {
	case "", "local":
		e := NewLocalEngine(cfg.ChunkSize, hbfs.NewExcludeMatcher(cfg.Exclude), logger)
		e.SetThrottle(cfg.Throttle)
		return e, nil
	default:
		return nil, fmt.Errorf("unknown engine type: %s", cfg.Type)
	}
}
