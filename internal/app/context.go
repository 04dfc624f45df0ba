package app

import (
	"context"
	"errors"
	"fmt"

	"pidestat/internal/config"
	"pidestat/internal/engine"
	"pidestat/internal/repo"
)

// ResolveSessionAndConfig picks the active session and its config. The
// session comes from the override, then pidestat.yml, then the only session
// in the database. A session that does not exist yet is created on the fly.
func ResolveSessionAndConfig(ctx context.Context, workspace, sessionOverride, actorID string, eng engine.Engine) (string, *config.Config, error) {
	fileCfg, err := config.LoadOptional(workspace)
	if err != nil {
		return "", nil, err
	}
	sessionID := sessionOverride
	if sessionID == "" && fileCfg != nil {
		sessionID = fileCfg.Session.ID
	}
	if sessionID == "" {
		s, err := eng.Repo.SingleSession(ctx)
		if err != nil {
			return "", nil, fmt.Errorf("session not specified; use --session")
		}
		sessionID = s.ID
	}

	if _, err := eng.Repo.GetSession(ctx, sessionID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		if actorID == "" {
			actorID = "local-user"
		}
		if _, err := eng.InitSession(ctx, sessionID, "", actorID); err != nil {
			return "", nil, fmt.Errorf("create session: %w", err)
		}
	}

	cfg := fileCfg
	if cfg == nil {
		cfg = config.Default(sessionID)
	}
	cfg.Session.ID = sessionID
	return sessionID, cfg, nil
}
