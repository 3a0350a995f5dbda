package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/jask/beatadmin/internal/auth"
	"github.com/jask/beatadmin/internal/blobstore"
	"github.com/jask/beatadmin/internal/config"
	"github.com/jask/beatadmin/internal/database"
	"github.com/jask/beatadmin/internal/docstore"
	"github.com/jask/beatadmin/internal/secrets"
	"github.com/jask/beatadmin/internal/selection"
	"github.com/jask/beatadmin/internal/service"
)

// tokenProfile names the stored identity token in the secrets file.
const tokenProfile = "admin"

// app holds the opened stores and the services built on them.
type app struct {
	db    *sql.DB
	docs  *docstore.Store
	blobs *blobstore.Store

	catalog     *service.CatalogService
	phones      *service.PhoneService
	maintenance *service.MaintenanceService
}

func openApp(ctx context.Context, cfg config.Config, log *zap.Logger) (*app, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir db dir: %w", err)
	}
	if err := database.RunMigrations(cfg.Database.Path, cfg.Database.Migrations); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	db, err := database.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open db: %w", err)
	}

	blobs, err := blobstore.New(cfg.Blob.Root, cfg.Blob.PublicBaseURL, log)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	provider, err := identityProvider(cfg.Auth)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	strategy, err := selection.ParseStrategy(cfg.Selection.Strategy)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	docs := docstore.New(db, log)
	phones, err := selection.New(docs, service.PhonesCollection, strategy, log)
	if err != nil {
		_ = docs.Close()
		_ = db.Close()
		return nil, err
	}

	return &app{
		db:          db,
		docs:        docs,
		blobs:       blobs,
		catalog:     &service.CatalogService{Docs: docs, Blobs: blobs, Auth: provider, Log: log.Named("catalog")},
		phones:      &service.PhoneService{Selection: phones},
		maintenance: &service.MaintenanceService{Docs: docs, Blobs: blobs, Log: log},
	}, nil
}

func (a *app) Close() error {
	return errors.Join(a.docs.Close(), a.db.Close())
}

// identityProvider resolves who uploads are attributed to. Token mode reads
// the token from config first, then from the stored login session.
func identityProvider(cfg config.AuthConfig) (auth.Provider, error) {
	switch cfg.Mode {
	case "token":
		if cfg.Secret == "" {
			return nil, errors.New("auth.secret is required in token mode")
		}
		return auth.TokenProvider{
			Secret: []byte(cfg.Secret),
			Token: func(context.Context) (string, error) {
				if cfg.Token != "" {
					return cfg.Token, nil
				}
				vault, err := secrets.Default()
				if err != nil {
					return "", err
				}
				sess, err := vault.Load(tokenProfile)
				if errors.Is(err, secrets.ErrNoSession) || errors.Is(err, secrets.ErrExpired) {
					return "", nil
				}
				return sess.Token, err
			},
		}, nil
	default:
		return auth.StaticProvider{Identity: auth.Identity{UID: cfg.UID, Email: cfg.Email}}, nil
	}
}
