package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/ILLUVRSE/installdesk/internal/logging"
	"github.com/ILLUVRSE/installdesk/internal/models"
)

// ErrCacheMiss is returned by a Cache that holds no snapshot.
var ErrCacheMiss = errors.New("catalog cache miss")

// Source is the authoritative catalog, normally the request store.
type Source interface {
	ListCatalog(ctx context.Context) ([]models.CatalogEntry, error)
}

type Cache interface {
	Get(ctx context.Context) ([]models.CatalogEntry, error)
	Set(ctx context.Context, entries []models.CatalogEntry) error
	Invalidate(ctx context.Context) error
}

// Loader returns catalog snapshots, going through the cache when one is set.
type Loader struct {
	source Source
	cache  Cache
	log    *logrus.Entry
}

func NewLoader(source Source, cache Cache, log *logrus.Entry) *Loader {
	if log == nil {
		log = logging.Discard()
	}
	return &Loader{source: source, cache: cache, log: log}
}

func (l *Loader) Snapshot(ctx context.Context) ([]models.CatalogEntry, error) {
	if l.cache != nil {
		entries, err := l.cache.Get(ctx)
		switch {
		case err == nil && len(entries) > 0:
			return entries, nil
		case err != nil && !errors.Is(err, ErrCacheMiss):
			l.log.WithError(err).Warn("catalog cache read failed, using store")
		}
	}
	entries, err := l.source.ListCatalog(ctx)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	if l.cache != nil && len(entries) > 0 {
		if err := l.cache.Set(ctx, entries); err != nil {
			l.log.WithError(err).Warn("catalog cache write failed")
		}
	}
	return entries, nil
}

// Invalidate drops the cached snapshot so the next call reads the store.
func (l *Loader) Invalidate(ctx context.Context) error {
	if l.cache == nil {
		return nil
	}
	return l.cache.Invalidate(ctx)
}
