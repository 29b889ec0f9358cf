package cmd

import (
	"context"
	"fmt"

	"github.com/mailscope/mailscope/internal/grant"
	"github.com/mailscope/mailscope/internal/metastore"
	"github.com/mailscope/mailscope/internal/scope"
	"github.com/mailscope/mailscope/internal/search"
	"github.com/mailscope/mailscope/internal/termdict"
)

// stores bundles the open storage engines a command works against.
type stores struct {
	dict   *termdict.Dict
	store  *metastore.Store
	engine *search.Engine
}

// openStores opens the term dictionary and metadata log, then rebuilds
// the in-memory index from them.
func openStores(ctx context.Context) (*stores, error) {
	dict, err := termdict.Open(cfg.DictPath())
	if err != nil {
		return nil, fmt.Errorf("open term dictionary: %w", err)
	}
	store, err := metastore.Open(cfg.MetaLogPath())
	if err != nil {
		dict.Close()
		return nil, fmt.Errorf("open metadata log: %w", err)
	}
	engine := search.NewEngine(dict, store, logger)
	if err := engine.Rebuild(ctx); err != nil {
		store.Close()
		dict.Close()
		return nil, fmt.Errorf("rebuild index: %w", err)
	}
	return &stores{dict: dict, store: store, engine: engine}, nil
}

// Close flushes and closes both logs.
func (s *stores) Close() {
	if err := s.store.Close(); err != nil {
		logger.Error("close metadata log", "error", err)
	}
	if err := s.dict.Close(); err != nil {
		logger.Error("close term dictionary", "error", err)
	}
}

func openGrants() (*grant.Engine, error) {
	grants, err := grant.Open(cfg.GrantsPath())
	if err != nil {
		return nil, fmt.Errorf("open grants: %w", err)
	}
	return grants, nil
}

func openContexts() (*scope.Registry, error) {
	contexts, err := scope.LoadRegistry(cfg.ContextsPath())
	if err != nil {
		return nil, fmt.Errorf("load contexts: %w", err)
	}
	return contexts, nil
}
