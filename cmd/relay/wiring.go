package main

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/text/language"
	"gorm.io/gorm"

	"github.com/tbourn/go-chat-relay/internal/backend"
	"github.com/tbourn/go-chat-relay/internal/config"
	"github.com/tbourn/go-chat-relay/internal/delivery"
	"github.com/tbourn/go-chat-relay/internal/domain"
	"github.com/tbourn/go-chat-relay/internal/repo"
	"github.com/tbourn/go-chat-relay/internal/services"
	"github.com/tbourn/go-chat-relay/internal/sessions"
)

// ledgerDSN maps LEDGER_DB_PATH to a sqlite DSN; empty keeps the ledger in
// process memory.
func ledgerDSN(path string) string {
	p := strings.TrimSpace(path)
	if p == "" || strings.EqualFold(p, "memory") || p == ":memory:" {
		return repo.MemoryDSN
	}
	return p
}

func fallbackPolicy(d config.DeliveryConfig) delivery.FallbackPolicy {
	if d.FallbackOnEarlyFailure {
		return delivery.FallbackEarlyFailure
	}
	return delivery.FallbackTimeoutOnly
}

// openLedger opens and migrates the attempt ledger.
func openLedger(path string) (*gorm.DB, error) {
	db, err := repo.OpenSQLite(ledgerDSN(path))
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("migrate ledger: %w", err)
	}
	return db, nil
}

// buildService assembles the backend client, session directory, ledger and
// conversation service from cfg. The returned cleanup cancels outstanding
// submissions and closes the ledger.
func buildService(cfg config.Config) (*services.ConversationService, func(), error) {
	lg := log.Logger

	client := backend.New(backend.Options{
		BaseURL: cfg.Backend.BaseURL,
		Prefix:  cfg.Backend.Prefix,
		Token:   cfg.Backend.Token,
		Timeout: cfg.Backend.Timeout,
		RPS:     cfg.Backend.RPS,
		Burst:   cfg.Backend.Burst,
		Logger:  &lg,
	})

	db, err := openLedger(cfg.LedgerDBPath)
	if err != nil {
		return nil, nil, err
	}

	dir := &sessions.Directory{
		Source:      client,
		TitleLocale: language.English,
		Logger:      &lg,
	}

	svc := services.NewConversationService(client, dir, db)
	if m, ok := domain.ParseMode(cfg.Delivery.DefaultMode); ok {
		svc.DefaultMode = m
	}
	svc.FirstChunkTimeout = cfg.Delivery.FirstChunkTimeout
	svc.PollInterval = cfg.Delivery.PollInterval
	svc.PageSize = cfg.Delivery.PageSize
	svc.Policy = fallbackPolicy(cfg.Delivery)
	svc.MaxContentRunes = cfg.Delivery.MaxContentRunes
	svc.ReplayTTL = cfg.IdempotencyTTL
	svc.Logger = &lg

	cleanup := func() {
		svc.Close()
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	return svc, cleanup, nil
}
