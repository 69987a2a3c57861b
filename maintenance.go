package main

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/gluk-w/sshdeck/internal/eventhub"
	"github.com/gluk-w/sshdeck/internal/sshaudit"
	"github.com/gluk-w/sshdeck/internal/tree"
)

// maintenance holds the periodic jobs: audit retention, scrollback pruning
// and the tree backup.
type maintenance struct {
	store               *tree.Store
	hub                 *eventhub.Hub
	auditor             *sshaudit.Auditor
	backupPath          string
	scrollbackRetention time.Duration
	log                 *zap.Logger
}

// cleanup purges expired audit entries and forgets the scrollback of
// sessions closed longer than the retention.
func (m *maintenance) cleanup() {
	if m.auditor != nil {
		if _, err := m.auditor.PurgeOlderThan(0); err != nil {
			m.log.Warn("audit purge failed", zap.Error(err))
		}
	}
	if m.hub != nil {
		if n := m.hub.PruneClosed(m.scrollbackRetention); n > 0 {
			m.log.Info("pruned scrollback", zap.Int("sessions", n))
		}
	}
}

// backup exports the whole tree to backupPath, replacing the previous copy.
func (m *maintenance) backup(ctx context.Context) error {
	if m.backupPath == "" {
		return nil
	}
	if err := m.store.ExportFile(ctx, m.backupPath); err != nil {
		return fmt.Errorf("backup: %w", err)
	}
	profiles, folders := m.store.Counts()
	m.log.Info("tree backed up", zap.String("path", m.backupPath),
		zap.Int("profiles", profiles), zap.Int("folders", folders))
	return nil
}

// schedule registers the jobs. An empty backupSpec disables backups.
func (m *maintenance) schedule(cleanupSpec, backupSpec string) (*cron.Cron, error) {
	logger := cronLogger{m.log.Sugar()}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	if _, err := c.AddFunc(cleanupSpec, m.cleanup); err != nil {
		return nil, fmt.Errorf("maintenance schedule %q: %w", cleanupSpec, err)
	}
	if backupSpec != "" {
		_, err := c.AddFunc(backupSpec, func() {
			if err := m.backup(context.Background()); err != nil {
				m.log.Error("scheduled backup failed", zap.Error(err))
			}
		})
		if err != nil {
			return nil, fmt.Errorf("backup schedule %q: %w", backupSpec, err)
		}
	}
	return c, nil
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	log *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Errorw(msg, append(keysAndValues, "error", err)...)
}
