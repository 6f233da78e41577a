package store

import (
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"

	"foreman/internal/logging"
)

// MaintenanceConfig tunes the background store sweeper.
type MaintenanceConfig struct {
	// Schedule is a cron spec; defaults to hourly.
	Schedule string
	// DeadLetterRetention drops dead-letter files older than this.
	DeadLetterRetention time.Duration
}

// Maintenance periodically re-scans the store and expires old dead-letter
// records. Runs on a cron schedule so the sweep cadence is operator-tunable.
type Maintenance struct {
	store  *FileStore
	config MaintenanceConfig
	cron   *cron.Cron
	logger logging.Logger
}

// NewMaintenance creates the sweeper; Start arms the schedule.
func NewMaintenance(store *FileStore, config MaintenanceConfig, logger logging.Logger) *Maintenance {
	if config.Schedule == "" {
		config.Schedule = "@hourly"
	}
	if config.DeadLetterRetention <= 0 {
		config.DeadLetterRetention = 7 * 24 * time.Hour
	}
	return &Maintenance{
		store:  store,
		config: config,
		cron:   cron.New(),
		logger: logging.OrNop(logger),
	}
}

// Start schedules the sweep. Invalid schedules are reported, not fatal.
func (m *Maintenance) Start() error {
	if _, err := m.cron.AddFunc(m.config.Schedule, m.Sweep); err != nil {
		return err
	}
	m.cron.Start()
	m.logger.Info("Store maintenance scheduled (%s)", m.config.Schedule)
	return nil
}

// Stop halts the schedule and waits for an in-flight sweep.
func (m *Maintenance) Stop() {
	ctx := m.cron.Stop()
	<-ctx.Done()
}

// Sweep runs one maintenance pass: integrity scan plus dead-letter expiry.
func (m *Maintenance) Sweep() {
	if _, err := m.store.Scan(ScanLogAndContinue); err != nil {
		m.logger.Error("Maintenance scan failed: %v", err)
	}
	expired := m.expireDeadLetters()
	if expired > 0 {
		m.logger.Info("Expired %d dead-letter records", expired)
	}
}

func (m *Maintenance) expireDeadLetters() int {
	dir := filepath.Join(m.store.dir, deadLetterDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		m.logger.Warn("Dead-letter listing failed: %v", err)
		return 0
	}

	cutoff := time.Now().Add(-m.config.DeadLetterRetention)
	expired := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil {
			m.logger.Warn("Removing expired dead letter %s: %v", entry.Name(), err)
			continue
		}
		expired++
	}
	return expired
}
