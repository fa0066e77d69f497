// Package replaylog persists the set of Packet-IDs this node has already
// accepted, so a captured packet replayed at the same hop is rejected rather
// than processed twice. The schema and migration shape follow the gateway's
// gorm models (clients.go, msg_records.go): a plain struct tagged with
// gorm field options, migrated with AutoMigrate, with a dedicated index
// created afterward the way createIndexes() does for MediaFile.ExpiresAt.
package replaylog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"mix-remailer/internal/errs"
	"mix-remailer/internal/keyformat"
)

// seenPacket is the persisted row for one accepted Packet-ID.
type seenPacket struct {
	ID       uint      `gorm:"primaryKey"`
	PacketID string    `gorm:"uniqueIndex;size:32;not null"`
	SeenAt   time.Time `gorm:"index;not null"`
}

func (seenPacket) TableName() string { return "replay_packets" }

// packetIDHex renders a Packet-ID as the lowercase hex string stored in the
// unique index column.
func packetIDHex(id keyformat.KeyID) string {
	return fmt.Sprintf("%x", id)
}

// Log is a durable set of Packet-IDs, safe for concurrent use.
type Log struct {
	db     *gorm.DB
	window time.Duration
	log    *logrus.Entry
}

// Open connects to Postgres via dsn and migrates the replay table. window is
// the replay horizon: entries older than window are eligible for pruning.
func Open(dsn string, window time.Duration, log *logrus.Entry) (*Log, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, errs.New(errs.StoreMissing, fmt.Errorf("replaylog: connecting: %w", err))
	}
	if err := db.AutoMigrate(&seenPacket{}); err != nil {
		return nil, errs.New(errs.StoreMissing, fmt.Errorf("replaylog: migrating schema: %w", err))
	}
	return &Log{db: db, window: window, log: log}, nil
}

// Insert atomically checks the Packet-ID has not been seen and records it.
// It returns errs.Replay if the id is already present. The check-then-insert
// is carried out inside a single serializable transaction so two decoders
// racing on the same Packet-ID cannot both observe contains==false.
func (l *Log) Insert(ctx context.Context, id keyformat.KeyID, seenAt time.Time) error {
	hexID := packetIDHex(id)
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing seenPacket
		err := tx.Where("packet_id = ?", hexID).First(&existing).Error
		if err == nil {
			return errs.New(errs.Replay, fmt.Errorf("replaylog: packet-id %s already seen at %s", hexID, existing.SeenAt))
		}
		if err != gorm.ErrRecordNotFound {
			return fmt.Errorf("replaylog: checking packet-id: %w", err)
		}
		row := seenPacket{PacketID: hexID, SeenAt: seenAt.UTC()}
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("replaylog: inserting packet-id: %w", err)
		}
		return nil
	}, &sql.TxOptions{Isolation: sql.LevelSerializable})
	return err
}

// Contains reports whether id has already been recorded, without inserting
// it. Exposed for metrics and tests; Insert is the atomic path decoders must
// use.
func (l *Log) Contains(ctx context.Context, id keyformat.KeyID) (bool, error) {
	hexID := packetIDHex(id)
	var existing seenPacket
	err := l.db.WithContext(ctx).Where("packet_id = ?", hexID).First(&existing).Error
	if err == nil {
		return true, nil
	}
	if err == gorm.ErrRecordNotFound {
		return false, nil
	}
	return false, fmt.Errorf("replaylog: checking packet-id: %w", err)
}

// Prune drops entries older than the configured replay window, returning the
// number of rows removed.
func (l *Log) Prune(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-l.window)
	res := l.db.WithContext(ctx).Where("seen_at < ?", cutoff).Delete(&seenPacket{})
	if res.Error != nil {
		return 0, fmt.Errorf("replaylog: pruning: %w", res.Error)
	}
	if l.log != nil && res.RowsAffected > 0 {
		l.log.WithField("pruned", res.RowsAffected).Debug("replaylog: pruned expired entries")
	}
	return res.RowsAffected, nil
}

// Size reports the number of entries currently held, exposed for metrics.
func (l *Log) Size(ctx context.Context) (int64, error) {
	var count int64
	if err := l.db.WithContext(ctx).Model(&seenPacket{}).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("replaylog: counting: %w", err)
	}
	return count, nil
}

// Close releases the underlying connection pool. Safe to call once during
// shutdown, after in-flight decodes have drained.
func (l *Log) Close() error {
	sqlDB, err := l.db.DB()
	if err != nil {
		return fmt.Errorf("replaylog: obtaining sql.DB: %w", err)
	}
	return sqlDB.Close()
}
