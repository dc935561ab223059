package services

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/papergloss/backend/internal/domain"
	"github.com/papergloss/backend/internal/platform/logger"
)

// AuditEvent is the persisted form of a progress event, written for the admin
// dashboard. The pipeline only ever writes this table; nothing reads it back
// into the core.
type AuditEvent struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	SessionID uuid.UUID `gorm:"type:uuid;index"`
	Type      string    `gorm:"index"`
	Ordinal   int
	Stage     string
	Status    string
	State     string
	Detail    string
	CreatedAt time.Time `gorm:"index"`
}

// AuditSink persists progress events asynchronously so a slow database never
// stalls a stage call. Implements pipeline.EventSink.
type AuditSink struct {
	log    *logger.Logger
	db     *gorm.DB
	queue  chan domain.ProgressEvent
	closed chan struct{}
}

func NewAuditSink(db *gorm.DB, log *logger.Logger) (*AuditSink, error) {
	if err := db.AutoMigrate(&AuditEvent{}); err != nil {
		return nil, err
	}
	s := &AuditSink{
		log:    log.With("service", "AuditSink"),
		db:     db,
		queue:  make(chan domain.ProgressEvent, 256),
		closed: make(chan struct{}),
	}
	go s.drain()
	return s, nil
}

func (s *AuditSink) Record(_ context.Context, ev domain.ProgressEvent) {
	select {
	case s.queue <- ev:
	default:
		s.log.Warn("audit queue full, dropping event", "session_id", ev.SessionID, "type", ev.Type)
	}
}

// Close flushes the queue and stops the writer.
func (s *AuditSink) Close() {
	close(s.queue)
	<-s.closed
}

func (s *AuditSink) drain() {
	defer close(s.closed)
	for ev := range s.queue {
		row := AuditEvent{
			ID:        ev.ID,
			SessionID: ev.SessionID,
			Type:      string(ev.Type),
			Ordinal:   ev.Ordinal,
			Stage:     string(ev.Stage),
			Status:    string(ev.Status),
			State:     string(ev.State),
			Detail:    ev.Detail,
			CreatedAt: ev.At,
		}
		if err := s.db.Create(&row).Error; err != nil {
			s.log.Error("audit write failed", "session_id", ev.SessionID, "type", ev.Type, "error", err)
		}
	}
}
