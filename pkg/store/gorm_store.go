package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"balungpisah/pkg/domain"
)

const migrateLockID int64 = 51830214

// GormStore implements Store using GORM. Postgres in production, sqlite in tests.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens a Postgres database and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	return OpenGormStore(postgres.Open(dsn))
}

// OpenGormStore opens the store on any GORM dialector.
func OpenGormStore(dialector gorm.Dialector) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormLog, TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&ThreadModel{}, &MessageModel{}, &BlockModel{}, &ReportModel{}, &ReportJobModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

// DB exposes the underlying handle for health checks.
func (s *GormStore) DB() *gorm.DB {
	return s.db
}

// Ping checks database connectivity.
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// withMigrationLock serializes migrations across replicas on Postgres.
func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	if db.Dialector.Name() != "postgres" {
		return fn(db)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

func isNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}

func isDuplicate(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey)
}

func threadToModel(t domain.Thread) ThreadModel {
	return ThreadModel{
		ID:        t.ID,
		UserID:    t.UserID,
		OrgID:     t.OrgID,
		Title:     t.Title,
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
	}
}

func threadFromModel(m ThreadModel) domain.Thread {
	return domain.Thread{
		ID:        m.ID,
		UserID:    m.UserID,
		OrgID:     m.OrgID,
		Title:     m.Title,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

func messageToModel(msg domain.Message) (MessageModel, error) {
	var content []byte
	if len(msg.Content) > 0 {
		raw, err := json.Marshal(msg.Content)
		if err != nil {
			return MessageModel{}, fmt.Errorf("encode message content: %w", err)
		}
		content = raw
	}
	return MessageModel{
		ID:           msg.ID,
		ThreadID:     msg.ThreadID,
		Seq:          msg.Seq,
		Role:         string(msg.Role),
		Content:      content,
		FinishReason: msg.FinishReason,
		Model:        msg.Model,
		CreatedAt:    msg.CreatedAt,
	}, nil
}

func messageFromModel(m MessageModel) domain.Message {
	var content []domain.ContentPart
	if len(m.Content) > 0 {
		_ = json.Unmarshal(m.Content, &content)
	}
	return domain.Message{
		ID:           m.ID,
		ThreadID:     m.ThreadID,
		Seq:          m.Seq,
		Role:         domain.MessageRole(m.Role),
		Content:      content,
		FinishReason: m.FinishReason,
		Model:        m.Model,
		CreatedAt:    m.CreatedAt,
	}
}

func blockToModel(b domain.Block) (BlockModel, error) {
	payload, err := json.Marshal(b)
	if err != nil {
		return BlockModel{}, fmt.Errorf("encode block %d: %w", b.Index, err)
	}
	return BlockModel{
		ID:         b.ID,
		MessageID:  b.MessageID,
		BlockIndex: b.Index,
		Type:       string(b.Type),
		Payload:    payload,
	}, nil
}

func blockFromModel(m BlockModel) domain.Block {
	var b domain.Block
	_ = json.Unmarshal(m.Payload, &b)
	b.ID = m.ID
	b.MessageID = m.MessageID
	b.Index = m.BlockIndex
	b.Type = domain.BlockType(m.Type)
	return b
}

func reportToModel(r domain.Report) ReportModel {
	categories, _ := json.Marshal(nonNil(r.Categories))
	location, _ := json.Marshal(r.Location)
	attachments, _ := json.Marshal(nonNil(r.Attachments))
	return ReportModel{
		ID:              r.ID,
		ReferenceNumber: r.ReferenceNumber,
		ThreadID:        r.ThreadID,
		UserID:          r.UserID,
		OrgID:           r.OrgID,
		Title:           r.Title,
		Description:     r.Description,
		Timeline:        r.Timeline,
		Impact:          r.Impact,
		Status:          string(r.Status),
		Categories:      categories,
		Location:        location,
		Attachments:     attachments,
		ConfidenceScore: r.ConfidenceScore,
		IntentAction:    r.IntentAction,
		IntentScore:     r.IntentScore,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
		VerifiedAt:      r.VerifiedAt,
		VerifiedBy:      r.VerifiedBy,
		ResolvedAt:      r.ResolvedAt,
		ResolvedBy:      r.ResolvedBy,
	}
}

func reportFromModel(m ReportModel) domain.Report {
	r := domain.Report{
		ID:              m.ID,
		ReferenceNumber: m.ReferenceNumber,
		ThreadID:        m.ThreadID,
		UserID:          m.UserID,
		OrgID:           m.OrgID,
		Title:           m.Title,
		Description:     m.Description,
		Timeline:        m.Timeline,
		Impact:          m.Impact,
		Status:          domain.ReportStatus(m.Status),
		ConfidenceScore: m.ConfidenceScore,
		IntentAction:    m.IntentAction,
		IntentScore:     m.IntentScore,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
		VerifiedAt:      m.VerifiedAt,
		VerifiedBy:      m.VerifiedBy,
		ResolvedAt:      m.ResolvedAt,
		ResolvedBy:      m.ResolvedBy,
	}
	if len(m.Categories) > 0 {
		_ = json.Unmarshal(m.Categories, &r.Categories)
	}
	if len(m.Location) > 0 {
		_ = json.Unmarshal(m.Location, &r.Location)
	}
	if len(m.Attachments) > 0 {
		_ = json.Unmarshal(m.Attachments, &r.Attachments)
	}
	r.Categories = nonNil(r.Categories)
	r.Attachments = nonNil(r.Attachments)
	return r
}

func jobToModel(j domain.ReportJob) ReportJobModel {
	return ReportJobModel{
		ID:              j.ID,
		ReportID:        j.ReportID,
		ThreadID:        j.ThreadID,
		Status:          string(j.Status),
		ConfidenceScore: j.ConfidenceScore,
		RetryCount:      j.RetryCount,
		LastAttemptAt:   j.LastAttemptAt,
		NextAttemptAt:   j.NextAttemptAt,
		ClaimToken:      j.ClaimToken,
		ErrorMessage:    j.ErrorMessage,
		SubmittedAt:     j.SubmittedAt,
		ProcessedAt:     j.ProcessedAt,
	}
}

func jobFromModel(m ReportJobModel) domain.ReportJob {
	return domain.ReportJob{
		ID:              m.ID,
		ReportID:        m.ReportID,
		ThreadID:        m.ThreadID,
		Status:          domain.JobStatus(m.Status),
		ConfidenceScore: m.ConfidenceScore,
		RetryCount:      m.RetryCount,
		LastAttemptAt:   m.LastAttemptAt,
		NextAttemptAt:   m.NextAttemptAt,
		ClaimToken:      m.ClaimToken,
		ErrorMessage:    m.ErrorMessage,
		SubmittedAt:     m.SubmittedAt,
		ProcessedAt:     m.ProcessedAt,
	}
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
