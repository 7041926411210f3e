package audit

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
)

type entryRow struct {
	ID           string `gorm:"primaryKey;size:64"`
	TraceID      string `gorm:"size:64;index"`
	Source       string `gorm:"size:32"`
	CredentialID string `gorm:"size:255"`
	CustomerID   string `gorm:"size:255;index"`
	Endpoint     string `gorm:"size:255"`
	Method       string `gorm:"size:16"`
	Provider     string `gorm:"size:32"`
	StatusCode   int
	LatencyMs    int64
	ErrorMessage string `gorm:"type:text"`
	Request      string `gorm:"type:text"`
	Response     string `gorm:"type:text"`
	CreatedAt    time.Time
}

func (entryRow) TableName() string { return "audit_logs" }

// GormSink appends entries to the audit_logs table.
type GormSink struct {
	db *gorm.DB
}

func NewGormSink(db *gorm.DB) (*GormSink, error) {
	if db == nil {
		panic("audit: NewGormSink requires a non-nil *gorm.DB")
	}
	if err := db.AutoMigrate(&entryRow{}); err != nil {
		return nil, fmt.Errorf("audit: migrate audit_logs: %w", err)
	}
	return &GormSink{db: db}, nil
}

func (s *GormSink) Record(ctx context.Context, e Entry) error {
	e = Stamp(e)
	row := entryRow{
		ID:           e.ID,
		TraceID:      e.TraceID,
		Source:       string(e.Source),
		CredentialID: e.CredentialID,
		CustomerID:   e.CustomerID,
		Endpoint:     e.Endpoint,
		Method:       e.Method,
		Provider:     e.Provider,
		StatusCode:   e.StatusCode,
		LatencyMs:    e.LatencyMs,
		ErrorMessage: e.ErrorMessage,
		Request:      e.Request,
		Response:     e.Response,
		CreatedAt:    e.CreatedAt,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("audit: insert %s: %w", e.ID, err)
	}
	return nil
}

// ByTrace returns every entry recorded under traceID, oldest first.
func (s *GormSink) ByTrace(ctx context.Context, traceID string) ([]Entry, error) {
	var rows []entryRow
	if err := s.db.WithContext(ctx).Where("trace_id = ?", traceID).Order("created_at ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("audit: query trace %s: %w", traceID, err)
	}
	entries := make([]Entry, 0, len(rows))
	for _, r := range rows {
		entries = append(entries, Entry{
			ID: r.ID, TraceID: r.TraceID, Source: Source(r.Source), CredentialID: r.CredentialID,
			CustomerID: r.CustomerID, Endpoint: r.Endpoint, Method: r.Method, Provider: r.Provider,
			StatusCode: r.StatusCode, LatencyMs: r.LatencyMs, ErrorMessage: r.ErrorMessage,
			Request: r.Request, Response: r.Response, CreatedAt: r.CreatedAt,
		})
	}
	return entries, nil
}
