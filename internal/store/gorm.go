package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/yourorg/payment-gateway/internal/payment"
)

// paymentRow is the table layout of a payment record.
type paymentRow struct {
	ID                    string              `gorm:"primaryKey;size:64"`
	ProviderTransactionID string              `gorm:"size:255;index"`
	Provider              string              `gorm:"size:32;index"`
	Amount                decimal.Decimal     `gorm:"type:decimal(18,2)"`
	Currency              string              `gorm:"size:3"`
	Status                string              `gorm:"size:32;index"`
	CustomerID            string              `gorm:"size:255;index"`
	Metadata              map[string]string   `gorm:"serializer:json"`
	RefundID              string              `gorm:"size:255"`
	RefundStatus          string              `gorm:"size:32"`
	RefundAmount          decimal.NullDecimal `gorm:"type:decimal(18,2)"`
	CreatedAt             time.Time           `gorm:"index"`
	UpdatedAt             time.Time
}

func (paymentRow) TableName() string { return "payments" }

func rowFromRecord(rec payment.PaymentRecord) paymentRow {
	row := paymentRow{
		ID:                    rec.ID,
		ProviderTransactionID: rec.ProviderTransactionID,
		Provider:              string(rec.Provider),
		Amount:                rec.Amount,
		Currency:              rec.Currency,
		Status:                string(rec.Status),
		CustomerID:            rec.CustomerID,
		Metadata:              rec.Metadata,
		RefundID:              rec.RefundID,
		RefundStatus:          string(rec.RefundStatus),
		CreatedAt:             rec.CreatedAt.UTC(),
		UpdatedAt:             rec.UpdatedAt.UTC(),
	}
	if rec.RefundAmount != nil {
		row.RefundAmount = decimal.NewNullDecimal(*rec.RefundAmount)
	}
	return row
}

func (r paymentRow) record() payment.PaymentRecord {
	rec := payment.PaymentRecord{
		ID:                    r.ID,
		ProviderTransactionID: r.ProviderTransactionID,
		Provider:              payment.Provider(r.Provider),
		Amount:                payment.RoundAmount(r.Amount),
		Currency:              r.Currency,
		Status:                payment.Status(r.Status),
		CustomerID:            r.CustomerID,
		Metadata:              r.Metadata,
		RefundID:              r.RefundID,
		RefundStatus:          payment.Status(r.RefundStatus),
		CreatedAt:             r.CreatedAt.UTC(),
		UpdatedAt:             r.UpdatedAt.UTC(),
	}
	if r.RefundAmount.Valid {
		amt := payment.RoundAmount(r.RefundAmount.Decimal)
		rec.RefundAmount = &amt
	}
	return rec
}

// GormStore is a RecordStore over any gorm dialect.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore migrates the payments table and returns the store.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if db == nil {
		panic("store: NewGormStore requires a non-nil *gorm.DB")
	}
	if err := db.AutoMigrate(&paymentRow{}); err != nil {
		return nil, fmt.Errorf("store: migrate payments: %w", err)
	}
	return &GormStore{db: db}, nil
}

// MySQLConfig describes the production database.
type MySQLConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
}

// DSN renders the driver connection string.
func (c MySQLConfig) DSN() string {
	cfg := mysql.NewConfig()
	cfg.User = c.User
	cfg.Passwd = c.Password
	cfg.Net = "tcp"
	cfg.Addr = c.Host + ":" + c.Port
	cfg.DBName = c.Name
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	cfg.Params = map[string]string{"charset": "utf8mb4"}
	return cfg.FormatDSN()
}

// OpenMySQL connects to MySQL through gorm.
func OpenMySQL(c MySQLConfig) (*gorm.DB, error) {
	db, err := gorm.Open(gormmysql.Open(c.DSN()), &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		return nil, fmt.Errorf("store: open mysql %s:%s/%s: %w", c.Host, c.Port, c.Name, err)
	}
	return db, nil
}

func (s *GormStore) Create(ctx context.Context, rec payment.PaymentRecord) error {
	row := rowFromRecord(rec)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("store: create payment %s: %w", rec.ID, err)
	}
	return nil
}

func (s *GormStore) Update(ctx context.Context, rec payment.PaymentRecord) error {
	row := rowFromRecord(rec)
	res := s.db.WithContext(ctx).Model(&paymentRow{}).Where("id = ?", rec.ID).Select("*").Updates(&row)
	if res.Error != nil {
		return fmt.Errorf("store: update payment %s: %w", rec.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) Get(ctx context.Context, id string) (payment.PaymentRecord, error) {
	return s.first(ctx, "id = ?", id)
}

func (s *GormStore) GetByProviderTransactionID(ctx context.Context, txID string) (payment.PaymentRecord, error) {
	return s.first(ctx, "provider_transaction_id = ?", txID)
}

func (s *GormStore) first(ctx context.Context, query string, arg string) (payment.PaymentRecord, error) {
	var row paymentRow
	err := s.db.WithContext(ctx).Where(query, arg).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return payment.PaymentRecord{}, ErrNotFound
	}
	if err != nil {
		return payment.PaymentRecord{}, fmt.Errorf("store: get payment %s: %w", arg, err)
	}
	return row.record(), nil
}

// List counts before paging so Total is independent of Limit and Offset.
func (s *GormStore) List(ctx context.Context, params payment.ListParams) (payment.ListResult, error) {
	params = params.Clamp()

	q := s.db.WithContext(ctx).Model(&paymentRow{})
	if params.Provider != "" {
		q = q.Where("provider = ?", string(params.Provider))
	}
	if params.Status != "" {
		q = q.Where("status = ?", string(params.Status))
	}
	if params.CustomerID != "" {
		q = q.Where("customer_id = ?", params.CustomerID)
	}
	if params.Start != nil {
		q = q.Where("created_at >= ?", params.Start.UTC())
	}
	if params.End != nil {
		q = q.Where("created_at < ?", params.End.UTC())
	}

	q = q.Session(&gorm.Session{})

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return payment.ListResult{}, fmt.Errorf("store: count payments: %w", err)
	}

	var rows []paymentRow
	if err := q.Order("created_at DESC").Order("id DESC").Limit(params.Limit).Offset(params.Offset).Find(&rows).Error; err != nil {
		return payment.ListResult{}, fmt.Errorf("store: list payments: %w", err)
	}

	records := make([]payment.PaymentRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, row.record())
	}
	return payment.ListResult{Records: records, Total: total, Limit: params.Limit, Offset: params.Offset}, nil
}
