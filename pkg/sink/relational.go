package sink

import (
	"encoding/json"
	"fmt"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/nostalgicskinco/oai-audit-gateway/internal/logging"
)

// Dialect selects which GORM driver RelationalSink dials.
type Dialect string

const (
	DialectSqlite   Dialect = "sqlite"
	DialectMySQL    Dialect = "mysql"
	DialectPostgres Dialect = "postgres"
)

// DSN holds the connection parameters for a relational backend, mirroring
// the nested per-backend config sections of §6.
type DSN struct {
	Filename string // sqlite
	Host     string
	Port     int
	Socket   string
	Username string
	Password string
	Database string
}

// auditLogRow and tokensLogRow are the GORM row models realizing the
// logical schemas of §6. GORM's AutoMigrate creates these tables if absent,
// which is the ecosystem-idiomatic equivalent of the original's per-dialect
// "CREATE TABLE IF NOT EXISTS" statements.
type auditLogRow struct {
	ID              uint   `gorm:"primaryKey"`
	Timestamp       int64  `gorm:"index"`
	RayID           string `gorm:"column:ray_id;size:16;index"`
	User            *string
	Method          *string
	URI             *string `gorm:"column:uri"`
	Headers         *string
	Body            *string
	ResponseStatus  *int16 `gorm:"column:response_status"`
	ResponseHeaders *string
	ResponseBody    *string
}

func (auditLogRow) TableName() string { return "audit_log" }

type tokensLogRow struct {
	ID                uint   `gorm:"primaryKey"`
	Timestamp         int64  `gorm:"index"`
	RayID             string `gorm:"column:ray_id;size:16;index"`
	User              *string
	Model             string
	IsEstimated       bool
	PromptTokens      int
	CompletionTokens  int
	TotalTokens       int
}

func (tokensLogRow) TableName() string { return "tokens_log" }

// RelationalSink persists access and token records via GORM against one of
// the three supported dialects.
type RelationalSink struct {
	db  *gorm.DB
	log *logging.Logger
}

// NewRelationalSink dials dialect with dsn and returns an uninitialized
// RelationalSink; call Init to create the tables.
func NewRelationalSink(dialect Dialect, dsn DSN, log *logging.Logger) (*RelationalSink, error) {
	var open gorm.Dialector
	switch dialect {
	case DialectSqlite:
		open = sqlite.Open(dsn.Filename)
	case DialectMySQL:
		mdsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&charset=utf8mb4",
			dsn.Username, dsn.Password, dsn.Host, dsn.Port, dsn.Database)
		if dsn.Socket != "" {
			mdsn = fmt.Sprintf("%s:%s@unix(%s)/%s?parseTime=true&charset=utf8mb4",
				dsn.Username, dsn.Password, dsn.Socket, dsn.Database)
		}
		open = mysql.Open(mdsn)
	case DialectPostgres:
		pdsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
			dsn.Host, dsn.Port, dsn.Username, dsn.Password, dsn.Database)
		open = postgres.Open(pdsn)
	default:
		return nil, fmt.Errorf("sink(relational): unsupported dialect %q", dialect)
	}

	db, err := gorm.Open(open, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("sink(relational): connect %s: %w", dialect, err)
	}
	return &RelationalSink{db: db, log: log}, nil
}

// Init creates audit_log and tokens_log if they do not exist, per §4.8.
func (s *RelationalSink) Init() error {
	if err := s.db.AutoMigrate(&auditLogRow{}, &tokensLogRow{}); err != nil {
		return fmt.Errorf("sink(relational): migrate: %w", err)
	}
	return nil
}

func (s *RelationalSink) LogAccess(rec AccessLog) {
	row := auditLogRow{
		Timestamp: rec.Timestamp.UnixMilli(),
		RayID:     rec.RayID,
		User:      rec.User,
		Method:    rec.Method,
		URI:       rec.URI,
		Headers:   jsonOrNil(rec.Headers),
		Body:      rec.Body,
	}
	if rec.ResponseStatus != nil {
		v := int16(*rec.ResponseStatus)
		row.ResponseStatus = &v
	}
	row.ResponseHeaders = jsonOrNil(rec.ResponseHeaders)
	row.ResponseBody = rec.ResponseBody

	if err := s.db.Create(&row).Error; err != nil {
		s.log.Errorf("sink(relational): write access log: %v", err)
	}
}

func (s *RelationalSink) LogTokens(rec TokenUsageLog) {
	row := tokensLogRow{
		Timestamp:        rec.Timestamp.UnixMilli(),
		RayID:            rec.RayID,
		User:             rec.User,
		Model:            rec.Model,
		IsEstimated:      rec.IsEstimated,
		PromptTokens:     rec.Usage.Prompt,
		CompletionTokens: rec.Usage.Completion,
		TotalTokens:      rec.Usage.Total,
	}
	if err := s.db.Create(&row).Error; err != nil {
		s.log.Errorf("sink(relational): write token usage log: %v", err)
	}
}

func jsonOrNil[T any](v T) *string {
	if m, ok := any(v).(map[string]string); ok && m == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	s := string(b)
	return &s
}
