// Package config loads the gateway's TOML configuration document (§6) into
// structured settings, following the read-file/unmarshal/apply-defaults
// shape the teacher uses for its own configuration loader.
package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// ApiType selects how the outbound URL and organization headers are built.
type ApiType string

const (
	ApiTypeOpenAI   ApiType = "open_ai"
	ApiTypeAzure    ApiType = "azure"
	ApiTypeAzureAD  ApiType = "azure_ad"
)

// StreamTokenPolicy selects how streaming responses are token-accounted (§4.7).
type StreamTokenPolicy string

const (
	StreamSkip     StreamTokenPolicy = "skip"
	StreamReject   StreamTokenPolicy = "reject"
	StreamEstimate StreamTokenPolicy = "estimate"
)

// AuditBackendType selects the sink implementation (§6, §4.8).
type AuditBackendType string

const (
	BackendFile     AuditBackendType = "file"
	BackendSqlite   AuditBackendType = "sqlite"
	BackendMySQL    AuditBackendType = "mysql"
	BackendPostgres AuditBackendType = "postgres"
)

// JwtAuthConfig holds the HMAC-SHA-256 secret material for C5.
type JwtAuthConfig struct {
	Secret string `toml:"secret"`
}

// FileBackendConfig configures the append-only file sink.
type FileBackendConfig struct {
	Filename string `toml:"filename"`
}

// SQLBackendConfig configures a relational sink dialect. Not every field
// applies to every dialect (Sqlite only uses Filename; MySQL/Postgres use
// the networked fields).
type SQLBackendConfig struct {
	Filename string `toml:"filename"`
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	Socket   string `toml:"socket"`
	Username string `toml:"username"`
	Password string `toml:"password"`
	Database string `toml:"database"`
}

// AuditBackendConfig is the union of per-backend nested sections.
type AuditBackendConfig struct {
	File     FileBackendConfig `toml:"file"`
	Sqlite   SQLBackendConfig  `toml:"sqlite"`
	MySQL    SQLBackendConfig  `toml:"mysql"`
	Postgres SQLBackendConfig  `toml:"postgres"`
}

// AuditAccessFilterConfig gates the Audit Access Layer (C6, §4.6).
type AuditAccessFilterConfig struct {
	Enable   bool `toml:"enable"`
	Method   bool `toml:"method"`
	URI      bool `toml:"uri"`
	Headers  bool `toml:"headers"`
	Body     bool `toml:"body"`
	Response bool `toml:"response"`
}

// AuditTokensFilterConfig gates the Token Accounting Layer (C7, §4.7).
type AuditTokensFilterConfig struct {
	Enable       bool              `toml:"enable"`
	Endpoints    []string          `toml:"endpoints"`
	StreamTokens StreamTokenPolicy `toml:"stream_tokens"`
}

// AuditFiltersConfig bundles both filter sections.
type AuditFiltersConfig struct {
	Access AuditAccessFilterConfig `toml:"access"`
	Tokens AuditTokensFilterConfig `toml:"tokens"`
}

// AuditConfig is the top-level `[audit]` section.
type AuditConfig struct {
	Backend  AuditBackendType    `toml:"backend"`
	Backends AuditBackendConfig  `toml:"backends"`
	Filters  AuditFiltersConfig  `toml:"filters"`
}

// ServerConfig is the fully parsed `config.toml` document (§6).
type ServerConfig struct {
	Bind         string        `toml:"bind"`
	APIKeys      []string      `toml:"api_keys"`
	APIType      ApiType       `toml:"api_type"`
	APIBase      string        `toml:"api_base"`
	Organization string        `toml:"organization"`
	APIVersion   string        `toml:"api_version"`
	JwtAuth      JwtAuthConfig `toml:"jwt-auth"`
	Audit        AuditConfig   `toml:"audit"`
}

// Load reads and parses path into a ServerConfig, applying the documented
// defaults (§6) for any field the document omits.
func Load(path string) (*ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg ServerConfig
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *ServerConfig) {
	if cfg.Bind == "" {
		cfg.Bind = ":8080"
	}
	if cfg.APIType == "" {
		cfg.APIType = ApiTypeOpenAI
	}
	if cfg.APIBase == "" {
		cfg.APIBase = "https://api.openai.com/v1"
	}
	if cfg.Audit.Backend == "" {
		cfg.Audit.Backend = BackendFile
	}

	af := &cfg.Audit.Filters.Access
	if !af.Enable && !af.Method && !af.URI && !af.Headers && !af.Body && !af.Response {
		// No access filter switch set (section absent or all false): log
		// method and URI by default.
		af.Enable = true
		af.Method = true
		af.URI = true
	}

	tf := &cfg.Audit.Filters.Tokens
	if tf.StreamTokens == "" {
		tf.StreamTokens = StreamEstimate
	}
	if len(tf.Endpoints) == 0 {
		tf.Endpoints = []string{"/completions", "/chat/completions", "/edits", "/embeddings"}
	}
}
