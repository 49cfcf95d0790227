package types

import (
	"strings"
	"time"
)

// Config holds all configuration values for the gateway. It is built once at
// process start and handed to every component that needs it.
type Config struct {
	Host        string
	Port        string
	DatabaseDSN string
	RoutePrefix string

	// OAuth provider
	OAuthClientID     string
	OAuthClientSecret string
	OAuthAuthorizeURL string
	OAuthTokenURL     string
	OAuthUserInfoURL  string
	OAuthCallbackURL  string
	Scopes            string

	// DefaultSubjectID is used by handlers that need a credential but were
	// not given a subject explicitly.
	DefaultSubjectID string

	HandshakeTTL           time.Duration
	HandshakeSweepInterval time.Duration

	RefreshThreshold    time.Duration
	RefreshTimeout      time.Duration
	RefreshInitialDelay time.Duration
	RefreshInterval     time.Duration

	// SecurityConfigFile is a YAML file holding AccessRules. It is watched
	// and reloaded on change. When empty, InitialRules is used as-is.
	SecurityConfigFile string
	InitialRules       AccessRules

	ExcludedPaths     []string
	CorrelationWindow time.Duration
}

// AccessRules is the hot-reloadable admission configuration.
type AccessRules struct {
	Enabled          bool     `yaml:"enabled" json:"enabled"`
	AllowList        []string `yaml:"ipWhitelist" json:"ipWhitelist"`
	PassTokenEnabled bool     `yaml:"passTokenEnabled" json:"passTokenEnabled"`
	PassTokens       []string `yaml:"passTokens" json:"passTokens"`
}

// Credential is the persisted access/refresh token pair for one external subject.
type Credential struct {
	ID           uint       `gorm:"primaryKey;autoIncrement" json:"id"`
	SubjectID    string     `gorm:"not null;uniqueIndex;size:191" json:"subject_id"`
	AccessToken  string     `gorm:"not null;size:2048" json:"-"`
	RefreshToken string     `gorm:"size:2048" json:"-"`
	Scope        string     `json:"scope"`
	TokenType    string     `json:"token_type"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	CreatedAt    time.Time  `gorm:"not null;autoCreateTime:false" json:"created_at"`
	UpdatedAt    time.Time  `gorm:"not null;autoUpdateTime:false" json:"updated_at"`
}

// HasRefreshToken reports whether the credential can be refreshed at all.
func (c *Credential) HasRefreshToken() bool {
	return strings.TrimSpace(c.RefreshToken) != ""
}

// AccessLog states
const (
	AccessFailed  = 0
	AccessAllowed = 1
)

// AccessLog is one persisted admission decision.
type AccessLog struct {
	ID        uint      `gorm:"primaryKey;autoIncrement"`
	IP        string    `gorm:"not null;index;size:64"`
	API       string    `gorm:"type:text"`
	States    int       `gorm:"not null"`
	RequestID string    `gorm:"size:36"`
	CreatedAt time.Time `gorm:"not null;index"`
}

// TableName keeps the table name used by existing deployments.
func (AccessLog) TableName() string {
	return "api_log"
}
