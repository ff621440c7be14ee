// Package config loads wirebot configuration from a JSON file or, for
// container deployments, from WIREBOT_ environment variables.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the top-level wirebot configuration.
type Config struct {
	DataDir    string          `json:"data_dir"`
	Portal     PortalConfig    `json:"portal"`
	Captcha    CaptchaConfig   `json:"captcha"`
	RefData    RefDataConfig   `json:"refdata"`
	Connectors ConnectorConfig `json:"connectors"`
	Bot        BotConfig       `json:"bot"`
	Helpdesk   *HelpdeskConfig `json:"helpdesk,omitempty"`
	Incidents  *IncidentConfig `json:"incidents,omitempty"`
	Sweeps     SweepConfig     `json:"sweeps"`
	API        APIConfig       `json:"api"`
}

// PortalConfig holds the ISP portal endpoint and session settings.
type PortalConfig struct {
	BaseURL  string `json:"base_url"`
	LoginURL string `json:"login_url"`
	Username string `json:"username"`
	Password string `json:"password"`

	// Cookie and form-field names the portal expects. The defaults match
	// the production deployment and rarely change.
	PrimaryCookie string `json:"primary_cookie,omitempty"`
	SessionCookie string `json:"session_cookie,omitempty"`
	CSRFField     string `json:"csrf_field,omitempty"`

	// AuthPathPrefixes mark URL paths that only resolve once logged in.
	AuthPathPrefixes []string `json:"auth_path_prefixes,omitempty"`

	BrowserPath string `json:"browser_path,omitempty"`

	SessionTTLSeconds       int `json:"session_ttl_seconds,omitempty"`
	RefreshThresholdSeconds int `json:"refresh_threshold_seconds,omitempty"`
	LoginAttempts           int `json:"login_attempts,omitempty"`
	LoginBackoffSeconds     int `json:"login_backoff_seconds,omitempty"`
}

// SessionTTL returns the configured credential freshness window.
func (p PortalConfig) SessionTTL() time.Duration {
	return time.Duration(p.SessionTTLSeconds) * time.Second
}

// RefreshThreshold returns when the proactive refresh fires.
func (p PortalConfig) RefreshThreshold() time.Duration {
	return time.Duration(p.RefreshThresholdSeconds) * time.Second
}

// CaptchaConfig points at the OCR sidecar.
type CaptchaConfig struct {
	Endpoint string `json:"endpoint"`
}

// RefDataConfig names the reference spreadsheets. Any of them may be absent;
// the corresponding lookups then come up empty.
type RefDataConfig struct {
	DirectoryFile  string `json:"directory_file,omitempty"`
	PartnerFile    string `json:"partner_file,omitempty"`
	PartnerCodeMap string `json:"partner_code_map,omitempty"`
}

// ConnectorConfig holds chat platform settings.
type ConnectorConfig struct {
	Telegram *TelegramConfig `json:"telegram,omitempty"`
	Slack    *SlackConfig    `json:"slack,omitempty"`
}

// TelegramConfig holds Telegram bot settings.
type TelegramConfig struct {
	Token     string  `json:"token"`
	AllowFrom []int64 `json:"allow_from,omitempty"`
}

// SlackConfig holds Slack socket-mode settings.
type SlackConfig struct {
	BotToken string   `json:"bot_token"`
	AppToken string   `json:"app_token"`
	Channels []string `json:"channels,omitempty"`
}

// BotConfig tunes message routing.
type BotConfig struct {
	IgnoreGroup        string `json:"ignore_group,omitempty"`
	DefaultService     string `json:"default_service,omitempty"`
	PromptWaitSeconds  int    `json:"prompt_wait_seconds,omitempty"`
	UnattendedWorklist bool   `json:"unattended_worklist,omitempty"`
}

// PromptWait returns how long flows wait for an operator reply.
func (b BotConfig) PromptWait() time.Duration {
	return time.Duration(b.PromptWaitSeconds) * time.Second
}

// HelpdeskConfig holds the streaming-complaint API settings.
type HelpdeskConfig struct {
	BaseURL      string `json:"base_url"`
	Username     string `json:"username"`
	Platform     string `json:"platform,omitempty"`
	Password     string `json:"password"`
	CompanyName  string `json:"company_name,omitempty"`
	VendorCode   string `json:"vendor_code,omitempty"`
	OperatorCode string `json:"operator_code,omitempty"`
	TicketOwner  string `json:"ticket_owner,omitempty"`
}

// IncidentConfig holds the SLA incident desk settings.
type IncidentConfig struct {
	BaseURL  string `json:"base_url"`
	Username string `json:"username"`
	Password string `json:"password"`
	Project  string `json:"project,omitempty"`
	SCode    string `json:"scode,omitempty"`
	MSPID    string `json:"mspid,omitempty"`
	Circle   string `json:"circle,omitempty"`
}

// SweepConfig holds cron expressions for unattended runs. Empty disables the
// sweep.
type SweepConfig struct {
	TicketSchedule   string `json:"ticket_schedule,omitempty"`
	WorklistSchedule string `json:"worklist_schedule,omitempty"`
	// AnnounceTo is a chat identity that receives a one-line summary after
	// each unattended sweep. Empty disables announcements.
	AnnounceTo string `json:"announce_to,omitempty"`
}

// APIConfig holds admin REST server settings.
type APIConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	Key  string `json:"api_key"`
}

// Load reads configuration from a JSON file, applies defaults, and
// validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromEnv builds a config from WIREBOT_ environment variables.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		DataDir: getenv("WIREBOT_DATA_DIR", "/data"),
		Portal: PortalConfig{
			BaseURL:  os.Getenv("WIREBOT_PORTAL_URL"),
			LoginURL: os.Getenv("WIREBOT_PORTAL_LOGIN_URL"),
			Username: os.Getenv("WIREBOT_PORTAL_USERNAME"),
			Password: os.Getenv("WIREBOT_PORTAL_PASSWORD"),
		},
		Captcha: CaptchaConfig{
			Endpoint: os.Getenv("WIREBOT_CAPTCHA_ENDPOINT"),
		},
		RefData: RefDataConfig{
			DirectoryFile:  os.Getenv("WIREBOT_DIRECTORY_FILE"),
			PartnerFile:    os.Getenv("WIREBOT_PARTNER_FILE"),
			PartnerCodeMap: os.Getenv("WIREBOT_PARTNER_CODE_MAP"),
		},
		Bot: BotConfig{
			IgnoreGroup:    os.Getenv("WIREBOT_IGNORE_GROUP"),
			DefaultService: os.Getenv("WIREBOT_DEFAULT_SERVICE"),
		},
		Sweeps: SweepConfig{
			TicketSchedule:   os.Getenv("WIREBOT_TICKET_SCHEDULE"),
			WorklistSchedule: os.Getenv("WIREBOT_WORKLIST_SCHEDULE"),
			AnnounceTo:       os.Getenv("WIREBOT_SWEEP_ANNOUNCE_TO"),
		},
		API: APIConfig{
			Host: getenv("WIREBOT_API_HOST", "0.0.0.0"),
			Port: getenvInt("WIREBOT_API_PORT", 8080),
			Key:  os.Getenv("WIREBOT_API_KEY"),
		},
	}

	if token := os.Getenv("WIREBOT_TELEGRAM_TOKEN"); token != "" {
		cfg.Connectors.Telegram = &TelegramConfig{Token: token}
		if ids := os.Getenv("WIREBOT_TELEGRAM_ALLOW_FROM"); ids != "" {
			parsed, err := parseInt64List(ids)
			if err != nil {
				return nil, fmt.Errorf("config: WIREBOT_TELEGRAM_ALLOW_FROM: %w", err)
			}
			cfg.Connectors.Telegram.AllowFrom = parsed
		}
	}
	if bot := os.Getenv("WIREBOT_SLACK_BOT_TOKEN"); bot != "" {
		cfg.Connectors.Slack = &SlackConfig{
			BotToken: bot,
			AppToken: os.Getenv("WIREBOT_SLACK_APP_TOKEN"),
		}
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Portal.PrimaryCookie == "" {
		c.Portal.PrimaryCookie = "railwire_cookie_name"
	}
	if c.Portal.SessionCookie == "" {
		c.Portal.SessionCookie = "ci_session"
	}
	if c.Portal.CSRFField == "" {
		c.Portal.CSRFField = "railwire_test_name"
	}
	if c.Portal.SessionTTLSeconds <= 0 {
		c.Portal.SessionTTLSeconds = 297
	}
	if c.Portal.RefreshThresholdSeconds <= 0 {
		c.Portal.RefreshThresholdSeconds = 285
	}
	if c.Portal.LoginAttempts <= 0 {
		c.Portal.LoginAttempts = 3
	}
	if c.Portal.LoginBackoffSeconds <= 0 {
		c.Portal.LoginBackoffSeconds = 2
	}
	if c.Bot.DefaultService == "" {
		c.Bot.DefaultService = "Hotstar_Super"
	}
	if c.Bot.PromptWaitSeconds <= 0 {
		c.Bot.PromptWaitSeconds = 600
	}
	if c.API.Host == "" {
		c.API.Host = "0.0.0.0"
	}
	if c.API.Port == 0 {
		c.API.Port = 8080
	}
}

// Validate checks required fields, collecting every problem before failing.
func (c *Config) Validate() error {
	var errs []string

	if c.DataDir == "" {
		errs = append(errs, "data_dir is required")
	}
	if c.Portal.BaseURL == "" {
		errs = append(errs, "portal.base_url is required")
	}
	if c.Portal.LoginURL == "" {
		errs = append(errs, "portal.login_url is required")
	}
	if c.Portal.Username == "" {
		errs = append(errs, "portal.username is required")
	}
	if c.Portal.Password == "" {
		errs = append(errs, "portal.password is required")
	}
	if c.Captcha.Endpoint == "" {
		errs = append(errs, "captcha.endpoint is required")
	}
	if c.Portal.RefreshThresholdSeconds >= c.Portal.SessionTTLSeconds {
		errs = append(errs, "portal.refresh_threshold_seconds must be below portal.session_ttl_seconds")
	}

	if c.Connectors.Telegram != nil && c.Connectors.Telegram.Token == "" {
		errs = append(errs, "connectors.telegram.token is required")
	}
	if c.Connectors.Slack != nil {
		if c.Connectors.Slack.BotToken == "" {
			errs = append(errs, "connectors.slack.bot_token is required")
		}
		if c.Connectors.Slack.AppToken == "" {
			errs = append(errs, "connectors.slack.app_token is required")
		}
	}

	if c.Helpdesk != nil {
		if c.Helpdesk.BaseURL == "" {
			errs = append(errs, "helpdesk.base_url is required")
		}
		if c.Helpdesk.Username == "" || c.Helpdesk.Password == "" {
			errs = append(errs, "helpdesk.username and helpdesk.password are required")
		}
	}
	if c.Incidents != nil {
		if c.Incidents.BaseURL == "" {
			errs = append(errs, "incidents.base_url is required")
		}
		if c.Incidents.Username == "" || c.Incidents.Password == "" {
			errs = append(errs, "incidents.username and incidents.password are required")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func parseInt64List(s string) ([]int64, error) {
	parts := strings.Split(s, ",")
	result := make([]int64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid integer %q", p)
		}
		result = append(result, n)
	}
	return result, nil
}
