package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/tjfontaine/chatline/internal/core/domain"
)

// EnvPrefix is the prefix of environment variables read into the config.
// A double underscore separates nesting levels: CHATLINE_SERVER__PORT.
const EnvPrefix = "CHATLINE_"

// DefaultPath is the config file read when no path is given.
const DefaultPath = "config.yaml"

type Config struct {
	Server       ServerConfig         `koanf:"server"`
	Project      ProjectConfig        `koanf:"project"`
	Auth         AuthConfig           `koanf:"auth"`
	Features     FeaturesConfig       `koanf:"features"`
	UI           UIConfig             `koanf:"ui"`
	ChatProfiles []domain.ChatProfile `koanf:"chat_profiles"`
	Storage      StorageConfig        `koanf:"storage"`
	DataLayer    DataLayerConfig      `koanf:"data_layer"`
	OAuth        OAuthConfig          `koanf:"oauth"`
	Redis        RedisConfig          `koanf:"redis"`
	Telemetry    TelemetryConfig      `koanf:"telemetry"`
}

type ServerConfig struct {
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	RootPath string `koanf:"root_path"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type ProjectConfig struct {
	// SessionTimeout is the grace window after a disconnect before the
	// session is deleted.
	SessionTimeout time.Duration `koanf:"session_timeout"`
	// UserEnv lists the environment keys the client must supply.
	UserEnv      []string `koanf:"user_env"`
	AllowOrigins []string `koanf:"allow_origins"`
	FilesDir     string   `koanf:"files_dir"`
	// FailOnPersistError propagates data-layer errors to the caller.
	FailOnPersistError bool `koanf:"fail_on_persist_error"`
	// PersistConcurrency bounds concurrent data-layer writes across sessions.
	PersistConcurrency int64 `koanf:"persist_concurrency"`
}

type AuthConfig struct {
	Secret          string        `koanf:"secret"`
	CookieName      string        `koanf:"cookie_name"`
	CookieSameSite  string        `koanf:"cookie_same_site"` // lax, strict, none
	CookiePath      string        `koanf:"cookie_path"`
	CookieChunkSize int           `koanf:"cookie_chunk_size"`
	TokenTTL        time.Duration `koanf:"token_ttl"`
	// RequireLogin refuses anonymous websocket and REST access.
	RequireLogin bool `koanf:"require_login"`
}

type FeaturesConfig struct {
	SpontaneousFileUpload FileUploadConfig `koanf:"spontaneous_file_upload"`
	AutoTagThread         bool             `koanf:"auto_tag_thread"`
	EditMessage           bool             `koanf:"edit_message"`
	Audio                 AudioConfig      `koanf:"audio"`
}

type FileUploadConfig struct {
	Enabled   bool     `koanf:"enabled" json:"enabled"`
	Accept    []string `koanf:"accept" json:"accept"`
	MaxFiles  int      `koanf:"max_files" json:"max_files"`
	MaxSizeMB int      `koanf:"max_size_mb" json:"max_size_mb"`
}

type AudioConfig struct {
	Enabled    bool `koanf:"enabled" json:"enabled"`
	SampleRate int  `koanf:"sample_rate" json:"sample_rate"`
}

// CoT visibility values.
const (
	CoTFull     = "full"
	CoTToolCall = "tool_call"
	CoTHidden   = "hidden"
)

type UIConfig struct {
	Name                   string `koanf:"name" json:"name"`
	Description            string `koanf:"description" json:"description,omitempty"`
	CoT                    string `koanf:"cot" json:"cot"`
	DefaultCollapseContent bool   `koanf:"default_collapse_content" json:"default_collapse_content"`
	GitHub                 string `koanf:"github" json:"github,omitempty"`
	Language               string `koanf:"language" json:"language,omitempty"`
	LogoPath               string `koanf:"logo_path" json:"-"`
	FaviconPath            string `koanf:"favicon_path" json:"-"`
	StaticDir              string `koanf:"static_dir" json:"-"`
	TranslationsDir        string `koanf:"translations_dir" json:"-"`
}

type StorageConfig struct {
	Type  string             `koanf:"type"` // local, s3, none
	Local LocalStorageConfig `koanf:"local"`
	S3    S3Config           `koanf:"s3"`
}

type LocalStorageConfig struct {
	Dir     string `koanf:"dir"`
	BaseURL string `koanf:"base_url"`
}

type S3Config struct {
	Endpoint  string        `koanf:"endpoint"`
	Bucket    string        `koanf:"bucket"`
	Region    string        `koanf:"region"`
	AccessKey string        `koanf:"access_key"`
	SecretKey string        `koanf:"secret_key"`
	UseSSL    bool          `koanf:"use_ssl"`
	URLExpiry time.Duration `koanf:"url_expiry"`
}

type DataLayerConfig struct {
	Type string `koanf:"type"` // memory, sqlite, postgres, none
	DSN  string `koanf:"dsn"`
}

type OAuthConfig struct {
	// RedirectBase is the public URL used to build callback URLs.
	RedirectBase string              `koanf:"redirect_base"`
	GitHub       OAuthProviderConfig `koanf:"github"`
	Google       OAuthProviderConfig `koanf:"google"`
}

type OAuthProviderConfig struct {
	ClientID     string `koanf:"client_id"`
	ClientSecret string `koanf:"client_secret"`
	Prompt       string `koanf:"prompt"`
}

type RedisConfig struct {
	URL string `koanf:"url"`
}

type TelemetryConfig struct {
	Enabled     bool   `koanf:"enabled"`
	ServiceName string `koanf:"service_name"`
}

var defaults = map[string]any{
	"server.host":                                  "127.0.0.1",
	"server.port":                                  8000,
	"project.session_timeout":                      "1h",
	"project.files_dir":                            ".files",
	"project.persist_concurrency":                  16,
	"auth.cookie_name":                             "access_token",
	"auth.cookie_same_site":                        "lax",
	"auth.cookie_path":                             "/",
	"auth.cookie_chunk_size":                       3000,
	"auth.token_ttl":                               "360h",
	"features.edit_message":                        true,
	"features.spontaneous_file_upload.max_files":   20,
	"features.spontaneous_file_upload.max_size_mb": 500,
	"features.audio.sample_rate":                   24000,
	"ui.name":                                      "Assistant",
	"ui.cot":                                       CoTFull,
	"ui.default_collapse_content":                  true,
	"storage.type":                                 "none",
	"storage.local.dir":                            ".storage",
	"storage.s3.url_expiry":                        "1h",
	"data_layer.type":                              "none",
	"telemetry.service_name":                       "chatline",
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads path (DefaultPath when empty), then CHATLINE_ environment
// variables, then defaults. A missing file is not an error.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, domain.Wrap(domain.KindConfig, "read "+path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, domain.Wrap(domain.KindConfig, "read environment", err)
	}

	for key, val := range defaults {
		if !k.Exists(key) {
			k.Set(key, val)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, domain.Wrap(domain.KindConfig, "decode config", err)
	}

	cfg.Auth.Secret = substituteEnvVars(cfg.Auth.Secret)
	cfg.DataLayer.DSN = substituteEnvVars(cfg.DataLayer.DSN)
	cfg.Storage.S3.AccessKey = substituteEnvVars(cfg.Storage.S3.AccessKey)
	cfg.Storage.S3.SecretKey = substituteEnvVars(cfg.Storage.S3.SecretKey)
	cfg.OAuth.GitHub.ClientSecret = substituteEnvVars(cfg.OAuth.GitHub.ClientSecret)
	cfg.OAuth.Google.ClientSecret = substituteEnvVars(cfg.OAuth.Google.ClientSecret)
	cfg.Redis.URL = substituteEnvVars(cfg.Redis.URL)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in defaults without reading a file or the
// environment.
func Default() *Config {
	k := koanf.New(".")
	for key, val := range defaults {
		k.Set(key, val)
	}
	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		panic(fmt.Sprintf("config: invalid defaults: %v", err))
	}
	return &cfg
}

// Validate checks values that would otherwise fail later at runtime.
func (c *Config) Validate() error {
	switch c.UI.CoT {
	case CoTFull, CoTToolCall, CoTHidden:
	default:
		return domain.ErrConfig(fmt.Sprintf("ui.cot must be one of full, tool_call, hidden; got %q", c.UI.CoT))
	}
	switch strings.ToLower(c.Auth.CookieSameSite) {
	case "lax", "strict", "none":
	default:
		return domain.ErrConfig(fmt.Sprintf("auth.cookie_same_site must be lax, strict or none; got %q", c.Auth.CookieSameSite))
	}
	if c.Auth.CookieChunkSize <= 0 {
		return domain.ErrConfig("auth.cookie_chunk_size must be positive")
	}
	switch c.DataLayer.Type {
	case "", "none", "memory":
	case "sqlite", "postgres":
		if c.DataLayer.DSN == "" {
			return domain.ErrConfig("data_layer.dsn is required for " + c.DataLayer.Type)
		}
	default:
		return domain.ErrConfig("unsupported data_layer.type " + c.DataLayer.Type)
	}
	switch c.Storage.Type {
	case "", "none", "local":
	case "s3":
		if c.Storage.S3.Endpoint == "" || c.Storage.S3.Bucket == "" {
			return domain.ErrConfig("storage.s3.endpoint and storage.s3.bucket are required")
		}
	default:
		return domain.ErrConfig("unsupported storage.type " + c.Storage.Type)
	}
	return nil
}

// ChatProfile returns the configured profile with the given name.
func (c *Config) ChatProfile(name string) (domain.ChatProfile, bool) {
	for _, p := range c.ChatProfiles {
		if p.Name == name {
			return p, true
		}
	}
	return domain.ChatProfile{}, false
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
