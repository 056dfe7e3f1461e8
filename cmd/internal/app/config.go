package app

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"sigpad/cmd/internal/connection"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	// ServerURL is the base of the capability surface (http or https).
	ServerURL string
	// WSURL is the persistent channel endpoint. Derived from ServerURL when empty.
	WSURL string
	// DeviceFile is the YAML file holding the pad identity and signing key.
	DeviceFile string

	HTTPAddr  string
	LogLevel  string
	LogFormat string

	RequirePhotos    bool
	HeartbeatEnabled bool

	// HTTPTimeout bounds every capability call and the WebSocket handshake.
	HTTPTimeout time.Duration

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	// Manual code entry limiter: one code per CodeInterval with CodeBurst headroom.
	CodeInterval time.Duration
	CodeBurst    int

	// Local control surface CORS policy (kiosk front-end origins).
	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	cfg := Config{
		ServerURL:  EnvString("SIGPAD_SERVER_URL", "http://127.0.0.1:8080"),
		WSURL:      EnvString("SIGPAD_WS_URL", ""),
		DeviceFile: EnvString("SIGPAD_DEVICE_FILE", "/etc/sigpad/device.yaml"),

		HTTPAddr:  EnvString("SIGPAD_HTTP_ADDR", "127.0.0.1:8181"),
		LogLevel:  EnvString("SIGPAD_LOG_LEVEL", "info"),
		LogFormat: EnvString("SIGPAD_LOG_FORMAT", "json"),

		RequirePhotos:    EnvBool("SIGPAD_REQUIRE_PHOTOS", true),
		HeartbeatEnabled: EnvBool("SIGPAD_HEARTBEAT_ENABLED", true),

		HTTPTimeout: EnvDuration("SIGPAD_HTTP_TIMEOUT", 10*time.Second),

		ReadHeaderTimeout: EnvDuration("SIGPAD_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("SIGPAD_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("SIGPAD_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("SIGPAD_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("SIGPAD_HTTP_MAX_HEADER_BYTES", 1<<20),

		CodeInterval: EnvDuration("SIGPAD_CODE_INTERVAL", 500*time.Millisecond),
		CodeBurst:    EnvInt("SIGPAD_CODE_BURST", 2),

		CORSAllowedOrigins:   EnvCSV("SIGPAD_CORS_ALLOWED_ORIGINS", []string{"http://127.0.0.1:*", "http://localhost:*"}),
		CORSAllowCredentials: EnvBool("SIGPAD_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    EnvInt("SIGPAD_CORS_MAX_AGE_SECONDS", 600),
	}
	if cfg.WSURL == "" {
		cfg.WSURL = wsBaseURL(cfg.ServerURL) + "/ws"
	}
	return cfg
}

// Validate reports configuration that would make the kiosk unusable.
// A missing device file is not an error: the kiosk starts unregistered.
func (c Config) Validate() error {
	var errs []error

	u, err := url.Parse(strings.TrimSpace(c.ServerURL))
	switch {
	case err != nil:
		errs = append(errs, fmt.Errorf("SIGPAD_SERVER_URL: %w", err))
	case u.Scheme != "http" && u.Scheme != "https":
		errs = append(errs, fmt.Errorf("SIGPAD_SERVER_URL: unsupported scheme %q", u.Scheme))
	case u.Host == "":
		errs = append(errs, errors.New("SIGPAD_SERVER_URL: missing host"))
	}

	if err := connection.ValidateWSURL(c.WSURL); err != nil {
		errs = append(errs, fmt.Errorf("SIGPAD_WS_URL: %w", err))
	}

	switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
	case "", "json", "pretty", "text":
	default:
		errs = append(errs, fmt.Errorf("SIGPAD_LOG_FORMAT: unknown format %q", c.LogFormat))
	}

	if strings.TrimSpace(c.HTTPAddr) == "" {
		errs = append(errs, errors.New("SIGPAD_HTTP_ADDR: empty"))
	}
	return errors.Join(errs...)
}

// wsBaseURL maps an http(s) base URL onto its ws(s) counterpart.
// A bare host:port is treated as plain http.
func wsBaseURL(serverURL string) string {
	s := strings.TrimRight(strings.TrimSpace(serverURL), "/")
	switch {
	case strings.HasPrefix(s, "https://"):
		return "wss://" + strings.TrimPrefix(s, "https://")
	case strings.HasPrefix(s, "http://"):
		return "ws://" + strings.TrimPrefix(s, "http://")
	case strings.HasPrefix(s, "ws://"), strings.HasPrefix(s, "wss://"):
		return s
	default:
		return "ws://" + s
	}
}
