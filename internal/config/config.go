package config

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
)

// Config holds all runtime configuration for the voicebridge server.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	DataDir     string
	HTTPPort    int
	SIPWSPort   int // WebSocket listen port for proxy signaling events
	RTPPortMin  int
	RTPPortMax  int
	LogLevel    string
	LogFormat   string // log output format: "text" or "json"
	CORSOrigins string
	ExternalIP  string // public IP advertised in SDP answers (auto-detected if empty)

	// AI platform
	AIPlatformURL string // wss:// endpoint calls are bridged to
	AIHeartbeatS  int
	AIMaxRetries  int
	JWTSecret     string // hex-encoded 32-byte secret for per-call token signing
	HMACSecret    string // hex-encoded 32-byte secret for frame signing

	// Audio plane
	SampleRate   int // telephony sample rate (Hz)
	AISampleRate int // AI platform sample rate (Hz)
	FrameMs      int // frame duration in milliseconds

	// Call admission limits
	MaxConcurrentCalls int
	MaxCallsPerNumber  int
	MaxQueueSize       int

	// DTMF / IVR timings
	DTMFSequenceTimeoutS int
	IVRSessionTimeoutS   int

	// SMS plane
	SMSQueueMax            int
	SMSGlobalRatePerMin    int
	SMSPerNumberRatePerMin int
	SMSExpiryH             int
	SMSRetryIntervalS      int

	// Proxy control plane
	ProxyRPCURL      string // JSON-RPC endpoint of the SIP proxy (e.g., "http://kamailio:5060/RPC")
	ProxyRPCUser     string // digest auth username for the RPC endpoint
	ProxyRPCPassword string // digest auth password for the RPC endpoint
	ControlToken     string // bearer token required on signaling control HTTP endpoints

	// Subscriber directory (SIP proxy's Postgres, read-only)
	DirectoryDSN string

	// Recordings
	RecordingRetentionDays int
}

// defaults
const (
	defaultDataDir       = "./data"
	defaultHTTPPort      = 8080
	defaultSIPWSPort     = 8081
	defaultRTPPortMin    = 10000
	defaultRTPPortMax    = 20000
	defaultLogLevel      = "info"
	defaultLogFormat     = "text"
	defaultAIPlatformURL = "ws://localhost:9090/ws"
	defaultAIHeartbeatS  = 30
	defaultAIMaxRetries  = 5
	defaultSampleRate    = 8000
	defaultAISampleRate  = 16000
	defaultFrameMs       = 20

	defaultMaxConcurrentCalls = 100
	defaultMaxCallsPerNumber  = 5
	defaultMaxQueueSize       = 50

	defaultDTMFSequenceTimeoutS = 5
	defaultIVRSessionTimeoutS   = 300

	defaultSMSQueueMax            = 10000
	defaultSMSGlobalRatePerMin    = 100
	defaultSMSPerNumberRatePerMin = 10
	defaultSMSExpiryH             = 24
	defaultSMSRetryIntervalS      = 300

	defaultRecordingRetentionDays = 30
)

// envPrefix is the prefix for all voicebridge environment variables.
const envPrefix = "VOICEBRIDGE_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("voicebridge", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for database, recordings and prompt storage")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "management HTTP API listen port")
	fs.IntVar(&cfg.SIPWSPort, "sip-ws-port", defaultSIPWSPort, "WebSocket listen port for SIP proxy signaling events")
	fs.IntVar(&cfg.RTPPortMin, "rtp-port-min", defaultRTPPortMin, "minimum UDP port for RTP sessions")
	fs.IntVar(&cfg.RTPPortMax, "rtp-port-max", defaultRTPPortMax, "maximum UDP port for RTP sessions")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.StringVar(&cfg.CORSOrigins, "cors-origins", "", "comma-separated list of allowed CORS origins (use * for all)")
	fs.StringVar(&cfg.ExternalIP, "external-ip", "", "public IP address advertised in SDP answers (auto-detected if empty)")

	fs.StringVar(&cfg.AIPlatformURL, "ai-platform-url", defaultAIPlatformURL, "WebSocket URL of the AI conversation platform")
	fs.IntVar(&cfg.AIHeartbeatS, "ai-heartbeat", defaultAIHeartbeatS, "AI connection heartbeat interval in seconds")
	fs.IntVar(&cfg.AIMaxRetries, "ai-max-retries", defaultAIMaxRetries, "maximum AI connection attempts before failing a call")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", "", "hex-encoded 32-byte secret for per-call JWT signing (auto-generated if empty)")
	fs.StringVar(&cfg.HMACSecret, "hmac-secret", "", "hex-encoded 32-byte secret for AI auth frame signing (auto-generated if empty)")

	fs.IntVar(&cfg.SampleRate, "sample-rate", defaultSampleRate, "telephony audio sample rate in Hz")
	fs.IntVar(&cfg.AISampleRate, "ai-sample-rate", defaultAISampleRate, "AI platform audio sample rate in Hz")
	fs.IntVar(&cfg.FrameMs, "frame-ms", defaultFrameMs, "audio frame duration in milliseconds")

	fs.IntVar(&cfg.MaxConcurrentCalls, "max-concurrent-calls", defaultMaxConcurrentCalls, "maximum simultaneous active calls")
	fs.IntVar(&cfg.MaxCallsPerNumber, "max-calls-per-number", defaultMaxCallsPerNumber, "maximum simultaneous calls per caller number")
	fs.IntVar(&cfg.MaxQueueSize, "max-queue-size", defaultMaxQueueSize, "maximum calls held in the admission queue")

	fs.IntVar(&cfg.DTMFSequenceTimeoutS, "dtmf-sequence-timeout", defaultDTMFSequenceTimeoutS, "seconds of digit inactivity before a DTMF sequence resets")
	fs.IntVar(&cfg.IVRSessionTimeoutS, "ivr-session-timeout", defaultIVRSessionTimeoutS, "seconds before an idle IVR session is abandoned")

	fs.IntVar(&cfg.SMSQueueMax, "sms-queue-max", defaultSMSQueueMax, "maximum messages held in the SMS queue")
	fs.IntVar(&cfg.SMSGlobalRatePerMin, "sms-global-rate-per-min", defaultSMSGlobalRatePerMin, "global outbound SMS rate limit per minute")
	fs.IntVar(&cfg.SMSPerNumberRatePerMin, "sms-per-number-rate-per-min", defaultSMSPerNumberRatePerMin, "per-number outbound SMS rate limit per minute")
	fs.IntVar(&cfg.SMSExpiryH, "sms-expiry", defaultSMSExpiryH, "hours before an undelivered SMS expires")
	fs.IntVar(&cfg.SMSRetryIntervalS, "sms-retry-interval", defaultSMSRetryIntervalS, "seconds between SMS delivery retries")

	fs.StringVar(&cfg.ProxyRPCURL, "proxy-rpc-url", "", "JSON-RPC endpoint of the SIP proxy for outbound commands")
	fs.StringVar(&cfg.ProxyRPCUser, "proxy-rpc-user", "", "digest auth username for the proxy RPC endpoint")
	fs.StringVar(&cfg.ProxyRPCPassword, "proxy-rpc-password", "", "digest auth password for the proxy RPC endpoint")
	fs.StringVar(&cfg.ControlToken, "control-token", "", "bearer token required on signaling control endpoints (generated if empty)")

	fs.StringVar(&cfg.DirectoryDSN, "directory-dsn", "", "Postgres DSN of the SIP proxy subscriber directory (disabled if empty)")

	fs.IntVar(&cfg.RecordingRetentionDays, "recording-retention-days", defaultRecordingRetentionDays, "days to keep call recordings before deletion")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Apply env var overrides for any flags not explicitly set on the command line.
	// CLI flags take precedence over env vars.
	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. This preserves the precedence:
// CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	// Track which flags were explicitly set via CLI.
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	// String-valued flags: flag name -> destination.
	stringFields := map[string]*string{
		"data-dir":           &cfg.DataDir,
		"log-level":          &cfg.LogLevel,
		"log-format":         &cfg.LogFormat,
		"cors-origins":       &cfg.CORSOrigins,
		"external-ip":        &cfg.ExternalIP,
		"ai-platform-url":    &cfg.AIPlatformURL,
		"jwt-secret":         &cfg.JWTSecret,
		"hmac-secret":        &cfg.HMACSecret,
		"proxy-rpc-url":      &cfg.ProxyRPCURL,
		"proxy-rpc-user":     &cfg.ProxyRPCUser,
		"proxy-rpc-password": &cfg.ProxyRPCPassword,
		"control-token":      &cfg.ControlToken,
		"directory-dsn":      &cfg.DirectoryDSN,
	}

	// Int-valued flags: flag name -> destination.
	intFields := map[string]*int{
		"http-port":                   &cfg.HTTPPort,
		"sip-ws-port":                 &cfg.SIPWSPort,
		"rtp-port-min":                &cfg.RTPPortMin,
		"rtp-port-max":                &cfg.RTPPortMax,
		"ai-heartbeat":                &cfg.AIHeartbeatS,
		"ai-max-retries":              &cfg.AIMaxRetries,
		"sample-rate":                 &cfg.SampleRate,
		"ai-sample-rate":              &cfg.AISampleRate,
		"frame-ms":                    &cfg.FrameMs,
		"max-concurrent-calls":        &cfg.MaxConcurrentCalls,
		"max-calls-per-number":        &cfg.MaxCallsPerNumber,
		"max-queue-size":              &cfg.MaxQueueSize,
		"dtmf-sequence-timeout":       &cfg.DTMFSequenceTimeoutS,
		"ivr-session-timeout":         &cfg.IVRSessionTimeoutS,
		"sms-queue-max":               &cfg.SMSQueueMax,
		"sms-global-rate-per-min":     &cfg.SMSGlobalRatePerMin,
		"sms-per-number-rate-per-min": &cfg.SMSPerNumberRatePerMin,
		"sms-expiry":                  &cfg.SMSExpiryH,
		"sms-retry-interval":          &cfg.SMSRetryIntervalS,
		"recording-retention-days":    &cfg.RecordingRetentionDays,
	}

	for flagName, dst := range stringFields {
		if set[flagName] {
			continue
		}
		if val, ok := os.LookupEnv(envName(flagName)); ok && val != "" {
			*dst = val
		}
	}
	for flagName, dst := range intFields {
		if set[flagName] {
			continue
		}
		if val, ok := os.LookupEnv(envName(flagName)); ok && val != "" {
			if v, err := strconv.Atoi(val); err == nil {
				*dst = v
			}
		}
	}
}

// envName maps a flag name to its environment variable,
// e.g. "sip-ws-port" -> "VOICEBRIDGE_SIP_WS_PORT".
func envName(flagName string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	if c.SIPWSPort < 1 || c.SIPWSPort > 65535 {
		return fmt.Errorf("sip-ws-port must be between 1 and 65535, got %d", c.SIPWSPort)
	}
	if c.RTPPortMin < 1024 || c.RTPPortMin > 65534 {
		return fmt.Errorf("rtp-port-min must be between 1024 and 65534, got %d", c.RTPPortMin)
	}
	if c.RTPPortMax < c.RTPPortMin+2 || c.RTPPortMax > 65535 {
		return fmt.Errorf("rtp-port-max must be between rtp-port-min+2 and 65535, got %d", c.RTPPortMax)
	}
	// RTP ports must be even (RTP uses even ports, RTCP uses the next odd port).
	if c.RTPPortMin%2 != 0 {
		return fmt.Errorf("rtp-port-min must be even, got %d", c.RTPPortMin)
	}
	if c.SampleRate <= 0 {
		return fmt.Errorf("sample-rate must be positive, got %d", c.SampleRate)
	}
	if c.AISampleRate <= 0 {
		return fmt.Errorf("ai-sample-rate must be positive, got %d", c.AISampleRate)
	}
	if c.FrameMs <= 0 || c.FrameMs > 100 {
		return fmt.Errorf("frame-ms must be between 1 and 100, got %d", c.FrameMs)
	}
	if c.MaxConcurrentCalls < 1 {
		return fmt.Errorf("max-concurrent-calls must be at least 1, got %d", c.MaxConcurrentCalls)
	}
	if c.MaxCallsPerNumber < 1 {
		return fmt.Errorf("max-calls-per-number must be at least 1, got %d", c.MaxCallsPerNumber)
	}
	if c.SMSQueueMax < 1 {
		return fmt.Errorf("sms-queue-max must be at least 1, got %d", c.SMSQueueMax)
	}
	if c.AIMaxRetries < 1 {
		return fmt.Errorf("ai-max-retries must be at least 1, got %d", c.AIMaxRetries)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	return nil
}

// JWTSecretBytes returns the decoded 32-byte JWT signing secret.
// If no secret is configured, it generates a random 32-byte key and stores
// the hex-encoded value back in the config for the process lifetime.
func (c *Config) JWTSecretBytes() ([]byte, error) {
	return c.secretBytes(&c.JWTSecret, "jwt-secret")
}

// HMACSecretBytes returns the decoded 32-byte HMAC signing secret used for
// AI auth frame signatures. Generated if unset, like JWTSecretBytes.
func (c *Config) HMACSecretBytes() ([]byte, error) {
	return c.secretBytes(&c.HMACSecret, "hmac-secret")
}

func (c *Config) secretBytes(field *string, name string) ([]byte, error) {
	if *field == "" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generating %s: %w", name, err)
		}
		*field = hex.EncodeToString(key)
		slog.Warn("no secret configured, generated ephemeral key (will not survive restart)", "flag", name)
		return key, nil
	}
	key, err := hex.DecodeString(*field)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", name, err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("%s must decode to 32 bytes, got %d", name, len(key))
	}
	return key, nil
}

// FrameBytes returns the size in bytes of one PCM frame at the telephony
// sample rate (16-bit mono).
func (c *Config) FrameBytes() int {
	return c.SampleRate * c.FrameMs / 1000 * 2
}

// MediaIP returns the IP address advertised in SDP answers. If ExternalIP is
// configured, it is returned directly. Otherwise the function attempts to
// detect the machine's primary non-loopback IPv4 address. Falls back to
// "127.0.0.1" if detection fails.
func (c *Config) MediaIP() string {
	if c.ExternalIP != "" {
		return c.ExternalIP
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() {
			if ipNet.IP.To4() != nil {
				return ipNet.IP.String()
			}
		}
	}
	return "127.0.0.1"
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
