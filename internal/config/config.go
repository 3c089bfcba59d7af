package config

import (
	"fmt"
	"log/slog"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/wxq19/sabr-wx/internal/collector"
	"github.com/wxq19/sabr-wx/internal/serial"
	"github.com/wxq19/sabr-wx/internal/store"
)

type Config struct {
	AppEnv   string
	LogLevel slog.Level

	// Port is the serial device path, preferably a stable /dev/serial/by-id link.
	Port      string
	BaudRate  int
	Delimiter string
	Framing   collector.Framing

	PollInterval     time.Duration
	ReadTimeout      time.Duration
	ReconnectBackoff time.Duration
	LogRawLines      bool

	OutPath string

	// MetricsAddr enables the /metrics and /healthz listener when non-empty.
	MetricsAddr string
}

// StaleAfter is how long /healthz tolerates no new sample.
func (c Config) StaleAfter() time.Duration {
	return 10*c.PollInterval + c.ReadTimeout
}

func LoadFromEnv() (Config, error) {
	appEnv := strings.TrimSpace(os.Getenv("APP_ENV"))
	if appEnv == "" {
		appEnv = "dev"
	}
	switch appEnv {
	case "dev", "prod":
	default:
		return Config{}, fmt.Errorf("invalid APP_ENV %q (allowed: dev, prod)", appEnv)
	}

	logLevelStr := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if logLevelStr == "" {
		logLevelStr = "info"
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	port := strings.TrimSpace(os.Getenv("WEATHER_PORT"))
	if port == "" {
		return Config{}, fmt.Errorf("WEATHER_PORT is required (try `collector ports` to list candidates)")
	}

	baudStr := strings.TrimSpace(os.Getenv("WEATHER_BAUD"))
	if baudStr == "" {
		baudStr = "9600"
	}
	baud, err := strconv.Atoi(baudStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid WEATHER_BAUD %q: %w", baudStr, err)
	}
	if !serial.SupportedBaud(baud) {
		return Config{}, fmt.Errorf("unsupported WEATHER_BAUD %d", baud)
	}

	// not trimmed: whitespace may be the delimiter
	delimStr := os.Getenv("WEATHER_DELIMITER")
	if delimStr == "" {
		delimStr = `\n`
	}
	delimiter, err := unescape(delimStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid WEATHER_DELIMITER %q: %w", delimStr, err)
	}

	framing := collector.Framing(strings.ToLower(strings.TrimSpace(os.Getenv("WEATHER_FRAMING"))))
	if framing == "" {
		framing = collector.FramingLine
	}
	switch framing {
	case collector.FramingLine, collector.FramingAMWS:
	default:
		return Config{}, fmt.Errorf("invalid WEATHER_FRAMING %q (allowed: line, amws)", framing)
	}

	pollStr := strings.TrimSpace(os.Getenv("WEATHER_POLL_SLEEP"))
	if pollStr == "" {
		pollStr = "1"
	}
	pollInterval, err := parseSeconds(pollStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid WEATHER_POLL_SLEEP %q: %w", pollStr, err)
	}

	readTimeout, err := durationFromEnv("WEATHER_READ_TIMEOUT", "2s")
	if err != nil {
		return Config{}, err
	}
	backoff, err := durationFromEnv("WEATHER_RECONNECT_BACKOFF", "2s")
	if err != nil {
		return Config{}, err
	}

	logRaw, err := parseBool(os.Getenv("WEATHER_LOG_RAW"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid WEATHER_LOG_RAW: %w", err)
	}

	outPath := strings.TrimSpace(os.Getenv("WEATHER_OUT"))
	if outPath == "" {
		outPath = store.DefaultPath
	}

	metricsAddr := strings.TrimSpace(os.Getenv("METRICS_ADDR"))

	return Config{
		AppEnv:           appEnv,
		LogLevel:         level,
		Port:             port,
		BaudRate:         baud,
		Delimiter:        delimiter,
		Framing:          framing,
		PollInterval:     pollInterval,
		ReadTimeout:      readTimeout,
		ReconnectBackoff: backoff,
		LogRawLines:      logRaw,
		OutPath:          outPath,
		MetricsAddr:      metricsAddr,
	}, nil
}

// maxSeconds keeps seconds*1e9 inside time.Duration.
const maxSeconds = float64(math.MaxInt64 / int64(time.Second))

// parseSeconds reads a positive, finite number of seconds.
func parseSeconds(s string) (time.Duration, error) {
	secs, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(secs) || math.IsInf(secs, 0) {
		return 0, fmt.Errorf("must be a finite number of seconds")
	}
	if secs <= 0 {
		return 0, fmt.Errorf("must be positive")
	}
	if secs > maxSeconds {
		return 0, fmt.Errorf("must be at most %.0f seconds", maxSeconds)
	}
	d := time.Duration(secs * float64(time.Second))
	if d <= 0 {
		return 0, fmt.Errorf("must be at least 1ns")
	}
	return d, nil
}

func durationFromEnv(name, def string) (time.Duration, error) {
	s := strings.TrimSpace(os.Getenv(name))
	if s == "" {
		s = def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, s, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %v", name, d)
	}
	return d, nil
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true, nil
	case "", "0", "false", "no", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%q is not a boolean (allowed: 1/true/yes/on, 0/false/no/off)", s)
	}
}

// unescape turns `\r\n` as typed in an env file into the real bytes.
func unescape(s string) (string, error) {
	if !strings.Contains(s, `\`) {
		return s, nil
	}
	return strconv.Unquote(`"` + strings.ReplaceAll(s, `"`, `\"`) + `"`)
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid LOG_LEVEL %q (allowed: debug, info, warn, error)", s)
	}
}
