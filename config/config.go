package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const EnvPrefix = "MAILBOT"

// Config captures every option of the mail bot after flags, config file and
// environment have been merged.
type Config struct {
	IMAPHost           string
	IMAPPort           int
	IMAPUser           string
	IMAPPass           string
	UseTLS             bool
	IMAPStartTLS       bool
	InsecureSkipVerify bool
	UseKeyring         bool

	SMTPHost     string
	SMTPPort     int
	SMTPStartTLS bool
	From         string

	PollInterval  time.Duration
	Consumers     int
	QueueCapacity int
	MaxAttempts   int
	RetryBackoff  time.Duration

	Responder        string
	ResponderURL     string
	ResponderTimeout time.Duration
	PreferSubject    bool
	AllowAutoReplies bool

	StateDir      string
	DryRun        bool
	MboxPath      string
	OutboxPath    string
	LogLevel      string
	LogDir        string
	StatsInterval time.Duration

	IncludeHeader []string
	IncludeBody   []string
	ExcludeHeader []string
	ExcludeBody   []string

	// Warnings lists settings that were replaced by a safe default.
	Warnings []string
}

// RegisterFlags attaches all CLI flags to the provided command. They are
// persistent so subcommands share the connection settings.
func RegisterFlags(cmd *cobra.Command) error {
	defaultStateDir, err := defaultStateDir()
	if err != nil {
		return err
	}

	flags := cmd.PersistentFlags()
	flags.String("config", "", "Config file (yaml, toml or json); every flag may be set there")
	flags.String("imap-host", "", "IMAP server hostname")
	flags.Int("imap-port", 993, "IMAP server port")
	flags.String("imap-user", "", "IMAP username")
	flags.String("imap-pass", "", "IMAP password (falls back to IMAP_PASS env var, then the keyring with --keyring)")
	flags.Bool("use-tls", true, "Use implicit TLS for the IMAP connection")
	flags.Bool("imap-starttls", false, "Upgrade a plain IMAP connection with STARTTLS")
	flags.Bool("insecure-skip-verify", false, "Skip TLS certificate verification (not recommended)")
	flags.Bool("keyring", false, "Read the IMAP password from the OS keyring")
	flags.String("smtp-host", "", "SMTP submission host (defaults to the IMAP host)")
	flags.Int("smtp-port", 465, "SMTP submission port")
	flags.Bool("smtp-starttls", false, "Use STARTTLS instead of implicit TLS for SMTP")
	flags.String("from", "", "Sender address of replies (defaults to the IMAP user)")
	flags.Duration("poll-interval", 2*time.Second, "Pause between inbox scans when there is nothing to claim")
	flags.String("consumers", "1", "Number of consumer workers; invalid values fall back to 1")
	flags.Int("queue-capacity", 16, "Maximum number of claimed messages waiting for a consumer")
	flags.Int("max-attempts", 3, "Attempts per mailbox call before a fault is reported")
	flags.Duration("retry-backoff", 500*time.Millisecond, "Initial pause between mailbox call attempts")
	flags.String("responder", "datetime", "Responder: datetime or http")
	flags.String("responder-url", "", "Base URL of the HTTP agent (responder=http)")
	flags.Duration("responder-timeout", 10*time.Second, "Timeout of one HTTP agent request")
	flags.Bool("prefer-subject", false, "Ask the subject instead of the body when it is a multi-word question")
	flags.Bool("allow-auto-replies", false, "Answer mail that declares itself automated")
	flags.String("state-dir", defaultStateDir, "Directory for the reply ledger")
	flags.Bool("dry-run", false, "Run against an mbox archive instead of an IMAP server")
	flags.String("mbox", "", "mbox archive used as the Inbox in dry-run mode")
	flags.String("outbox", "", "mbox file that receives replies in dry-run mode")
	flags.String("log-level", "info", "Logging level: debug, info, warn, error")
	flags.String("log-dir", "", "Directory for a rotated log file in addition to stdout")
	flags.Duration("stats-interval", time.Minute, "Interval of the statistics log line; 0 disables it")
	flags.StringArray("include-header", nil, "Regex allow-list applied to message headers (mutually exclusive with exclude flags)")
	flags.StringArray("include-body", nil, "Regex allow-list applied to message bodies (mutually exclusive with exclude flags)")
	flags.StringArray("exclude-header", nil, "Regex block-list applied to message headers (mutually exclusive with include flags)")
	flags.StringArray("exclude-body", nil, "Regex block-list applied to message bodies (mutually exclusive with include flags)")

	return nil
}

// LoadConfig merges the parsed Cobra flags with the optional config file and
// MAILBOT_* environment variables, then validates the result.
func LoadConfig(cmd *cobra.Command) (Config, error) {
	v, err := newViper(cmd)
	if err != nil {
		return Config{}, err
	}
	return fromViper(v)
}

// Account resolves only the IMAP username, for commands that manage
// credentials and must not require a password.
func Account(cmd *cobra.Command) (string, error) {
	v, err := newViper(cmd)
	if err != nil {
		return "", err
	}
	user := strings.TrimSpace(v.GetString("imap-user"))
	if user == "" {
		return "", fmt.Errorf("--imap-user is required")
	}
	return user, nil
}

func newViper(cmd *cobra.Command) (*viper.Viper, error) {
	v := viper.New()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found", path)
			}
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}
	return v, nil
}

func fromViper(v *viper.Viper) (Config, error) {
	cfg := Config{
		IMAPHost:           strings.TrimSpace(v.GetString("imap-host")),
		IMAPPort:           v.GetInt("imap-port"),
		IMAPUser:           strings.TrimSpace(v.GetString("imap-user")),
		IMAPPass:           v.GetString("imap-pass"),
		UseTLS:             v.GetBool("use-tls"),
		IMAPStartTLS:       v.GetBool("imap-starttls"),
		InsecureSkipVerify: v.GetBool("insecure-skip-verify"),
		UseKeyring:         v.GetBool("keyring"),
		SMTPHost:           strings.TrimSpace(v.GetString("smtp-host")),
		SMTPPort:           v.GetInt("smtp-port"),
		SMTPStartTLS:       v.GetBool("smtp-starttls"),
		From:               strings.TrimSpace(v.GetString("from")),
		PollInterval:       v.GetDuration("poll-interval"),
		QueueCapacity:      v.GetInt("queue-capacity"),
		MaxAttempts:        v.GetInt("max-attempts"),
		RetryBackoff:       v.GetDuration("retry-backoff"),
		Responder:          strings.ToLower(strings.TrimSpace(v.GetString("responder"))),
		ResponderURL:       strings.TrimSpace(v.GetString("responder-url")),
		ResponderTimeout:   v.GetDuration("responder-timeout"),
		PreferSubject:      v.GetBool("prefer-subject"),
		AllowAutoReplies:   v.GetBool("allow-auto-replies"),
		StateDir:           v.GetString("state-dir"),
		DryRun:             v.GetBool("dry-run"),
		MboxPath:           strings.TrimSpace(v.GetString("mbox")),
		OutboxPath:         strings.TrimSpace(v.GetString("outbox")),
		LogLevel:           strings.ToLower(v.GetString("log-level")),
		LogDir:             v.GetString("log-dir"),
		StatsInterval:      v.GetDuration("stats-interval"),
		IncludeHeader:      v.GetStringSlice("include-header"),
		IncludeBody:        v.GetStringSlice("include-body"),
		ExcludeHeader:      v.GetStringSlice("exclude-header"),
		ExcludeBody:        v.GetStringSlice("exclude-body"),
	}

	consumers, ok := ParseConsumers(v.GetString("consumers"))
	if !ok {
		cfg.Warnings = append(cfg.Warnings, fmt.Sprintf("invalid consumers value %q, using %d", v.GetString("consumers"), consumers))
	}
	cfg.Consumers = consumers

	if cfg.IMAPPass == "" {
		cfg.IMAPPass = os.Getenv("IMAP_PASS")
	}
	if cfg.SMTPHost == "" {
		cfg.SMTPHost = cfg.IMAPHost
	}
	if cfg.From == "" {
		cfg.From = cfg.IMAPUser
	}

	if cfg.StateDir == "" {
		dir, err := defaultStateDir()
		if err != nil {
			return Config{}, err
		}
		cfg.StateDir = dir
	}
	cfg.StateDir = filepath.Clean(cfg.StateDir)

	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// ParseConsumers reads the consumer count. Anything that is not a positive
// integer yields 1 and ok=false.
func ParseConsumers(raw string) (n int, ok bool) {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n < 1 {
		return 1, false
	}
	return n, true
}

// NeedsPassword reports whether the password still has to be resolved from
// the keyring before the mailbox can be opened.
func (c Config) NeedsPassword() bool {
	return !c.DryRun && c.IMAPPass == ""
}

func validateConfig(cfg Config) error {
	if cfg.DryRun {
		if cfg.MboxPath == "" {
			return fmt.Errorf("--mbox is required with --dry-run")
		}
	} else {
		if cfg.IMAPHost == "" {
			return fmt.Errorf("--imap-host is required")
		}
		if cfg.IMAPUser == "" {
			return fmt.Errorf("--imap-user is required")
		}
		if cfg.IMAPPass == "" && !cfg.UseKeyring {
			return fmt.Errorf("IMAP password must be provided via --imap-pass, IMAP_PASS env var or --keyring")
		}
		if cfg.IMAPPort <= 0 || cfg.IMAPPort > 65535 {
			return fmt.Errorf("--imap-port must be between 1 and 65535")
		}
		if cfg.SMTPPort <= 0 || cfg.SMTPPort > 65535 {
			return fmt.Errorf("--smtp-port must be between 1 and 65535")
		}
		if cfg.UseTLS && cfg.IMAPStartTLS {
			return fmt.Errorf("--use-tls and --imap-starttls are mutually exclusive")
		}
	}

	if cfg.QueueCapacity < 1 {
		return fmt.Errorf("--queue-capacity must be at least 1")
	}
	if cfg.MaxAttempts < 1 {
		return fmt.Errorf("--max-attempts must be at least 1")
	}
	if cfg.PollInterval <= 0 {
		return fmt.Errorf("--poll-interval must be positive")
	}
	if cfg.StatsInterval < 0 {
		return fmt.Errorf("--stats-interval must not be negative")
	}

	switch cfg.Responder {
	case "datetime":
	case "http":
		if cfg.ResponderURL == "" {
			return fmt.Errorf("--responder-url is required with --responder=http")
		}
	default:
		return fmt.Errorf("invalid --responder: %s", cfg.Responder)
	}

	includeActive := len(cfg.IncludeHeader) > 0 || len(cfg.IncludeBody) > 0
	excludeActive := len(cfg.ExcludeHeader) > 0 || len(cfg.ExcludeBody) > 0
	if includeActive && excludeActive {
		return fmt.Errorf("include and exclude flags are mutually exclusive")
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid --log-level: %s", cfg.LogLevel)
	}

	return nil
}

func defaultStateDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".dorset-mailbot", "state"), nil
}
