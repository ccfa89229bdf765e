package logger

// Config describes one named logger.
type Config struct {
	Level        string       `yaml:"level"`
	OutputPaths  []string     `yaml:"output_paths"`
	Development  bool         `yaml:"development"`
	LogToConsole bool         `yaml:"log_to_console"`
	TimeEncoder  string       `yaml:"time_encoder"`
	Rotation     Rotation     `yaml:"rotation"`
	Sanitization Sanitization `yaml:"sanitization"`
}

type Rotation struct {
	Enabled    bool `yaml:"enabled"`
	MaxSizeMB  int  `yaml:"max_size_mb"`
	MaxBackups int  `yaml:"max_backups"`
	MaxAgeDays int  `yaml:"max_age_days"`
	Compress   bool `yaml:"compress"`
}

// Sanitization lists field keys whose values never reach the output.
type Sanitization struct {
	SensitiveFields []string `yaml:"sensitive_fields"`
	Mask            string   `yaml:"mask"`
}

// DefaultLoggerName is the logger every component falls back to.
const DefaultLoggerName = "posauth"

// DefaultConfig is applied to fields a logger configuration leaves empty.
var DefaultConfig = Config{
	Level:        "info",
	LogToConsole: true,
	TimeEncoder:  "iso8601",
	Rotation: Rotation{
		Enabled:    true,
		MaxSizeMB:  50,
		MaxBackups: 7,
		MaxAgeDays: 30,
		Compress:   true,
	},
	Sanitization: Sanitization{
		SensitiveFields: []string{
			"password",
			"token",
			"secret",
			"authorization",
		},
		Mask: "****",
	},
}

func assignDefaultValues(cfg *Config) {
	if cfg.Level == "" {
		cfg.Level = DefaultConfig.Level
	}
	if cfg.TimeEncoder == "" {
		cfg.TimeEncoder = DefaultConfig.TimeEncoder
	}
	if len(cfg.OutputPaths) == 0 && !cfg.Development {
		cfg.LogToConsole = true
	}
	if cfg.Rotation.MaxSizeMB == 0 {
		cfg.Rotation.MaxSizeMB = DefaultConfig.Rotation.MaxSizeMB
	}
	if cfg.Rotation.MaxBackups == 0 {
		cfg.Rotation.MaxBackups = DefaultConfig.Rotation.MaxBackups
	}
	if cfg.Rotation.MaxAgeDays == 0 {
		cfg.Rotation.MaxAgeDays = DefaultConfig.Rotation.MaxAgeDays
	}
	if len(cfg.Sanitization.SensitiveFields) == 0 {
		cfg.Sanitization.SensitiveFields = DefaultConfig.Sanitization.SensitiveFields
	}
	if cfg.Sanitization.Mask == "" {
		cfg.Sanitization.Mask = DefaultConfig.Sanitization.Mask
	}
}
