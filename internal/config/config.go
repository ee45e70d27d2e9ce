package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port            int           `yaml:"port"`
		ReadTimeout     time.Duration `yaml:"readTimeout"`
		WriteTimeout    time.Duration `yaml:"writeTimeout"`
		ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
		MaxBodyBytes    int64         `yaml:"maxBodyBytes"`
		AllowedOrigins  []string      `yaml:"allowedOrigins"`
		// APIKeys maps workspace id to API key; empty disables auth.
		APIKeys map[string]string `yaml:"apiKeys"`
	} `yaml:"server"`

	Database struct {
		// Driver is mysql, postgres or memory.
		Driver   string `yaml:"driver"`
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		Name     string `yaml:"name"`
		SSLMode  string `yaml:"sslMode"`
		Migrate  bool   `yaml:"migrate"`
	} `yaml:"database"`

	Minio struct {
		// Endpoint kosong = pakai in-memory store (dev)
		Endpoint     string        `yaml:"endpoint"`
		AccessKey    string        `yaml:"accessKey"`
		SecretKey    string        `yaml:"secretKey"`
		RawBucket    string        `yaml:"rawBucket"`
		GoldenBucket string        `yaml:"goldenBucket"`
		Region       string        `yaml:"region"`
		UseSSL       bool          `yaml:"useSSL"`
		OpTimeout    time.Duration `yaml:"opTimeout"`
	} `yaml:"minio"`

	Signing struct {
		// PublicKeyring is an armored OpenPGP keyring of trusted inner signers.
		PublicKeyring string `yaml:"publicKeyring"`
		// ServiceIdentity signs evidence bundles.
		ServiceIdentity string `yaml:"serviceIdentity"`
		ServiceKeySeed  string `yaml:"serviceKeySeed"`
		// RemoteURL, when set, verifies inner signatures through a signing service.
		RemoteURL   string `yaml:"remoteURL"`
		RemoteToken string `yaml:"remoteToken"`
	} `yaml:"signing"`

	TransparencyLog struct {
		// Mode is memory, rekor or disabled.
		Mode     string `yaml:"mode"`
		URL      string `yaml:"url"`
		Identity string `yaml:"identity"`
		KeySeed  string `yaml:"keySeed"`
	} `yaml:"transparencyLog"`

	Verification struct {
		Timeout     time.Duration `yaml:"timeout"`
		MaxAttempts int           `yaml:"maxAttempts"`
		BaseBackoff time.Duration `yaml:"baseBackoff"`
		MaxBackoff  time.Duration `yaml:"maxBackoff"`
	} `yaml:"verification"`

	Policy struct {
		// Trusted maps workspace id ("*" for any) to signer patterns.
		Trusted    map[string][]string `yaml:"trusted"`
		BundlePath string              `yaml:"bundlePath"`
	} `yaml:"policy"`

	Privacy struct {
		AllowDomains []string `yaml:"allowDomains"`
		EngineURL    string   `yaml:"engineURL"`
		EngineToken  string   `yaml:"engineToken"`
		OpenAI       struct {
			APIKey  string `yaml:"apiKey"`
			BaseURL string `yaml:"baseURL"`
			Model   string `yaml:"model"`
		} `yaml:"openai"`
	} `yaml:"privacy"`

	Workers struct {
		Concurrency   int           `yaml:"concurrency"`
		QueueSize     int           `yaml:"queueSize"`
		LockTTL       time.Duration `yaml:"lockTTL"`
		ReapInterval  time.Duration `yaml:"reapInterval"`
		ReapBatchSize int           `yaml:"reapBatchSize"`
		EvidenceQueue int           `yaml:"evidenceQueue"`
	} `yaml:"workers"`

	Promotion struct {
		AutoPromote bool          `yaml:"autoPromote"`
		Concurrency int           `yaml:"concurrency"`
		CopyTimeout time.Duration `yaml:"copyTimeout"`
	} `yaml:"promotion"`

	RateLimit struct {
		Enabled bool `yaml:"enabled"`
		// Capacity and RefillPerSecond tune the in-process token bucket.
		Capacity        int    `yaml:"capacity"`
		RefillPerSecond int    `yaml:"refillPerSecond"`
		RedisAddr       string `yaml:"redisAddr"`
		RedisPassword   string `yaml:"redisPassword"`
		RedisDB         int    `yaml:"redisDB"`
		// Limit per Window applies to the Redis limiter.
		Limit  int           `yaml:"limit"`
		Window time.Duration `yaml:"window"`
	} `yaml:"rateLimit"`

	Log struct {
		Level       string `yaml:"level"`
		Development bool   `yaml:"development"`
	} `yaml:"log"`
}

// Load baca file config.yaml, lalu env override, default dan validasi
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv lets secrets stay out of the file.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := map[string]*string{
		"SCANVAULT_DB_DRIVER":            &c.Database.Driver,
		"SCANVAULT_DB_HOST":              &c.Database.Host,
		"SCANVAULT_DB_PASSWORD":          &c.Database.Password,
		"SCANVAULT_MINIO_ENDPOINT":       &c.Minio.Endpoint,
		"SCANVAULT_MINIO_ACCESS_KEY":     &c.Minio.AccessKey,
		"SCANVAULT_MINIO_SECRET_KEY":     &c.Minio.SecretKey,
		"SCANVAULT_OPENAI_API_KEY":       &c.Privacy.OpenAI.APIKey,
		"SCANVAULT_PRIVACY_ENGINE_TOKEN": &c.Privacy.EngineToken,
		"SCANVAULT_SERVICE_KEY_SEED":     &c.Signing.ServiceKeySeed,
		"SCANVAULT_SIGNING_TOKEN":        &c.Signing.RemoteToken,
		"SCANVAULT_TLOG_URL":             &c.TransparencyLog.URL,
		"SCANVAULT_TLOG_KEY_SEED":        &c.TransparencyLog.KeySeed,
		"SCANVAULT_REDIS_ADDR":           &c.RateLimit.RedisAddr,
		"SCANVAULT_REDIS_PASSWORD":       &c.RateLimit.RedisPassword,
		"SCANVAULT_LOG_LEVEL":            &c.Log.Level,
	}
	for key, dst := range str {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	if v, ok := lookup("SCANVAULT_PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SCANVAULT_PORT: %w", err)
		}
		c.Server.Port = port
	}
	return nil
}

// ApplyDefaults fills every unset knob.
func (c *Config) ApplyDefaults() {
	setInt(&c.Server.Port, 8080)
	setDur(&c.Server.ReadTimeout, 15*time.Second)
	// upload-request sinkron bisa makan waktu sampai verification.timeout
	setDur(&c.Server.WriteTimeout, 60*time.Second)
	setDur(&c.Server.ShutdownTimeout, 15*time.Second)
	if c.Server.MaxBodyBytes <= 0 {
		c.Server.MaxBodyBytes = 32 << 20
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "mysql"
	}
	c.Database.Driver = strings.ToLower(c.Database.Driver)
	if c.Database.Port == 0 {
		switch c.Database.Driver {
		case "postgres":
			c.Database.Port = 5432
		default:
			c.Database.Port = 3306
		}
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}

	setStr(&c.Minio.RawBucket, "scans-raw")
	setStr(&c.Minio.GoldenBucket, "scans-golden")
	setStr(&c.Minio.Region, "us-east-1")
	setDur(&c.Minio.OpTimeout, 30*time.Second)

	setStr(&c.Signing.ServiceIdentity, "scanvault@service")

	setStr(&c.TransparencyLog.Mode, "memory")
	c.TransparencyLog.Mode = strings.ToLower(c.TransparencyLog.Mode)
	setStr(&c.TransparencyLog.Identity, "tlog@scanvault")

	setDur(&c.Verification.Timeout, 30*time.Second)
	setInt(&c.Verification.MaxAttempts, 4)
	setDur(&c.Verification.BaseBackoff, 200*time.Millisecond)
	setDur(&c.Verification.MaxBackoff, 5*time.Second)

	setStr(&c.Privacy.OpenAI.Model, "gpt-4o-mini")

	setInt(&c.Workers.Concurrency, 4)
	setInt(&c.Workers.QueueSize, 64)
	setDur(&c.Workers.LockTTL, 5*time.Minute)
	setDur(&c.Workers.ReapInterval, time.Minute)
	setInt(&c.Workers.ReapBatchSize, 100)
	setInt(&c.Workers.EvidenceQueue, 256)

	setInt(&c.Promotion.Concurrency, 4)
	setDur(&c.Promotion.CopyTimeout, 60*time.Second)

	setInt(&c.RateLimit.Capacity, 60)
	setInt(&c.RateLimit.RefillPerSecond, 1)
	setInt(&c.RateLimit.Limit, 120)
	setDur(&c.RateLimit.Window, time.Minute)

	setStr(&c.Log.Level, "info")
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	switch c.Database.Driver {
	case "mysql", "postgres":
		if c.Database.Host == "" || c.Database.Name == "" {
			errs = append(errs, fmt.Errorf("database.host and database.name are required for %s", c.Database.Driver))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("database.driver %q: want mysql, postgres or memory", c.Database.Driver))
	}
	if c.Minio.RawBucket == c.Minio.GoldenBucket {
		errs = append(errs, errors.New("minio.rawBucket and minio.goldenBucket must differ"))
	}
	if c.Signing.ServiceKeySeed == "" {
		errs = append(errs, errors.New("signing.serviceKeySeed (SCANVAULT_SERVICE_KEY_SEED) is required"))
	}
	if c.Signing.PublicKeyring == "" && c.Signing.RemoteURL == "" {
		errs = append(errs, errors.New("signing.publicKeyring or signing.remoteURL is required"))
	}
	switch c.TransparencyLog.Mode {
	case "memory", "rekor":
		if c.TransparencyLog.KeySeed == "" {
			errs = append(errs, fmt.Errorf("transparencyLog.keySeed is required in %s mode", c.TransparencyLog.Mode))
		}
		if c.TransparencyLog.Mode == "rekor" && c.TransparencyLog.URL == "" {
			errs = append(errs, errors.New("transparencyLog.url is required in rekor mode"))
		}
	case "disabled":
	default:
		errs = append(errs, fmt.Errorf("transparencyLog.mode %q: want memory, rekor or disabled", c.TransparencyLog.Mode))
	}
	if c.Verification.MaxBackoff < c.Verification.BaseBackoff {
		errs = append(errs, errors.New("verification.maxBackoff is below baseBackoff"))
	}
	if c.Workers.LockTTL <= c.Verification.Timeout {
		errs = append(errs, fmt.Errorf("workers.lockTTL (%s) must exceed verification.timeout (%s)",
			c.Workers.LockTTL, c.Verification.Timeout))
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q: want debug, info, warn or error", c.Log.Level))
	}
	return errors.Join(errs...)
}

// Helper untuk build DSN MySQL
func (c *Config) MySQLDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&charset=utf8mb4&loc=UTC",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Name,
	)
}

// PostgresDSN builds a lib/pq connection string.
func (c *Config) PostgresDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host,
		c.Database.Port,
		c.Database.User,
		c.Database.Password,
		c.Database.Name,
		c.Database.SSLMode,
	)
}

func setStr(dst *string, def string) {
	if *dst == "" {
		*dst = def
	}
}

func setInt(dst *int, def int) {
	if *dst <= 0 {
		*dst = def
	}
}

func setDur(dst *time.Duration, def time.Duration) {
	if *dst <= 0 {
		*dst = def
	}
}
