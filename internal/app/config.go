package app

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"

	"loomcrypt/internal/session"
	"loomcrypt/internal/store"
)

// Duration wraps time.Duration for TOML ("168h", "5m30s").
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Config holds the engine's policy knobs. Rotation thresholds are policy,
// not algorithm: whichever trigger fires first rotates the room session.
type Config struct {
	StorePath string `toml:"store_path"`

	RotationPeriod   Duration `toml:"rotation_period"`
	RotationMessages uint32   `toml:"rotation_messages"`

	OneTimeKeyTarget int `toml:"one_time_key_target"`
	MaxRecipients    int `toml:"max_recipients"`

	ScryptN int `toml:"scrypt_n"`
	ScryptR int `toml:"scrypt_r"`
	ScryptP int `toml:"scrypt_p"`
}

// DefaultConfig returns the built-in policy defaults.
func DefaultConfig() Config {
	p := store.DefaultScryptParams()
	return Config{
		RotationPeriod:   Duration(168 * time.Hour),
		RotationMessages: 100,
		OneTimeKeyTarget: 50,
		MaxRecipients:    20,
		ScryptN:          p.N,
		ScryptR:          p.R,
		ScryptP:          p.P,
	}
}

// LoadConfig overlays a TOML file on the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	if cfg.MaxRecipients <= 0 {
		return Config{}, fmt.Errorf("config: max_recipients must be positive")
	}
	return cfg, nil
}

// RotationPolicy converts the config thresholds for the group manager.
func (c Config) RotationPolicy() session.RotationPolicy {
	return session.RotationPolicy{
		Period:   time.Duration(c.RotationPeriod),
		Messages: c.RotationMessages,
	}
}

// ScryptParams converts the config KDF parameters for the store.
func (c Config) ScryptParams() store.ScryptParams {
	return store.ScryptParams{N: c.ScryptN, R: c.ScryptR, P: c.ScryptP}
}
