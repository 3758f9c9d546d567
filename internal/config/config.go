// Package config loads and validates the securecall configuration.
// Values come from defaults, an optional config file, and SECURECALL_*
// environment variables, in increasing precedence.
package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/spf13/viper"
)

type Config struct {
	Identity  Identity  `mapstructure:"identity"`
	Relay     Relay     `mapstructure:"relay"`
	ICE       ICE       `mapstructure:"ice"`
	Recording Recording `mapstructure:"recording"`
	Analysis  Analysis  `mapstructure:"analysis"`
	Log       Log       `mapstructure:"log"`
}

type Identity struct {
	// UserID is this participant's identifier on the relay. Empty means a
	// random one is generated at startup (user_<suffix>).
	UserID string `mapstructure:"user_id"`
}

type Relay struct {
	// URL of the signaling relay websocket, e.g. ws://localhost:8787/ws.
	// Required for the peer command.
	URL string `mapstructure:"url"`

	// HeartbeatSec is the presence heartbeat interval.
	HeartbeatSec int `mapstructure:"heartbeat_sec" validate:"gt=0"`

	// Relay-server side: listen address and presence TTL.
	Bind   string `mapstructure:"bind"`
	TTLSec int    `mapstructure:"ttl_sec" validate:"gt=0"`
}

type ICE struct {
	// STUNURLs are the reachability helpers handed to the transport.
	STUNURLs []string `mapstructure:"stun_urls" validate:"min=1"`
}

type Recording struct {
	// SampleRate/Channels of the mixed recording. 48kHz mono matches the
	// opus decode path.
	SampleRate int `mapstructure:"sample_rate" validate:"gt=0"`
	Channels   int `mapstructure:"channels" validate:"gt=0"`
}

type Analysis struct {
	// UploadURL accepts the finalized audio blob (multipart) and returns
	// a storage URL. Empty disables the post-call pipeline.
	UploadURL    string `mapstructure:"upload_url"`
	UploadPreset string `mapstructure:"upload_preset"`

	// BackendURL accepts {cloudinaryUrl} and returns the transcription and
	// scam analysis.
	BackendURL string `mapstructure:"backend_url"`

	// VerdictTTLSec is how long a verdict stays visible before auto-clear.
	VerdictTTLSec int `mapstructure:"verdict_ttl_sec" validate:"gt=0"`
}

type Log struct {
	Level string `mapstructure:"level"`
	Dir   string `mapstructure:"dir"` // empty = console only
}

// Load reads configuration. path may be empty; then only defaults and
// environment apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SECURECALL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.Identity.UserID == "" {
		cfg.Identity.UserID = "user_" + uuid.NewString()[:8]
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("relay.url", "ws://127.0.0.1:8787/ws")
	v.SetDefault("relay.heartbeat_sec", 5)
	v.SetDefault("relay.bind", "127.0.0.1:8787")
	v.SetDefault("relay.ttl_sec", 15)
	v.SetDefault("ice.stun_urls", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("recording.sample_rate", 48000)
	v.SetDefault("recording.channels", 1)
	v.SetDefault("analysis.verdict_ttl_sec", 10)
	v.SetDefault("log.level", "info")
}
