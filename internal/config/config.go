package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/dkeye/peercall/internal/adapters/media"
)

const EnvPrefix = "PEERCALL"

type RelayConfig struct {
	URL             string        `mapstructure:"url"`
	Port            int           `mapstructure:"port"`
	HeartbeatPeriod time.Duration `mapstructure:"heartbeat_period"`
	WriteWait       time.Duration `mapstructure:"write_wait"`
	IdleWait        time.Duration `mapstructure:"idle_wait"`
	ReadLimit       int64         `mapstructure:"read_limit"`
	SendBuffer      int           `mapstructure:"send_buffer"`
	SignalRate      float64       `mapstructure:"signal_rate"`
	SignalBurst     int           `mapstructure:"signal_burst"`
	TokenTTL        time.Duration `mapstructure:"token_ttl"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	DevTokens       bool          `mapstructure:"dev_tokens"`
}

type ReconnectConfig struct {
	Base        time.Duration `mapstructure:"base"`
	Max         time.Duration `mapstructure:"max"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

type CallConfig struct {
	RingTimeout     time.Duration `mapstructure:"ring_timeout"`
	GraceDelay      time.Duration `mapstructure:"grace_delay"`
	DisconnectGrace time.Duration `mapstructure:"disconnect_grace"`
}

type ICEConfig struct {
	Servers         []string `mapstructure:"servers"`
	Username        string   `mapstructure:"username"`
	Credential      string   `mapstructure:"credential"`
	PortMin         uint16   `mapstructure:"port_min"`
	PortMax         uint16   `mapstructure:"port_max"`
	IncludeLoopback bool     `mapstructure:"include_loopback"`
}

type MediaConfig struct {
	Audio media.AudioConstraints `mapstructure:"audio"`
	Video media.VideoConstraints `mapstructure:"video"`
}

type ControlConfig struct {
	Port int `mapstructure:"port"`
}

// IdentityConfig is what the account collaborator hands the call client.
type IdentityConfig struct {
	UserID   string `mapstructure:"user_id"`
	Username string `mapstructure:"username"`
	Token    string `mapstructure:"token"`
}

type Config struct {
	Mode      string          `mapstructure:"mode"`
	LogLevel  string          `mapstructure:"log_level"`
	Secret    string          `mapstructure:"secret"`
	Relay     RelayConfig     `mapstructure:"relay"`
	Reconnect ReconnectConfig `mapstructure:"reconnect"`
	Call      CallConfig      `mapstructure:"call"`
	ICE       ICEConfig       `mapstructure:"ice"`
	Media     MediaConfig     `mapstructure:"media"`
	Control   ControlConfig   `mapstructure:"control"`
	Identity  IdentityConfig  `mapstructure:"identity"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("log_level", "info")
	// keys without a default are invisible to AutomaticEnv during Unmarshal
	v.SetDefault("secret", "")

	v.SetDefault("relay.url", "ws://localhost:8080/ws")
	v.SetDefault("relay.port", 8080)
	v.SetDefault("relay.heartbeat_period", "30s")
	v.SetDefault("relay.write_wait", "5s")
	v.SetDefault("relay.idle_wait", "90s")
	v.SetDefault("relay.read_limit", 65536)
	v.SetDefault("relay.send_buffer", 64)
	v.SetDefault("relay.signal_rate", 20)
	v.SetDefault("relay.signal_burst", 40)
	v.SetDefault("relay.token_ttl", "168h")
	v.SetDefault("relay.allowed_origins", []string{"http://localhost:3000", "http://localhost:1420", "tauri://localhost"})
	v.SetDefault("relay.dev_tokens", false)

	v.SetDefault("reconnect.base", "1s")
	v.SetDefault("reconnect.max", "30s")
	v.SetDefault("reconnect.max_attempts", 5)

	v.SetDefault("call.ring_timeout", "60s")
	v.SetDefault("call.grace_delay", "3s")
	v.SetDefault("call.disconnect_grace", "10s")

	v.SetDefault("ice.servers", []string{"stun:stun.l.google.com:19302", "stun:stun1.l.google.com:19302"})
	v.SetDefault("ice.username", "")
	v.SetDefault("ice.credential", "")
	v.SetDefault("ice.port_min", 0)
	v.SetDefault("ice.port_max", 0)
	v.SetDefault("ice.include_loopback", false)

	video := media.DefaultVideo()
	v.SetDefault("media.video.width", video.Width)
	v.SetDefault("media.video.height", video.Height)
	v.SetDefault("media.video.frame_rate", video.FrameRate)
	v.SetDefault("media.video.max_width", video.MaxWidth)
	v.SetDefault("media.video.max_height", video.MaxHeight)
	v.SetDefault("media.video.max_frame_rate", video.MaxFrameRate)
	v.SetDefault("media.video.facing_mode", video.FacingMode)
	audio := media.DefaultAudio()
	v.SetDefault("media.audio.echo_cancellation", audio.EchoCancellation)
	v.SetDefault("media.audio.noise_suppression", audio.NoiseSuppression)
	v.SetDefault("media.audio.auto_gain_control", audio.AutoGainControl)

	v.SetDefault("control.port", 7070)

	v.SetDefault("identity.user_id", "")
	v.SetDefault("identity.username", "")
	v.SetDefault("identity.token", "")
}

// Flags declares the command line overrides shared by both binaries.
// Names match the viper keys so BindPFlags maps them directly.
func Flags(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.String("mode", "", "gin mode (debug|release)")
	fs.String("log_level", "", "log level (trace|debug|info|warn|error)")
	fs.String("relay.url", "", "relay websocket url")
	fs.Int("relay.port", 0, "relay listen port")
	fs.Int("control.port", 0, "control API listen port")
	fs.String("identity.user_id", "", "local user id")
	fs.String("identity.username", "", "local display name")
	fs.String("identity.token", "", "relay bearer credential")
	fs.Bool("relay.dev_tokens", false, "expose the development token endpoint")
	return fs
}

func configFile() string {
	if f := os.Getenv(EnvPrefix + "_CONFIG_FILE"); f != "" {
		return f
	}
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return fmt.Sprintf("config/config.%s.yaml", env)
}

// Load reads defaults, the yaml file for CONFIG_ENV, a .env file,
// PEERCALL_* variables and finally the flags that were set on fs.
func Load(fs *pflag.FlagSet) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Str("module", "config").Msg("failed to read .env")
	}

	v := viper.New()
	v.SetConfigType("yaml")
	fileName := configFile()
	v.SetConfigFile(fileName)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if fs != nil {
		// only flags the user actually set override the file
		var bindErr error
		fs.Visit(func(f *pflag.Flag) {
			if err := v.BindPFlag(f.Name, f); err != nil && bindErr == nil {
				bindErr = err
			}
		})
		if bindErr != nil {
			return nil, fmt.Errorf("failed to bind flags: %w", bindErr)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Str("relay", cfg.Relay.URL).Msg("config ready")
	return &cfg, nil
}

var ErrInvalidConfig = errors.New("invalid config")

func (c *Config) Validate() error {
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: log_level %q", ErrInvalidConfig, c.LogLevel)
	}
	if c.Relay.HeartbeatPeriod <= 0 {
		return fmt.Errorf("%w: relay.heartbeat_period must be positive", ErrInvalidConfig)
	}
	if c.Reconnect.Base <= 0 || (c.Reconnect.Max > 0 && c.Reconnect.Max < c.Reconnect.Base) {
		return fmt.Errorf("%w: reconnect backoff %s..%s", ErrInvalidConfig, c.Reconnect.Base, c.Reconnect.Max)
	}
	if c.Call.RingTimeout <= 0 || c.Call.GraceDelay <= 0 {
		return fmt.Errorf("%w: call timers must be positive", ErrInvalidConfig)
	}
	if c.ICE.PortMin > c.ICE.PortMax {
		return fmt.Errorf("%w: ice port range %d..%d", ErrInvalidConfig, c.ICE.PortMin, c.ICE.PortMax)
	}
	return nil
}

// Level is the parsed log_level; Validate has already checked it.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}
