package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dkeye/ezstream/internal/app/transcode"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode       string `mapstructure:"mode"`
	Port       int    `mapstructure:"port"`
	StaticPath string `mapstructure:"static_path"`
	Secret     string `mapstructure:"secret"`

	ReadLimit   int64         `mapstructure:"read_limit"`
	PingPeriod  time.Duration `mapstructure:"ping_period"`
	PongWait    time.Duration `mapstructure:"pong_wait"`
	WriteWait   time.Duration `mapstructure:"write_wait"`
	SendBuffer  int           `mapstructure:"send_buffer"`
	SlowConsume string        `mapstructure:"slow_consumer"`

	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	JoinNotifyDelay time.Duration `mapstructure:"join_notify_delay"`
	JoinRate        float64       `mapstructure:"join_rate"`
	JoinBurst       int           `mapstructure:"join_burst"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	ICEServers []ICEServer    `mapstructure:"ice_servers"`
	Encoder    EncoderConfig  `mapstructure:"encoder"`
	Redis      RedisConfig    `mapstructure:"redis"`
	RTMPSink   RTMPSinkConfig `mapstructure:"rtmpsink"`
}

type ICEServer struct {
	URLs       []string `mapstructure:"urls"`
	Username   string   `mapstructure:"username"`
	Credential string   `mapstructure:"credential"`
}

type EncoderConfig struct {
	Binary          string        `mapstructure:"binary"`
	InputFormat     string        `mapstructure:"input_format"`
	Preset          string        `mapstructure:"preset"`
	Tune            string        `mapstructure:"tune"`
	DefaultFPS      int           `mapstructure:"default_fps"`
	DefaultBitrate  int           `mapstructure:"default_bitrate"`
	AudioBitrate    string        `mapstructure:"audio_bitrate"`
	AudioSampleRate int           `mapstructure:"audio_sample_rate"`
	QueueDepth      int           `mapstructure:"queue_depth"`
	StopGrace       time.Duration `mapstructure:"stop_grace"`
	KillTimeout     time.Duration `mapstructure:"kill_timeout"`
}

type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

type RTMPSinkConfig struct {
	Addr string `mapstructure:"addr"`
}

func setDefaults(v *viper.Viper) {
	enc := transcode.DefaultOptions()

	v.SetDefault("mode", "release")
	v.SetDefault("port", 5000)
	v.SetDefault("static_path", "./web")
	v.SetDefault("secret", "ezstream-dev-secret")
	v.SetDefault("read_limit", 10_000_000)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("pong_wait", "60s")
	v.SetDefault("write_wait", "10s")
	v.SetDefault("send_buffer", 64)
	v.SetDefault("slow_consumer", "disconnect")
	v.SetDefault("allowed_origins", []string{"http://localhost:3000"})
	v.SetDefault("join_notify_delay", "1s")
	v.SetDefault("join_rate", 2.0)
	v.SetDefault("join_burst", 5)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "console")
	v.SetDefault("ice_servers", []map[string]any{
		{"urls": []string{"stun:stun.l.google.com:19302"}},
	})

	v.SetDefault("encoder.binary", enc.Binary)
	v.SetDefault("encoder.input_format", enc.InputFormat)
	v.SetDefault("encoder.preset", enc.Preset)
	v.SetDefault("encoder.tune", enc.Tune)
	v.SetDefault("encoder.default_fps", enc.DefaultFPS)
	v.SetDefault("encoder.default_bitrate", enc.DefaultBitrate)
	v.SetDefault("encoder.audio_bitrate", enc.AudioBitrate)
	v.SetDefault("encoder.audio_sample_rate", enc.AudioSampleRate)
	v.SetDefault("encoder.queue_depth", enc.QueueDepth)
	v.SetDefault("encoder.stop_grace", enc.StopGrace)
	v.SetDefault("encoder.kill_timeout", enc.KillTimeout)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttl", "10m")

	v.SetDefault("rtmpsink.addr", ":1935")
}

// Load reads config/config.<CONFIG_ENV>.yaml. A missing file is not an error.
func Load() (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env))
}

func LoadFile(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)

	setDefaults(v)

	v.SetEnvPrefix("EZSTREAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	// Plain variables the original deployment scripts set.
	if port := os.Getenv("PORT"); port != "" {
		v.Set("port", port)
	}
	if origins := os.Getenv("CORS_ORIGIN"); origins != "" {
		v.Set("allowed_origins", splitList(origins))
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Str("static", cfg.StaticPath).Msg("config ready")
	return &cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.ReadLimit <= 0 {
		errs = append(errs, errors.New("read_limit must be positive"))
	}
	if c.SendBuffer <= 0 {
		errs = append(errs, errors.New("send_buffer must be positive"))
	}
	if c.PingPeriod <= 0 || c.PongWait <= c.PingPeriod {
		errs = append(errs, errors.New("ping_period must be positive and shorter than pong_wait"))
	}
	if c.JoinNotifyDelay < 0 {
		errs = append(errs, errors.New("join_notify_delay must not be negative"))
	}
	if c.SlowConsume != "disconnect" && c.SlowConsume != "drop" {
		errs = append(errs, fmt.Errorf("slow_consumer %q: want disconnect or drop", c.SlowConsume))
	}
	if c.Encoder.Binary == "" {
		errs = append(errs, errors.New("encoder.binary is required"))
	}
	if c.Encoder.QueueDepth <= 0 {
		errs = append(errs, errors.New("encoder.queue_depth must be positive"))
	}
	if c.Encoder.StopGrace < 0 || c.Encoder.KillTimeout < 0 {
		errs = append(errs, errors.New("encoder timeouts must not be negative"))
	}
	for i, s := range c.ICEServers {
		if len(s.URLs) == 0 {
			errs = append(errs, fmt.Errorf("ice_servers[%d] has no urls", i))
		}
	}
	return errors.Join(errs...)
}

// TranscodeOptions maps the encoder section onto the supervisor options.
func (c *Config) TranscodeOptions() transcode.Options {
	return transcode.Options{
		Binary:          c.Encoder.Binary,
		InputFormat:     c.Encoder.InputFormat,
		Preset:          c.Encoder.Preset,
		Tune:            c.Encoder.Tune,
		DefaultFPS:      c.Encoder.DefaultFPS,
		DefaultBitrate:  c.Encoder.DefaultBitrate,
		AudioBitrate:    c.Encoder.AudioBitrate,
		AudioSampleRate: c.Encoder.AudioSampleRate,
		QueueDepth:      c.Encoder.QueueDepth,
		StopGrace:       c.Encoder.StopGrace,
		KillTimeout:     c.Encoder.KillTimeout,
	}
}

func (c *Config) WebRTCICEServers() []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(c.ICEServers))
	for _, s := range c.ICEServers {
		out = append(out, webrtc.ICEServer{
			URLs:       append([]string(nil), s.URLs...),
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return out
}

// OriginAllowed reports whether origin may open a connection. "*" allows all.
func (c *Config) OriginAllowed(origin string) bool {
	for _, o := range c.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}
