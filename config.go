package studio

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

// EnvPrefix prefixes environment overrides, e.g. STUDIO_VIDEO_FPS.
const EnvPrefix = "STUDIO"

// Config is the file and environment configuration of the engine.
type Config struct {
	Provider  string          `mapstructure:"provider"`
	Video     VideoConfig     `mapstructure:"video"`
	Audio     AudioConfig     `mapstructure:"audio"`
	Recording RecordingConfig `mapstructure:"recording"`
	Registry  RegistryConfig  `mapstructure:"registry"`
	Log       LogConfig       `mapstructure:"log"`
}

type VideoConfig struct {
	Quality string `mapstructure:"quality"`
	Width   int    `mapstructure:"width"` // Zero takes the quality preset size
	Height  int    `mapstructure:"height"`
	FPS     int    `mapstructure:"fps"`
	Codec   string `mapstructure:"codec"`
	Backend string `mapstructure:"backend"` // Compositor backend
}

type AudioConfig struct {
	SampleRate int    `mapstructure:"sample_rate"`
	Channels   int    `mapstructure:"channels"`
	Codec      string `mapstructure:"codec"`
}

type RecordingConfig struct {
	ChunkInterval      time.Duration `mapstructure:"chunk_interval"`
	MinDuration        time.Duration `mapstructure:"min_duration"`
	MinBytes           int64         `mapstructure:"min_bytes"`
	Layout             string        `mapstructure:"layout"`
	Transition         time.Duration `mapstructure:"transition"`
	AutoDegrade        bool          `mapstructure:"auto_degrade"`
	DisableCompositing bool          `mapstructure:"disable_compositing"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DefaultConfig returns the configuration used when no file or environment
// overrides are present.
func DefaultConfig() *Config {
	rc := DefaultRecorderConfig()
	return &Config{
		Provider: "synthetic",
		Video: VideoConfig{
			Quality: string(rc.Quality),
			FPS:     rc.Encoder.FPS,
			Codec:   rc.Encoder.VideoCodec.String(),
			Backend: rc.Compositor.Backend,
		},
		Audio: AudioConfig{
			SampleRate: rc.Mixer.SampleRate,
			Channels:   rc.Mixer.Channels,
			Codec:      rc.Encoder.AudioCodec.String(),
		},
		Recording: RecordingConfig{
			ChunkInterval: rc.Encoder.ChunkInterval,
			MinDuration:   rc.MinDuration,
			MinBytes:      rc.MinBytes,
			Layout:        rc.PreferredLayout.String(),
			Transition:    rc.Compositor.Transition,
		},
		Registry: RegistryConfig{Kind: RegistryMemory},
		Log:      LogConfig{Level: "info", Format: "console"},
	}
}

// LoadConfig reads a .env file if present, then the config file at path
// (or studio.yaml in the working directory), then STUDIO_* environment
// variables. Later sources win.
func LoadConfig(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v, DefaultConfig())
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("studio")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers every key so environment variables bind even when
// the file does not mention them.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("provider", d.Provider)
	v.SetDefault("video.quality", d.Video.Quality)
	v.SetDefault("video.width", d.Video.Width)
	v.SetDefault("video.height", d.Video.Height)
	v.SetDefault("video.fps", d.Video.FPS)
	v.SetDefault("video.codec", d.Video.Codec)
	v.SetDefault("video.backend", d.Video.Backend)
	v.SetDefault("audio.sample_rate", d.Audio.SampleRate)
	v.SetDefault("audio.channels", d.Audio.Channels)
	v.SetDefault("audio.codec", d.Audio.Codec)
	v.SetDefault("recording.chunk_interval", d.Recording.ChunkInterval)
	v.SetDefault("recording.min_duration", d.Recording.MinDuration)
	v.SetDefault("recording.min_bytes", d.Recording.MinBytes)
	v.SetDefault("recording.layout", d.Recording.Layout)
	v.SetDefault("recording.transition", d.Recording.Transition)
	v.SetDefault("recording.auto_degrade", d.Recording.AutoDegrade)
	v.SetDefault("recording.disable_compositing", d.Recording.DisableCompositing)
	v.SetDefault("registry.kind", d.Registry.Kind)
	v.SetDefault("registry.dir", d.Registry.Dir)
	v.SetDefault("registry.redis_addr", d.Registry.RedisAddr)
	v.SetDefault("registry.redis_password", d.Registry.RedisPassword)
	v.SetDefault("registry.redis_db", d.Registry.RedisDB)
	v.SetDefault("registry.redis_prefix", d.Registry.RedisPrefix)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}

// Validate reports every invalid value.
func (c *Config) Validate() error {
	var errs []error
	if _, err := ParseQuality(c.Video.Quality); err != nil {
		errs = append(errs, fmt.Errorf("video.quality: %w", err))
	}
	if (c.Video.Width == 0) != (c.Video.Height == 0) {
		errs = append(errs, errors.New("video.width and video.height must be set together"))
	}
	if c.Video.Width < 0 || c.Video.Height < 0 || c.Video.Width%2 != 0 || c.Video.Height%2 != 0 {
		errs = append(errs, fmt.Errorf("video size %dx%d: must be even and positive", c.Video.Width, c.Video.Height))
	}
	if c.Video.FPS < 1 || c.Video.FPS > 120 {
		errs = append(errs, fmt.Errorf("video.fps %d out of range 1-120", c.Video.FPS))
	}
	if _, err := ParseVideoCodec(c.Video.Codec); err != nil {
		errs = append(errs, fmt.Errorf("video.codec: %w", err))
	}
	switch c.Video.Backend {
	case BackendAuto, BackendNative, BackendSoftware:
	default:
		errs = append(errs, fmt.Errorf("video.backend %q: must be auto, native or software", c.Video.Backend))
	}
	if c.Audio.SampleRate < 8000 || c.Audio.SampleRate > 192000 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d out of range", c.Audio.SampleRate))
	}
	if c.Audio.Channels != 1 && c.Audio.Channels != 2 {
		errs = append(errs, fmt.Errorf("audio.channels %d: must be 1 or 2", c.Audio.Channels))
	}
	if _, err := ParseAudioCodec(c.Audio.Codec); err != nil {
		errs = append(errs, fmt.Errorf("audio.codec: %w", err))
	}
	if c.Recording.ChunkInterval < 10*time.Millisecond {
		errs = append(errs, fmt.Errorf("recording.chunk_interval %s below 10ms", c.Recording.ChunkInterval))
	}
	if c.Recording.MinDuration < 0 || c.Recording.MinBytes < 0 || c.Recording.Transition < 0 {
		errs = append(errs, errors.New("recording thresholds must not be negative"))
	}
	if _, err := ParseLayoutType(c.Recording.Layout); err != nil {
		errs = append(errs, fmt.Errorf("recording.layout: %w", err))
	}
	switch c.Registry.Kind {
	case RegistryMemory:
	case RegistryFile:
		if c.Registry.Dir == "" {
			errs = append(errs, errors.New("registry.dir is required for the file registry"))
		}
	case RegistryRedis:
		if c.Registry.RedisAddr == "" {
			errs = append(errs, errors.New("registry.redis_addr is required for the redis registry"))
		}
	default:
		errs = append(errs, fmt.Errorf("registry.kind %q: must be memory, file or redis", c.Registry.Kind))
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		errs = append(errs, fmt.Errorf("log.format %q: must be json or console", c.Log.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// RecorderConfig maps c onto a RecorderConfig. c must be valid.
func (c *Config) RecorderConfig() (RecorderConfig, error) {
	rc := DefaultRecorderConfig()
	var err error
	if rc.Quality, err = ParseQuality(c.Video.Quality); err != nil {
		return rc, err
	}
	if rc.Encoder.VideoCodec, err = ParseVideoCodec(c.Video.Codec); err != nil {
		return rc, err
	}
	if rc.Encoder.AudioCodec, err = ParseAudioCodec(c.Audio.Codec); err != nil {
		return rc, err
	}
	if rc.PreferredLayout, err = ParseLayoutType(c.Recording.Layout); err != nil {
		return rc, err
	}
	rc.Encoder.Width, rc.Encoder.Height = c.Video.Width, c.Video.Height
	rc.Encoder.FPS = c.Video.FPS
	rc.Encoder.ChunkInterval = c.Recording.ChunkInterval
	rc.Compositor.Backend = c.Video.Backend
	rc.Compositor.Transition = c.Recording.Transition
	rc.Mixer.SampleRate = c.Audio.SampleRate
	rc.Mixer.Channels = c.Audio.Channels
	rc.MinDuration = c.Recording.MinDuration
	rc.MinBytes = c.Recording.MinBytes
	rc.AutoDegrade = c.Recording.AutoDegrade
	rc.DisableCompositing = c.Recording.DisableCompositing
	return normalizeRecorderConfig(rc), nil
}
