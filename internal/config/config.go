package config

import (
	"fmt"
	"os"

	"github.com/spf13/viper"
)

type Config struct {
	Mode      string          `mapstructure:"mode"`
	ListenIP  string          `mapstructure:"listen_ip"`
	Port      int             `mapstructure:"port"`
	Media     MediaConfig     `mapstructure:"media"`
	Recording RecordingConfig `mapstructure:"recording"`
}

// MediaConfig configures the media worker and its RTC port range.
type MediaConfig struct {
	WorkerBin   string `mapstructure:"worker_bin"`
	ListenIP    string `mapstructure:"listen_ip"`
	AnnouncedIP string `mapstructure:"announced_ip"`
	RtcMinPort  uint16 `mapstructure:"rtc_min_port"`
	RtcMaxPort  uint16 `mapstructure:"rtc_max_port"`
}

// RecordingConfig configures the ffmpeg sink and the loopback RTP ports
// recordings receive media on.
type RecordingConfig struct {
	FFmpegBin string `mapstructure:"ffmpeg_bin"`
	Dir       string `mapstructure:"dir"`
	SDPDir    string `mapstructure:"sdp_dir"`
	PortMin   uint16 `mapstructure:"port_min"`
	PortMax   uint16 `mapstructure:"port_max"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("listen_ip", "0.0.0.0")
	v.SetDefault("port", 8080)
	v.SetDefault("media.worker_bin", "mediasoup-worker")
	v.SetDefault("media.listen_ip", "0.0.0.0")
	v.SetDefault("media.announced_ip", "")
	v.SetDefault("media.rtc_min_port", 40000)
	v.SetDefault("media.rtc_max_port", 49999)
	v.SetDefault("recording.ffmpeg_bin", "ffmpeg")
	v.SetDefault("recording.dir", "./recordings")
	v.SetDefault("recording.sdp_dir", "/tmp")
	v.SetDefault("recording.port_min", 50000)
	v.SetDefault("recording.port_max", 59999)

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("⚠️ Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("✅ Loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	fmt.Printf("🧩 Mode: %s | Port: %d | Worker: %s\n", cfg.Mode, cfg.Port, cfg.Media.WorkerBin)
	return &cfg, nil
}
