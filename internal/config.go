package internal

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/hbomb79/Arca/internal/archive"
	"github.com/hbomb79/Arca/internal/pipeline"
	"github.com/hbomb79/Arca/internal/upload"
	"github.com/ilyakaznacheev/cleanenv"
)

// ArcaConfig is the user supplied configuration for all of Arca,
// typically loaded from a YAML file with environment overrides.
type ArcaConfig struct {
	Pipeline pipeline.Config `yaml:"pipeline"`
	Upload   upload.Config   `yaml:"upload"`
	Archive  archive.Config  `yaml:"archive" env-required:"true"`
	Ffmpeg   FfmpegConfig    `yaml:"ffmpeg"`
}

// FfmpegConfig points Arca at the ffmpeg/ffprobe binaries used for
// video metadata probing and proxy generation.
type FfmpegConfig struct {
	FfmpegBinPath  string `yaml:"ffmpeg_binary" env:"FORMAT_FFMPEG_BINARY_PATH" env-default:"/usr/bin/ffmpeg"`
	FfprobeBinPath string `yaml:"ffprobe_binary" env:"FORMAT_FFPROBE_BINARY_PATH" env-default:"/usr/bin/ffprobe"`
}

// LoadFromFile reads the YAML configuration file at the path given
// in to this config struct, applying environment variable overrides.
func (config *ArcaConfig) LoadFromFile(configPath string) error {
	if err := cleanenv.ReadConfig(configPath, config); err != nil {
		return fmt.Errorf("failed to load configuration from %s: %w", configPath, err)
	}

	return nil
}

// DefaultConfigPath is the expected location of the user
// configuration when no explicit path has been provided.
func DefaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		panic(fmt.Sprintf("FAILURE to derive user config dir %s", err))
	}

	return filepath.Join(dir, "arca", "config.yaml")
}
