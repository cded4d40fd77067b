// Package config loads engine configuration from defaults, an optional JSON
// config file, and JANSETU_* environment variable overrides, in that order.
package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
)

type Config struct {
	Server    ServerConfig    `json:"server"`
	Storage   StorageConfig   `json:"storage"`
	Index     IndexConfig     `json:"index"`
	Scoring   ScoringConfig   `json:"scoring"`
	Recommend RecommendConfig `json:"recommend"`
	Cache     CacheConfig     `json:"cache"`
	Log       LogConfig       `json:"log"`
}

type ServerConfig struct {
	Port int `json:"port"`
}

type StorageConfig struct {
	DataDir string `json:"data_dir"`
}

type IndexConfig struct {
	Dim       int      `json:"dim"`
	Languages []string `json:"languages"`
}

// ScoringConfig holds the documented retrieval weights. The composite score
// is Similarity*semantic + Recency*decay + Tier*boost; the three weights are
// normalized to sum to 1 at load time so scores stay in [0, 1].
type ScoringConfig struct {
	Similarity          float64 `json:"similarity"`
	Recency             float64 `json:"recency"`
	Tier                float64 `json:"tier"`
	RecencyHalfLifeDays int     `json:"recency_half_life_days"`
}

type RecommendConfig struct {
	NoveltyBoost     float64            `json:"novelty_boost"`
	CompletedPenalty float64            `json:"completed_penalty"`
	PredicateWeights map[string]float64 `json:"predicate_weights"`
	HistoryLimit     int                `json:"history_limit"`
}

type CacheConfig struct {
	// Budget is the maximum number of entries the local cache may hold.
	Budget int `json:"budget"`
}

type LogConfig struct {
	Level string `json:"level"`
}

func defaults() Config {
	return Config{
		Server:  ServerConfig{Port: 4600},
		Storage: StorageConfig{DataDir: defaultDataDir()},
		Index: IndexConfig{
			Dim:       256,
			Languages: []string{"en", "hi", "mr", "bn", "ta", "te"},
		},
		Scoring: ScoringConfig{
			Similarity:          0.6,
			Recency:             0.2,
			Tier:                0.2,
			RecencyHalfLifeDays: 180,
		},
		Recommend: RecommendConfig{
			NoveltyBoost:     0.05,
			CompletedPenalty: 0.2,
			PredicateWeights: map[string]float64{
				"location":        0.35,
				"occupation":      0.25,
				"education_level": 0.2,
				"income_range":    0.15,
				"gender":          0.05,
			},
			HistoryLimit: 200,
		},
		Cache: CacheConfig{Budget: 500},
		Log:   LogConfig{Level: "info"},
	}
}

func defaultDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "jansetu")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".jansetu"
	}
	return filepath.Join(home, ".local", "share", "jansetu")
}

func configFilePath() string {
	if path := os.Getenv("JANSETU_CONFIG"); path != "" {
		return path
	}
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "jansetu", "config.json")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "jansetu", "config.json")
}

// Load reads configuration: defaults, then the JSON config file if present,
// then environment overrides.
func Load() (Config, error) {
	cfg := defaults()

	if path := configFilePath(); path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}

	applyEnvOverrides(&cfg)

	if err := normalize(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading config file %s: %w", path, err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("JANSETU_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("JANSETU_DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("JANSETU_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("JANSETU_CACHE_BUDGET"); v != "" {
		if budget, err := strconv.Atoi(v); err == nil {
			cfg.Cache.Budget = budget
		}
	}
}

// normalize validates ranges and rescales the scoring weights to sum to 1.
func normalize(cfg *Config) error {
	sum := cfg.Scoring.Similarity + cfg.Scoring.Recency + cfg.Scoring.Tier
	if sum <= 0 || math.IsNaN(sum) {
		return fmt.Errorf("scoring weights must be positive, got similarity=%v recency=%v tier=%v",
			cfg.Scoring.Similarity, cfg.Scoring.Recency, cfg.Scoring.Tier)
	}
	cfg.Scoring.Similarity /= sum
	cfg.Scoring.Recency /= sum
	cfg.Scoring.Tier /= sum

	if cfg.Scoring.RecencyHalfLifeDays <= 0 {
		cfg.Scoring.RecencyHalfLifeDays = 180
	}
	if cfg.Cache.Budget <= 0 {
		cfg.Cache.Budget = 500
	}
	if len(cfg.Index.Languages) == 0 {
		return fmt.Errorf("at least one supported language is required")
	}
	return nil
}
