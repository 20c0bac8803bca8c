package config

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Flags holds parsed command-line flag values and which were set.
type Flags struct {
	Addr   string
	DB     string
	Config string
	Set    map[string]bool
}

// EffectiveConfigResult is the merged view of file, env and flags that the
// rest of the server consumes.
type EffectiveConfigResult struct {
	Config *Config
	Addr   string
	DBPath string
	Source string // comma-separated: "config", "env", "flags"
}

// ParseCommandFlags parses command-line flags and records which were
// explicitly set; explicit flags win over file and env values.
func ParseCommandFlags() Flags {
	addrPtr := flag.String("addr", ":8080", "HTTP listen address")
	dbPtr := flag.String("db", "./.data", "data directory (store + log)")
	cfgPtr := flag.String("config", "./config.yaml", "path to config file")
	flag.Parse()
	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return Flags{Addr: *addrPtr, DB: *dbPtr, Config: *cfgPtr, Set: set}
}

// Load reads and parses the YAML config file at path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &cfg, nil
}

// ResolveConfigPath picks the config file path: an explicit flag wins,
// then CHATRELAY_CONFIG, then the flag default.
func ResolveConfigPath(flagPath string, flagSet bool) string {
	if flagSet {
		return flagPath
	}
	if v := os.Getenv("CHATRELAY_CONFIG"); v != "" {
		return v
	}
	return flagPath
}

// LoadEffective merges the config file (if present) with environment
// overrides and the explicit flags, then applies defaults.
func LoadEffective(flags Flags) (EffectiveConfigResult, error) {
	var sources []string

	cfgPath := ResolveConfigPath(flags.Config, flags.Set["config"])
	cfg, err := Load(cfgPath)
	switch {
	case err == nil:
		sources = append(sources, "config")
	case os.IsNotExist(err):
		cfg = &Config{}
	default:
		return EffectiveConfigResult{}, err
	}

	// Environment overlay on top of file values.
	if err := env.Parse(cfg); err != nil {
		return EffectiveConfigResult{}, fmt.Errorf("parse env config: %w", err)
	}
	if envUsed() {
		sources = append(sources, "env")
	}

	addr := cfg.Addr()
	if flags.Set["addr"] {
		addr = flags.Addr
	}
	dbPath := cfg.Server.DBPath
	if dbPath == "" || flags.Set["db"] {
		dbPath = flags.DB
	}
	if len(flags.Set) > 0 {
		sources = append(sources, "flags")
	}

	applyDefaults(cfg)

	src := ""
	for i, s := range sources {
		if i > 0 {
			src += ", "
		}
		src += s
	}
	return EffectiveConfigResult{Config: cfg, Addr: addr, DBPath: dbPath, Source: src}, nil
}

func envUsed() bool {
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, "CHATRELAY_") {
			return true
		}
	}
	return false
}

func applyDefaults(cfg *Config) {
	if cfg.Bus.Mode == "" {
		cfg.Bus.Mode = "memory"
	}
	if cfg.Bus.RedisAddr == "" {
		cfg.Bus.RedisAddr = "localhost:6379"
	}
	if cfg.Log.Group == "" {
		cfg.Log.Group = "store-applier"
	}
	if cfg.Log.ReadBatch <= 0 {
		cfg.Log.ReadBatch = 256
	}
	if cfg.Log.PollEvery <= 0 {
		cfg.Log.PollEvery = Duration(250 * time.Millisecond)
	}
	if cfg.Log.MaxPayload <= 0 {
		cfg.Log.MaxPayload = 256 * 1024
	}
	if cfg.Gateway.SendBuffer <= 0 {
		cfg.Gateway.SendBuffer = 256
	}
	if cfg.Gateway.ReadLimit <= 0 {
		cfg.Gateway.ReadLimit = 64 * 1024
	}
	if cfg.Gateway.PongWait <= 0 {
		cfg.Gateway.PongWait = Duration(60 * time.Second)
	}
	if cfg.Gateway.WriteWait <= 0 {
		cfg.Gateway.WriteWait = Duration(10 * time.Second)
	}
	if cfg.Gateway.EventRPS <= 0 {
		cfg.Gateway.EventRPS = 25
	}
	if cfg.Gateway.EventBurst <= 0 {
		cfg.Gateway.EventBurst = 50
	}
	if cfg.Assistant.Model == "" {
		cfg.Assistant.Model = "gpt-4o-mini"
	}
	if cfg.Assistant.Timeout <= 0 {
		cfg.Assistant.Timeout = Duration(30 * time.Second)
	}
	if cfg.Assistant.Context <= 0 {
		cfg.Assistant.Context = 5
	}
	if cfg.Uploads.Expiry <= 0 {
		cfg.Uploads.Expiry = Duration(15 * time.Minute)
	}
	if cfg.Retention.BatchSize <= 0 {
		cfg.Retention.BatchSize = 500
	}
}
