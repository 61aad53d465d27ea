// Package config loads fedroom server configuration from CUE.
//
// A configuration file is plain CUE without a package clause:
//
//	server: name:         "a.example"
//	server: signing_seed: "change me"
//	backoff: base:        "10m"
//
// It is unified with the embedded #Config schema, which fills defaults and
// rejects unknown or ill-typed fields, then decoded into Config and checked
// by Validate.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"
)

//go:embed schema.cue
var schemaSrc string

// Config is a decoded server configuration.
type Config struct {
	Server     ServerConfig     `json:"server"`
	Store      StoreConfig      `json:"store"`
	Backoff    BackoffConfig    `json:"backoff"`
	Fetch      FetchConfig      `json:"fetch"`
	Federation FederationConfig `json:"federation"`
	Log        LogConfig        `json:"log"`
}

type ServerConfig struct {
	Name        string `json:"name"`
	SigningSeed string `json:"signing_seed"`
}

type StoreConfig struct {
	Path   string `json:"path"`
	Driver string `json:"driver"`
}

type BackoffConfig struct {
	Base  string       `json:"base"`
	Redis *RedisConfig `json:"redis,omitempty"`
}

// BaseDuration returns the parsed base window. Validate guarantees it
// parses.
func (b BackoffConfig) BaseDuration() time.Duration {
	d, _ := time.ParseDuration(b.Base)
	return d
}

type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

type FetchConfig struct {
	Budget int `json:"budget"`
}

type FederationConfig struct {
	RateLimit int `json:"rate_limit"`
	Burst     int `json:"burst"`
}

type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// Load reads a configuration file, or every .cue file of a directory.
func Load(path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, &ConfigError{Field: "path", Message: err.Error()}
	}

	var args []string
	cfg := &load.Config{}
	if info.IsDir() {
		cfg.Dir = path
		args = []string{"."}
	} else {
		cfg.Dir = filepath.Dir(path)
		args = []string{filepath.Base(path)}
	}

	instances := load.Instances(args, cfg)
	if len(instances) == 0 {
		return nil, &ConfigError{Field: "path", Message: "no CUE instances loaded from " + path}
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, formatCUEError(inst.Err)
	}

	ctx := cuecontext.New()
	v := ctx.BuildInstance(inst)
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	return decode(ctx, v)
}

// Parse decodes configuration source. filename is used in error positions.
func Parse(src []byte, filename string) (*Config, error) {
	ctx := cuecontext.New()
	v := ctx.CompileBytes(src, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	return decode(ctx, v)
}

// Default returns the configuration of a server named name with every other
// field at its schema default.
func Default(name, seed string) (*Config, error) {
	src := fmt.Sprintf("server: name: %q\nserver: signing_seed: %q\n", name, seed)
	return Parse([]byte(src), "default.cue")
}

func decode(ctx *cue.Context, v cue.Value) (*Config, error) {
	schema := ctx.CompileString(schemaSrc, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("config schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))

	unified := def.Unify(v)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, formatCUEError(err)
	}

	var c Config
	if err := unified.Decode(&c); err != nil {
		return nil, formatCUEError(err)
	}
	if errs := Validate(&c); len(errs) > 0 {
		return nil, errs[0]
	}
	return &c, nil
}
