// Package config loads the settings of astracer and tracer.
//
// Every setting can come from a command-line flag or an environment
// variable; flags win. Both tools keep the environment variable names of
// the C toolchain they replace where one existed.
package config

import (
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/kolkov/astracer/internal/decoder"
	"github.com/kolkov/astracer/internal/shm"
)

// Setting keys shared between flags and environment variables.
const (
	KeyStub      = "stub"
	KeyAssembler = "assembler"
	KeyTraceDB   = "trace-db"
	KeyVerbose   = "verbose"
	KeyShmDir    = "shm-dir"
	KeyPoll      = "poll"
	KeyCacheSize = "cache-size"

	KeyTraceDBTimeout = "trace-db-timeout"
)

// Defaults.
const (
	DefaultStub      = "asm/x86_64_record_stub.s"
	DefaultAssembler = "as"
)

// Astracer holds the rewriter driver's settings.
type Astracer struct {
	// Stub is the path of the record-stub template.
	Stub string
	// Assembler is the system assembler to run on the rewritten file.
	Assembler string
	// TraceDB, when set, is a decoder file that receives one chunk per
	// inserted probe.
	TraceDB string
	// TraceDBTimeout bounds the wait for other astracer runs writing the
	// same TraceDB. Zero waits indefinitely.
	TraceDBTimeout time.Duration
	Verbose        bool
}

// Tracer holds the collectors' settings.
type Tracer struct {
	// ShmDir is the directory holding the shared-memory regions.
	ShmDir string
	// Poll bounds each wait for a handoff between liveness checks.
	Poll time.Duration
	// CacheSize is the number of decoder line records kept in memory.
	CacheSize int
	Verbose   bool
}

// LoadAstracer reads astracer's settings from flags (may be nil) and the
// ASTRACER_* environment.
func LoadAstracer(flags *pflag.FlagSet) (Astracer, error) {
	v, err := newViper(flags, map[string]binding{
		KeyStub:      {env: "ASTRACER_STUB", def: DefaultStub},
		KeyAssembler: {env: "ASTRACER_ASSEMBLER", def: DefaultAssembler},
		KeyTraceDB:   {env: "ASTRACER_TRACE_DB", def: ""},
		KeyVerbose:   {env: "ASTRACER_VERBOSE", def: false},

		KeyTraceDBTimeout: {env: "ASTRACER_TRACE_DB_TIMEOUT", def: decoder.DefaultLockTimeout},
	})
	if err != nil {
		return Astracer{}, err
	}

	cfg := Astracer{
		Stub:      v.GetString(KeyStub),
		Assembler: v.GetString(KeyAssembler),
		TraceDB:   v.GetString(KeyTraceDB),
		Verbose:   v.GetBool(KeyVerbose),

		TraceDBTimeout: v.GetDuration(KeyTraceDBTimeout),
	}
	if cfg.Stub == "" {
		return Astracer{}, errors.New("config: record stub path is empty")
	}
	if cfg.Assembler == "" {
		return Astracer{}, errors.New("config: assembler is empty")
	}
	if cfg.TraceDBTimeout < 0 {
		return Astracer{}, errors.Errorf("config: trace database timeout must not be negative, got %s", cfg.TraceDBTimeout)
	}
	return cfg, nil
}

// LoadTracer reads the tracer's settings from flags (may be nil) and the
// TRACER_* environment.
func LoadTracer(flags *pflag.FlagSet) (Tracer, error) {
	v, err := newViper(flags, map[string]binding{
		KeyShmDir:    {env: "TRACER_SHM_DIR", def: shm.DefaultDir},
		KeyPoll:      {env: "TRACER_POLL", def: time.Second},
		KeyCacheSize: {env: "TRACER_CACHE_SIZE", def: decoder.DefaultCacheSize},
		KeyVerbose:   {env: "TRACER_VERBOSE", def: false},
	})
	if err != nil {
		return Tracer{}, err
	}

	cfg := Tracer{
		ShmDir:    v.GetString(KeyShmDir),
		Poll:      v.GetDuration(KeyPoll),
		CacheSize: v.GetInt(KeyCacheSize),
		Verbose:   v.GetBool(KeyVerbose),
	}
	if cfg.Poll <= 0 {
		return Tracer{}, errors.Errorf("config: poll interval must be positive, got %s", cfg.Poll)
	}
	if cfg.CacheSize < 0 {
		return Tracer{}, errors.Errorf("config: cache size must not be negative, got %d", cfg.CacheSize)
	}
	return cfg, nil
}

type binding struct {
	env string
	def interface{}
}

func newViper(flags *pflag.FlagSet, bindings map[string]binding) (*viper.Viper, error) {
	v := viper.New()
	for key, b := range bindings {
		v.SetDefault(key, b.def)
		if err := v.BindEnv(key, b.env); err != nil {
			return nil, errors.Wrapf(err, "bind %s", b.env)
		}
		if flags == nil {
			continue
		}
		if f := flags.Lookup(key); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return nil, errors.Wrapf(err, "bind --%s", key)
			}
		}
	}
	return v, nil
}
