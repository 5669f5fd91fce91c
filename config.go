// Package ilc compiles managed CIL metadata images ahead of time into LLVM
// IR modules, serialized as textual .ll input for a native toolchain.
package ilc

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/xyproto/env/v2"
)

// Config controls module compilation, with the default implementation as
// NewConfig. Configs are immutable: each With method returns a copy.
type Config struct {
	verify      bool
	workers     int
	cacheDir    string
	entryType   string
	entryMethod string
	extraTypes  []string
	clangPath   string
	llcPath     string
}

// NewConfig returns the default compilation configuration: verification on,
// one translation worker per CPU, no emit cache. The cache directory and the
// native toolchain paths are seeded from the ILC_CACHE_DIR, ILC_CLANG and
// ILC_LLC environment variables. Toolchain paths are recorded for the
// caller's build scripts, never invoked here.
func NewConfig() *Config {
	return &Config{
		verify:    true,
		workers:   runtime.GOMAXPROCS(0),
		cacheDir:  env.Str("ILC_CACHE_DIR", ""),
		clangPath: env.Str("ILC_CLANG", "clang"),
		llcPath:   env.Str("ILC_LLC", "llc"),
	}
}

// clone ensures all fields are copied even if zero.
func (c *Config) clone() *Config {
	ret := *c
	ret.extraTypes = append([]string(nil), c.extraTypes...)
	return &ret
}

// WithVerify toggles the backend-module self check that runs before
// serialization. Defaults to enabled.
func (c *Config) WithVerify(verify bool) *Config {
	ret := c.clone()
	ret.verify = verify
	return ret
}

// WithWorkers sets how many method bodies are translated concurrently.
// Values below one fall back to a single worker.
func (c *Config) WithWorkers(n int) *Config {
	ret := c.clone()
	if n < 1 {
		n = 1
	}
	ret.workers = n
	return ret
}

// WithCacheDir enables the content-addressed emit cache rooted at dir. An
// empty dir disables caching.
func (c *Config) WithCacheDir(dir string) *Config {
	ret := c.clone()
	ret.cacheDir = dir
	return ret
}

// WithEntryPoint names the static method the emitted entry trampoline calls,
// e.g. WithEntryPoint("App.Program", "Main"). Without an entry point every
// method body in the image is translated and no trampoline is emitted.
func (c *Config) WithEntryPoint(typeName, methodName string) *Config {
	ret := c.clone()
	ret.entryType = typeName
	ret.entryMethod = methodName
	return ret
}

// WithExtraTypes seeds the translation worklist with additional types by
// full name, so their methods are compiled even when unreachable from the
// entry point.
func (c *Config) WithExtraTypes(names ...string) *Config {
	ret := c.clone()
	ret.extraTypes = append(ret.extraTypes, names...)
	return ret
}

// WithToolchain records the clang and llc paths for the caller. Empty
// strings keep the current values.
func (c *Config) WithToolchain(clangPath, llcPath string) *Config {
	ret := c.clone()
	if clangPath != "" {
		ret.clangPath = clangPath
	}
	if llcPath != "" {
		ret.llcPath = llcPath
	}
	return ret
}

// ClangPath returns the recorded clang path.
func (c *Config) ClangPath() string { return c.clangPath }

// LlcPath returns the recorded llc path.
func (c *Config) LlcPath() string { return c.llcPath }

// fileConfig is the shape of an ilc.toml file. Pointer fields distinguish
// "absent" from a zero value.
type fileConfig struct {
	Verify     *bool    `toml:"verify"`
	Workers    *int     `toml:"workers"`
	CacheDir   *string  `toml:"cache_dir"`
	Entry      *string  `toml:"entry"`
	ExtraTypes []string `toml:"extra_types"`
	Clang      *string  `toml:"clang"`
	Llc        *string  `toml:"llc"`
}

// WithFile overlays settings from an ilc.toml file. The entry key uses the
// "Type::Method" form.
func (c *Config) WithFile(path string) (*Config, error) {
	var fc fileConfig
	if _, err := toml.DecodeFile(path, &fc); err != nil {
		return nil, fmt.Errorf("%s: failed to parse TOML: %w", path, err)
	}
	ret := c.clone()
	if fc.Verify != nil {
		ret.verify = *fc.Verify
	}
	if fc.Workers != nil {
		ret.workers = *fc.Workers
		if ret.workers < 1 {
			ret.workers = 1
		}
	}
	if fc.CacheDir != nil {
		ret.cacheDir = *fc.CacheDir
	}
	if fc.Entry != nil {
		typeName, methodName, ok := strings.Cut(*fc.Entry, "::")
		if !ok || typeName == "" || methodName == "" {
			return nil, fmt.Errorf("%s: entry %q is not of the form Type::Method", path, *fc.Entry)
		}
		ret.entryType = typeName
		ret.entryMethod = methodName
	}
	ret.extraTypes = append(ret.extraTypes, fc.ExtraTypes...)
	if fc.Clang != nil {
		ret.clangPath = *fc.Clang
	}
	if fc.Llc != nil {
		ret.llcPath = *fc.Llc
	}
	return ret, nil
}

// fingerprint folds the options that change the emitted module into the
// cache key. Toolchain paths and the worker count do not affect output.
func (c *Config) fingerprint() string {
	var sb strings.Builder
	sb.WriteString("entry=")
	sb.WriteString(c.entryType)
	sb.WriteString("::")
	sb.WriteString(c.entryMethod)
	sb.WriteString(";extra=")
	sb.WriteString(strings.Join(c.extraTypes, ","))
	return sb.String()
}
