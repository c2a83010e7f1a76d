// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// Profile is a named set of sandbox defaults loaded from YAML. Flags given
// on the command line override profile values; unset profile fields fall
// back to the built-in defaults.
type Profile struct {
	Description   string   `yaml:"description,omitempty"`
	ReadOnly      []string `yaml:"read_only,omitempty"`
	ReadWrite     []string `yaml:"read_write,omitempty"`
	ProcMax       int      `yaml:"proc_max,omitempty"`
	CPUPercent    int      `yaml:"cpu_percent,omitempty"`
	MemoryLimitMB int      `yaml:"memory_limit_mb,omitempty"`
	User          string   `yaml:"user,omitempty"`
	Group         string   `yaml:"group,omitempty"`
	Capabilities  []string `yaml:"capabilities,omitempty"`
	Hostname      string   `yaml:"hostname,omitempty"`
}

// Apply copies the profile's set fields onto the spec. Empty or zero
// profile fields leave the spec untouched.
func (p *Profile) Apply(spec *Spec) {
	if len(p.ReadOnly) > 0 {
		spec.ReadOnlyPaths = append([]string{}, p.ReadOnly...)
	}
	if len(p.ReadWrite) > 0 {
		spec.ReadWritePaths = append([]string{}, p.ReadWrite...)
	}
	if p.ProcMax > 0 {
		spec.ProcMax = p.ProcMax
	}
	if p.CPUPercent > 0 {
		spec.CPUPercent = p.CPUPercent
	}
	if p.MemoryLimitMB > 0 {
		spec.MemoryLimitMB = p.MemoryLimitMB
	}
	if p.User != "" {
		spec.User = p.User
	}
	if p.Group != "" {
		spec.Group = p.Group
	}
	if len(p.Capabilities) > 0 {
		spec.Capabilities = append([]string{}, p.Capabilities...)
	}
	if p.Hostname != "" {
		spec.Hostname = p.Hostname
	}
}

// ProfilesConfig is the top-level structure of a profiles file.
type ProfilesConfig struct {
	Profiles map[string]*Profile `yaml:"profiles"`
}

// ParseProfilesConfig parses profiles from YAML bytes.
func ParseProfilesConfig(data []byte) (*ProfilesConfig, error) {
	var config ProfilesConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing profiles: %w", err)
	}
	return &config, nil
}

// LoadProfilesConfig loads profiles from a YAML file.
func LoadProfilesConfig(path string) (*ProfilesConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading profiles file: %w", err)
	}
	return ParseProfilesConfig(data)
}

// ProfileLoader loads profile configs and resolves profiles by name.
// Later-loaded configs override earlier ones.
type ProfileLoader struct {
	configs []*ProfilesConfig
	logger  *slog.Logger
}

// NewProfileLoader creates a new profile loader.
func NewProfileLoader() *ProfileLoader {
	return &ProfileLoader{configs: make([]*ProfilesConfig, 0)}
}

// SetLogger enables verbose logging during profile loading.
func (l *ProfileLoader) SetLogger(logger *slog.Logger) {
	l.logger = logger
}

func (l *ProfileLoader) log(msg string, args ...any) {
	if l.logger != nil {
		l.logger.Info(msg, args...)
	}
}

// LoadDefaults loads the built-in default profiles.
func (l *ProfileLoader) LoadDefaults() error {
	config, err := ParseProfilesConfig([]byte(defaultProfilesYAML))
	if err != nil {
		return fmt.Errorf("parsing built-in profiles: %w", err)
	}
	l.configs = append(l.configs, config)
	l.log("loaded built-in profiles", "count", len(config.Profiles))
	return nil
}

// LoadFile loads profiles from a YAML file.
func (l *ProfileLoader) LoadFile(path string) error {
	config, err := LoadProfilesConfig(path)
	if err != nil {
		return err
	}
	l.configs = append(l.configs, config)
	l.log("loaded profiles from file", "path", path, "count", len(config.Profiles))
	return nil
}

// Resolve returns the named profile; the last-loaded definition wins.
func (l *ProfileLoader) Resolve(name string) (*Profile, error) {
	var found *Profile
	for _, config := range l.configs {
		if profile, ok := config.Profiles[name]; ok {
			found = profile
		}
	}
	if found == nil {
		return nil, fmt.Errorf("profile not found: %s", name)
	}
	return found, nil
}

// List returns all available profile names, sorted.
func (l *ProfileLoader) List() []string {
	names := make(map[string]bool)
	for _, config := range l.configs {
		for name := range config.Profiles {
			names[name] = true
		}
	}
	result := make([]string, 0, len(names))
	for name := range names {
		result = append(result, name)
	}
	sort.Strings(result)
	return result
}

// ConfigSearchPaths returns the standard locations for profile files.
func ConfigSearchPaths() []string {
	paths := []string{}
	if configDir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(configDir, "cage", "profiles.yaml"))
	}
	paths = append(paths, "/etc/cage/profiles.yaml")
	return paths
}

// LoadFromSearchPaths creates a loader with the built-in defaults plus any
// profile files found in the standard locations.
func LoadFromSearchPaths(logger *slog.Logger) (*ProfileLoader, error) {
	loader := NewProfileLoader()
	loader.SetLogger(logger)
	if err := loader.LoadDefaults(); err != nil {
		return nil, err
	}
	for _, path := range ConfigSearchPaths() {
		if _, err := os.Stat(path); err == nil {
			if err := loader.LoadFile(path); err != nil {
				return nil, fmt.Errorf("loading %s: %w", path, err)
			}
		}
	}
	return loader, nil
}

// defaultProfilesYAML contains the built-in profile definitions.
const defaultProfilesYAML = `
profiles:
  minimal:
    description: "Binaries and libraries only, no capabilities"
    read_only:
      - /bin
      - /usr/bin
      - /lib
      - /lib64
      - /usr/lib

  shell:
    description: "Interactive shell with name resolution config"
    read_only:
      - /bin
      - /usr/bin
      - /lib
      - /lib64
      - /usr/lib
      - /etc/ld.so.cache
      - /etc/resolv.conf
    proc_max: 50
`
