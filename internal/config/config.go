// Package config builds the immutable configuration of a run from defaults, an
// optional YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/kozaktomas/face-finder/internal/constants"
	"github.com/kozaktomas/face-finder/internal/facematch"
	"github.com/kozaktomas/face-finder/internal/fsutil"
	"github.com/kozaktomas/face-finder/internal/vecmath"
	"gopkg.in/yaml.v3"
)

// ErrConfiguration marks a configuration that cannot start a run.
var ErrConfiguration = errors.New("configuration error")

// Mode selects what a run does.
type Mode string

// Run modes.
const (
	ModeFind    Mode = "find"    // index, match live, then sweep
	ModeIndex   Mode = "index"   // index only
	ModeSweep   Mode = "sweep"   // sweep existing stores without indexing
	ModeNearest Mode = "nearest" // minimum-distance diagnostics
)

// ParseMode converts a mode name to a Mode.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeFind, ModeIndex, ModeSweep, ModeNearest:
		return m, nil
	case "":
		return ModeFind, nil
	default:
		return "", fmt.Errorf("%w: unknown mode %q", ErrConfiguration, s)
	}
}

// NeedsReferences reports whether the mode compares against reference faces.
func (m Mode) NeedsReferences() bool { return m != ModeIndex }

// CopiesHits reports whether the mode writes hits to the output directory.
func (m Mode) CopiesHits() bool { return m == ModeFind || m == ModeSweep }

type Config struct {
	Finder    FinderConfig    `yaml:"finder"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Web       WebConfig       `yaml:"web"`
}

// Person is someone to look for and the photos that show them. A reference may
// be an image file or a directory of images.
type Person struct {
	Name       string   `yaml:"name"`
	References []string `yaml:"references"`
}

type FinderConfig struct {
	Archives           []string      `yaml:"archives"`
	OutputDir          string        `yaml:"output_dir"`
	People             []Person      `yaml:"people"`
	Model              string        `yaml:"model"`
	Detector           string        `yaml:"detector"`
	Metric             string        `yaml:"metric"`
	MaxDistance        float64       `yaml:"max_distance"`
	ExcludedDirs       []string      `yaml:"excluded_dirs"`
	Extensions         []string      `yaml:"extensions"`
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`
	HitsLogName        string        `yaml:"hits_log_name"`
}

type EmbeddingConfig struct {
	URL          string        `yaml:"url"`            // defaults to http://localhost:8000
	MaxImageSize int           `yaml:"max_image_size"` // longest side sent to the server
	Timeout      time.Duration `yaml:"timeout"`
}

type WebConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"` // CORS origins besides localhost
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		Finder: FinderConfig{
			Model:              constants.DefaultModel,
			Detector:           constants.DefaultDetector,
			Metric:             constants.DefaultMetric,
			MaxDistance:        constants.DefaultMaxDistance,
			ExcludedDirs:       slices.Clone(constants.DefaultExcludedDirs),
			Extensions:         slices.Clone(constants.DefaultExtensions),
			CheckpointInterval: constants.DefaultCheckpointInterval,
			HitsLogName:        constants.DefaultHitsLogName,
		},
		Embedding: EmbeddingConfig{
			MaxImageSize: constants.MaxImageSize,
			Timeout:      constants.DefaultEmbeddingTimeout,
		},
		Web: WebConfig{
			Host: constants.DefaultWebHost,
			Port: constants.DefaultWebPort,
		},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (or at
// $FINDER_CONFIG when path is empty), then environment variables.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path == "" {
		path = os.Getenv("FINDER_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path) //nolint:gosec // user supplied config path
		if err != nil {
			return nil, fmt.Errorf("%w: reading config file: %w", ErrConfiguration, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: parsing %s: %w", ErrConfiguration, path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("FINDER_ARCHIVES"); v != "" {
		c.Finder.Archives = splitList(v)
	}
	if v := os.Getenv("FINDER_OUTPUT_DIR"); v != "" {
		c.Finder.OutputDir = v
	}
	if v := os.Getenv("FINDER_MODEL"); v != "" {
		c.Finder.Model = v
	}
	if v := os.Getenv("FINDER_DETECTOR"); v != "" {
		c.Finder.Detector = v
	}
	if v := os.Getenv("FINDER_METRIC"); v != "" {
		c.Finder.Metric = v
	}
	if v := os.Getenv("EMBEDDING_URL"); v != "" {
		c.Embedding.URL = v
	}
	if v := os.Getenv("WEB_HOST"); v != "" {
		c.Web.Host = v
	}
	if v := os.Getenv("WEB_ALLOWED_ORIGINS"); v != "" {
		c.Web.AllowedOrigins = nil
		for o := range strings.SplitSeq(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				c.Web.AllowedOrigins = append(c.Web.AllowedOrigins, o)
			}
		}
	}

	var err error
	if c.Finder.MaxDistance, err = envFloat("FINDER_MAX_DISTANCE", c.Finder.MaxDistance); err != nil {
		return err
	}
	if c.Finder.CheckpointInterval, err = envDuration("FINDER_CHECKPOINT_INTERVAL", c.Finder.CheckpointInterval); err != nil {
		return err
	}
	if c.Embedding.Timeout, err = envDuration("EMBEDDING_TIMEOUT", c.Embedding.Timeout); err != nil {
		return err
	}
	c.Embedding.MaxImageSize = envInt("EMBEDDING_MAX_IMAGE_SIZE", c.Embedding.MaxImageSize)
	c.Web.Port = envInt("WEB_PORT", c.Web.Port)
	return nil
}

// splitList splits an OS path list, dropping empty elements.
func splitList(s string) []string {
	var out []string
	for _, p := range filepath.SplitList(s) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// envInt reads an environment variable and parses it as a positive integer.
// Returns the default value if the env var is unset, empty, or invalid.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

func envFloat(key string, defaultVal float64) (float64, error) {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", ErrConfiguration, key, err)
	}
	return f, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", ErrConfiguration, key, err)
	}
	return d, nil
}

// Validate checks that the configuration can start a run in the given mode.
func (f *FinderConfig) Validate(mode Mode) error {
	if len(f.Archives) == 0 {
		return fmt.Errorf("%w: no archives configured", ErrConfiguration)
	}
	for _, a := range f.Archives {
		info, err := os.Stat(a)
		if err != nil || !info.IsDir() {
			return fmt.Errorf("%w: archive %s is not a directory", ErrConfiguration, a)
		}
	}
	if mode.CopiesHits() && f.OutputDir == "" {
		return fmt.Errorf("%w: no output directory configured", ErrConfiguration)
	}
	if _, err := vecmath.ParseMetric(f.Metric); err != nil {
		return fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	if f.MaxDistance < 0 {
		return fmt.Errorf("%w: max distance must not be negative", ErrConfiguration)
	}
	if f.CheckpointInterval <= 0 {
		return fmt.Errorf("%w: checkpoint interval must be positive", ErrConfiguration)
	}
	if len(f.Extensions) == 0 {
		return fmt.Errorf("%w: no file extensions enabled", ErrConfiguration)
	}
	if strings.TrimSpace(f.Model) == "" {
		return fmt.Errorf("%w: no embedding model configured", ErrConfiguration)
	}
	if mode.NeedsReferences() {
		hasRefs := false
		for _, p := range f.People {
			if len(p.References) > 0 {
				hasRefs = true
				break
			}
		}
		if !hasRefs {
			return fmt.Errorf("%w: no reference photos configured", ErrConfiguration)
		}
	}
	return nil
}

// Clone returns a deep copy.
func (f *FinderConfig) Clone() FinderConfig {
	out := *f
	out.Archives = slices.Clone(f.Archives)
	out.ExcludedDirs = slices.Clone(f.ExcludedDirs)
	out.Extensions = slices.Clone(f.Extensions)
	out.People = make([]Person, len(f.People))
	for i, p := range f.People {
		out.People[i] = Person{Name: p.Name, References: slices.Clone(p.References)}
	}
	return out
}

// MergePeople merges people whose names normalize to the same key, keeping the
// first spelling and the order of first appearance. Duplicate references are dropped.
func MergePeople(people []Person) []Person {
	var out []Person
	index := make(map[string]int)
	for _, p := range people {
		key := facematch.NormalizePersonName(p.Name)
		if key == "" {
			continue
		}
		i, ok := index[key]
		if !ok {
			i = len(out)
			index[key] = i
			out = append(out, Person{Name: strings.TrimSpace(p.Name)})
		}
		for _, ref := range p.References {
			if !slices.Contains(out[i].References, ref) {
				out[i].References = append(out[i].References, ref)
			}
		}
	}
	return out
}

// MissingReference is a configured reference path that could not be read.
type MissingReference struct {
	Person string
	Path   string
	Err    error
}

// ExpandReferences replaces directory references with the image files they
// contain (enabled extensions, sorted by name) and merges people by name.
// Paths that cannot be read are skipped and returned as missing.
func (f *FinderConfig) ExpandReferences() ([]Person, []MissingReference) {
	enabled := fsutil.NewExtensions(f.Extensions)

	var missing []MissingReference
	expanded := make([]Person, 0, len(f.People))
	for _, p := range f.People {
		var files []string
		for _, ref := range p.References {
			info, err := os.Stat(ref)
			if err != nil {
				missing = append(missing, MissingReference{Person: p.Name, Path: ref, Err: err})
				continue
			}
			if !info.IsDir() {
				files = append(files, ref)
				continue
			}
			entries, err := os.ReadDir(ref)
			if err != nil {
				missing = append(missing, MissingReference{Person: p.Name, Path: ref, Err: err})
				continue
			}
			for _, e := range entries {
				if !e.IsDir() && enabled.Match(e.Name()) {
					files = append(files, filepath.Join(ref, e.Name()))
				}
			}
		}
		expanded = append(expanded, Person{Name: p.Name, References: files})
	}
	return MergePeople(expanded), missing
}
