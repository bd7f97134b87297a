// Package jobfile decodes backfill job definitions from YAML files and
// entity lists from JSON files.
//
// A job file looks like:
//
//	id: coinapi-2024q1
//	processor: coinapi
//	entities: [btc, eth]        # or entities_file: universe.json
//	start: 2024-01-01
//	end: 2024-03-31
//	batch_size: 7
//	max_concurrency: 4
//	retry: {max_attempts: 5, base_delay: 2s, max_delay: 1m, multiplier: 2}
//	rate_limit: {requests: 90, window: 1m, resource: coinapi}
//
// Fields left out take the values of Defaults.
package jobfile

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/beaver-backfill/pkg/types"
)

// file is the on-disk shape. Dates stay strings so a bad date reports the
// expected layout instead of a yaml type error.
type file struct {
	ID             string              `yaml:"id"`
	Entities       []string            `yaml:"entities"`
	EntitiesFile   string              `yaml:"entities_file"`
	Start          string              `yaml:"start"`
	End            string              `yaml:"end"`
	BatchSize      int                 `yaml:"batch_size"`
	MaxConcurrency int                 `yaml:"max_concurrency"`
	Retry          *types.RetryParams  `yaml:"retry"`
	RateLimit      *types.RateLimit    `yaml:"rate_limit"`
	BatchTimeout   time.Duration       `yaml:"batch_timeout"`
	Axis           types.PartitionAxis `yaml:"axis"`
	Processor      string              `yaml:"processor"`
}

// Defaults returns the values used for fields a job file leaves out.
func Defaults() types.JobSpec {
	return types.JobSpec{
		BatchSize:      7,
		MaxConcurrency: 4,
		Retry: types.RetryParams{
			MaxAttempts: 3,
			BaseDelay:   time.Second,
			MaxDelay:    30 * time.Second,
			Multiplier:  2,
		},
		RateLimit: types.RateLimit{
			Requests: 100,
			Window:   time.Minute,
		},
		Axis: types.AxisTime,
	}
}

// Load reads and validates a job file. A relative entities_file is resolved
// against the directory of the job file.
func Load(path string) (types.JobSpec, error) {
	spec, err := Read(path)
	if err != nil {
		return types.JobSpec{}, err
	}
	return spec, spec.Validate()
}

// Read is Load without validation, for callers that override fields first.
func Read(path string) (types.JobSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return types.JobSpec{}, fmt.Errorf("%w: read job file: %w", types.ErrConfiguration, err)
	}
	return decode(bytes.NewReader(data), filepath.Dir(path))
}

// Decode reads and validates a job definition. entities_file paths are
// taken relative to the working directory.
func Decode(r io.Reader) (types.JobSpec, error) {
	spec, err := decode(r, "")
	if err != nil {
		return types.JobSpec{}, err
	}
	return spec, spec.Validate()
}

func decode(r io.Reader, dir string) (types.JobSpec, error) {
	var f file
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return types.JobSpec{}, fmt.Errorf("%w: parse job file: %w", types.ErrConfiguration, err)
	}

	spec := Defaults()
	spec.ID = f.ID
	spec.Processor = f.Processor
	spec.BatchTimeout = f.BatchTimeout
	if f.BatchSize != 0 {
		spec.BatchSize = f.BatchSize
	}
	if f.MaxConcurrency != 0 {
		spec.MaxConcurrency = f.MaxConcurrency
	}
	if f.Retry != nil {
		spec.Retry = *f.Retry
	}
	if f.RateLimit != nil {
		spec.RateLimit = *f.RateLimit
	}
	if f.Axis != "" {
		spec.Axis = f.Axis
	}

	var err error
	if f.Start != "" {
		if spec.Start, err = types.ParseDate(f.Start); err != nil {
			return types.JobSpec{}, err
		}
	}
	if f.End != "" {
		if spec.End, err = types.ParseDate(f.End); err != nil {
			return types.JobSpec{}, err
		}
	}

	spec.Entities = NormalizeEntities(f.Entities)
	if f.EntitiesFile != "" {
		path := f.EntitiesFile
		if dir != "" && !filepath.IsAbs(path) {
			path = filepath.Join(dir, path)
		}
		more, err := LoadEntities(path)
		if err != nil {
			return types.JobSpec{}, err
		}
		spec.Entities = append(spec.Entities, more...)
	}
	return spec, nil
}

// LoadEntities reads a JSON array of entity keys, upper-cased.
func LoadEntities(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read entities file: %w", types.ErrConfiguration, err)
	}
	var raw []any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: entities file %s: %w", types.ErrConfiguration, path, err)
	}
	keys := make([]string, 0, len(raw))
	for _, v := range raw {
		keys = append(keys, fmt.Sprint(v))
	}
	return NormalizeEntities(keys), nil
}

// ParseEntities splits a comma separated list such as "btc, eth".
func ParseEntities(s string) []string {
	return NormalizeEntities(strings.Split(s, ","))
}

// NormalizeEntities trims and upper-cases keys and drops empty ones.
func NormalizeEntities(keys []string) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if k = strings.ToUpper(strings.TrimSpace(k)); k != "" {
			out = append(out, k)
		}
	}
	return out
}
