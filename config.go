package margo

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type optionsFile struct {
	CorpusDir      string `yaml:"corpus_dir"`
	CacheDir       string `yaml:"cache_dir"`
	LedgerEndpoint string `yaml:"ledger_endpoint"`
	LedgerTimeout  string `yaml:"ledger_timeout"`
	LeaseTTL       string `yaml:"lease_ttl"`
}

// LoadOptions reads engine options from a YAML file. Durations use Go
// syntax ("2h", "15s"); zero or missing fields fall back to the
// defaults applied by Open.
func LoadOptions(path string) (Options, error) {
	var opts Options
	data, err := os.ReadFile(path)
	if err != nil {
		return opts, fmt.Errorf("cannot read config %s: %w", path, err)
	}
	var f optionsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return opts, fmt.Errorf("invalid YAML in %s: %w", path, err)
	}
	opts.CorpusDir = f.CorpusDir
	opts.CacheDir = f.CacheDir
	opts.LedgerEndpoint = f.LedgerEndpoint
	if opts.LedgerTimeout, err = parseDuration(f.LedgerTimeout); err != nil {
		return opts, fmt.Errorf("ledger_timeout: %w", err)
	}
	if opts.LeaseTTL, err = parseDuration(f.LeaseTTL); err != nil {
		return opts, fmt.Errorf("lease_ttl: %w", err)
	}
	return opts, nil
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}
