package storage

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SeedKey is one entry of a key seed file
type SeedKey struct {
	Key   string `yaml:"key"`
	Name  string `yaml:"name"`
	Quota int    `yaml:"quota"`
	// Revoked keys are imported inactive
	Revoked bool `yaml:"revoked"`
}

// SeedFile lists keys to import at startup:
//
//	keys:
//	  - key: sk-live-example
//	    name: ci
//	    quota: 500
type SeedFile struct {
	Keys []SeedKey `yaml:"keys"`
}

// LoadSeedFile imports every key listed in a YAML seed file.
// It returns the number of keys imported.
func (s *KeyStore) LoadSeedFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read seed file: %w", err)
	}

	var seed SeedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return 0, fmt.Errorf("failed to parse seed file: %w", err)
	}

	for i, sk := range seed.Keys {
		if sk.Key == "" {
			return i, fmt.Errorf("seed entry %d: key must not be empty", i)
		}
		key, err := s.Import(sk.Key, sk.Name, sk.Quota)
		if err != nil {
			return i, fmt.Errorf("seed entry %d: %w", i, err)
		}
		if sk.Revoked && key.Active {
			if _, err := s.Revoke(key.ID); err != nil {
				return i, fmt.Errorf("seed entry %d: %w", i, err)
			}
		}
	}
	return len(seed.Keys), nil
}
