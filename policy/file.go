package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// policyFile is the on-disk YAML layout: a list of single-line policy
// strings under a top-level "policies" key.
type policyFile struct {
	Policies []string `yaml:"policies"`
}

// LoadFile reads a YAML policy file and parses every entry. The first
// invalid entry fails the whole load, with its index in the error.
func LoadFile(path string) ([]*DFCPolicy, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is caller-controlled
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	return parseFile(data)
}

func parseFile(data []byte) ([]*DFCPolicy, error) {
	var file policyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse policy file: %w", err)
	}

	policies := make([]*DFCPolicy, 0, len(file.Policies))
	for i, text := range file.Policies {
		p, err := FromPolicyString(text)
		if err != nil {
			return nil, fmt.Errorf("policy %d: %w", i+1, err)
		}
		policies = append(policies, p)
	}
	return policies, nil
}
