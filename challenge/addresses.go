package challenge

import (
	"encoding/json"
	"fmt"
	"os"
)

// LoadAddresses reads the mining address list from the registrations
// file. Two layouts are accepted: a plain JSON array of address strings,
// or the registration tooling's output - an array of objects carrying an
// "address" field. Every address is format-checked before it is
// returned.
func LoadAddresses(path string) ([]string, error) {
	data, err := os.ReadFile(path) //#nosec G304
	if err != nil {
		return nil, fmt.Errorf("reading addresses file: %w", err)
	}

	var plain []string
	if err := json.Unmarshal(data, &plain); err == nil {
		return validateAll(plain, path)
	}

	var entries []struct {
		Address string `json:"address"`
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parsing addresses file %s: %w", path, err)
	}
	addresses := make([]string, 0, len(entries))
	for _, e := range entries {
		addresses = append(addresses, e.Address)
	}
	return validateAll(addresses, path)
}

func validateAll(addresses []string, path string) ([]string, error) {
	if len(addresses) == 0 {
		return nil, fmt.Errorf("addresses file %s is empty", path)
	}
	for i, addr := range addresses {
		if err := ValidateAddress(addr); err != nil {
			return nil, fmt.Errorf("addresses file %s entry %d: %w", path, i, err)
		}
	}
	return addresses, nil
}
