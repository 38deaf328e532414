package readpath

import (
	"fmt"
	"io"

	"github.com/BurntSushi/toml"
)

// Defaults are the records served when the store has never answered for a
// resource.
//
//	[company]
//	name = "Example Pty Ltd"
//	email = "hello@example.com"
//
//	[[team]]
//	name = "Ann Lee"
//	role = "Director"
//	active = true
type Defaults struct {
	Company map[string]any   `toml:"company"`
	Team    []map[string]any `toml:"team"`
}

// BuiltinDefaults is used when no defaults file is configured.
func BuiltinDefaults() *Defaults {
	return &Defaults{
		Company: map[string]any{
			"name":    "Company information unavailable",
			"message": "Profile data is temporarily unavailable.",
		},
		Team: []map[string]any{},
	}
}

// LoadDefaults reads defaults from a TOML file.
func LoadDefaults(path string) (*Defaults, error) {
	var d Defaults
	md, err := toml.DecodeFile(path, &d)
	if err != nil {
		return nil, fmt.Errorf("decoding defaults %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("decoding defaults %s: unknown keys %v", path, undecoded)
	}
	return &d, nil
}

// DecodeDefaults reads defaults from TOML in r.
func DecodeDefaults(r io.Reader) (*Defaults, error) {
	var d Defaults
	if _, err := toml.NewDecoder(r).Decode(&d); err != nil {
		return nil, fmt.Errorf("decoding defaults: %w", err)
	}
	return &d, nil
}
