package util

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

type Configuration struct {
	Version         string
	BuildDate       string
	Commit          string
	ProfilesPath    string
	Target          string
	ContextPath     string
	Expression      string
	StrictUndefined bool
	PrintCFG        bool
}

// Profile is one connection target from profiles.toml.
type Profile struct {
	Driver   string `toml:"driver"`
	DSN      string `toml:"dsn"`
	Dialect  string `toml:"dialect"`
	Schema   string `toml:"schema"`
	Database string `toml:"database"`
}

// LoadProfiles reads a profiles.toml mapping target names to
// connection profiles:
//
//	[dev]
//	driver  = "sqlite3"
//	dsn     = "file:dev.db"
//	dialect = "sqlite"
func LoadProfiles(path string) (map[string]Profile, error) {
	profiles := map[string]Profile{}
	if _, err := toml.DecodeFile(path, &profiles); err != nil {
		return nil, fmt.Errorf("loading profiles from %s: %w", path, err)
	}
	return profiles, nil
}

// SelectProfile picks the named target, falling back to a lone entry
// when no target was requested.
func SelectProfile(profiles map[string]Profile, target string) (Profile, error) {
	if target != "" {
		p, ok := profiles[target]
		if !ok {
			return Profile{}, fmt.Errorf("profile target %q is not defined", target)
		}
		return p, nil
	}
	if len(profiles) == 1 {
		for _, p := range profiles {
			return p, nil
		}
	}
	return Profile{}, fmt.Errorf("no profile target selected and %d targets defined", len(profiles))
}
