package session

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"

	"github.com/matheus3301/posync/internal/config"
)

const DefaultSessionName = "main"

const namePattern = `^[a-z0-9_-]{1,64}$`

var nameRegexp = regexp.MustCompile(namePattern)

// ValidateName checks that name can be used as a session directory.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("invalid session name %q: must match %s", name, namePattern)
	}
	return nil
}

// Resolve determines the active session name using precedence:
// 1. flagOverride (--session flag)
// 2. config.toml default_session
// 3. "main"
func Resolve(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	cfg, err := config.LoadOrEmpty(ConfigPath())
	if err == nil && cfg.DefaultSession != "" {
		return cfg.DefaultSession
	}
	return DefaultSessionName
}

// Names lists the sessions configured in cfg or present under base, sorted.
// Directories with invalid names are ignored.
func Names(cfg *config.Config, base string) ([]string, error) {
	var names []string
	for name := range cfg.Sessions {
		names = append(names, name)
	}

	entries, err := os.ReadDir(filepath.Join(base, "sessions"))
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	for _, e := range entries {
		if e.IsDir() && ValidateName(e.Name()) == nil {
			names = append(names, e.Name())
		}
	}

	slices.Sort(names)
	return slices.Compact(names), nil
}
