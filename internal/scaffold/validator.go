package scaffold

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/opsconsole/console/internal/config"
)

// CheckExisting returns an error if dir already holds a profile.
func CheckExisting(dir string) error {
	path := filepath.Join(dir, config.DefaultFile)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("profile already initialized\n\nFound existing: %s\n\nUse 'console init --force' to overwrite it", path)
	}
	return nil
}
