package scaffold

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"text/template"

	"github.com/opsconsole/console/internal/config"
	"github.com/opsconsole/console/internal/printer"
)

//go:embed templates/*
var templatesFS embed.FS

// Options fill in the generated profile.
type Options struct {
	APIURL   string
	RedisURL string
}

// Initialize writes a starter console.yml into dir and returns its path.
// If force is true an existing profile is replaced.
func Initialize(dir string, opts Options, force bool) (string, error) {
	path := filepath.Join(dir, config.DefaultFile)

	if force {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("failed to remove %s: %w", path, err)
		}
	}

	if opts.APIURL == "" {
		opts.APIURL = config.DefaultAPIURL
	}

	content, err := renderProfile(opts)
	if err != nil {
		return "", err
	}

	if err := os.WriteFile(path, content, 0644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}

	// The generated file must load like any hand-written profile
	if _, err := config.Load(path); err != nil {
		return "", fmt.Errorf("generated profile is invalid: %w", err)
	}

	return path, nil
}

func renderProfile(opts Options) ([]byte, error) {
	raw, err := templatesFS.ReadFile("templates/console.yml.tmpl")
	if err != nil {
		return nil, fmt.Errorf("failed to read console.yml template: %w", err)
	}

	tmpl, err := template.New("console.yml").Parse(string(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse console.yml template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, opts); err != nil {
		return nil, fmt.Errorf("failed to render console.yml: %w", err)
	}
	return buf.Bytes(), nil
}

// PrintSuccess prints the success message with next steps
func PrintSuccess(p *printer.Printer, path string) {
	p.Success("Created %s\n", path)
	p.Println("\nNext steps:")
	p.Println("  1. Review api_url and the optional sections in the profile")
	p.Println("  2. Log in with 'console login --username <email>'")
	p.Println("  3. Run 'console watch' to open the real-time channel")
}
