package browser

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
)

// ErrNoBrowser is returned when no Chrome-compatible binary can be found
var ErrNoBrowser = errors.New("no Chrome or Chromium executable found")

// EngineProbe answers whether a run can start a browser at all
type EngineProbe struct {
	// ExecPath pins a specific executable; empty means auto-detect
	ExecPath string

	lookPath func(string) (string, error)
	stat     func(string) (os.FileInfo, error)
}

// NewEngineProbe creates a probe for the given executable, or auto-detection
func NewEngineProbe(execPath string) *EngineProbe {
	return &EngineProbe{
		ExecPath: execPath,
		lookPath: exec.LookPath,
		stat:     os.Stat,
	}
}

// Available reports whether a browser binary is installed
func (p *EngineProbe) Available() bool {
	_, err := p.Path()
	return err == nil
}

// Path returns the executable chromedp will launch
func (p *EngineProbe) Path() (string, error) {
	if p.ExecPath != "" {
		if _, err := p.stat(p.ExecPath); err != nil {
			return "", fmt.Errorf("configured chrome_path %s: %w", p.ExecPath, err)
		}
		return p.ExecPath, nil
	}

	for _, name := range ChromeExecutables {
		if path, err := p.lookPath(name); err == nil {
			return path, nil
		}
	}

	for _, path := range ChromeInstallPaths {
		if info, err := p.stat(path); err == nil && !info.IsDir() {
			return path, nil
		}
	}

	return "", ErrNoBrowser
}
