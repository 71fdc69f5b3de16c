// Package archive produces self-contained full-page archives by shelling out
// to the monolith CLI, which inlines every external resource into one HTML
// file.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"

	"go.uber.org/zap"
)

// Config controls the archiver subprocess.
type Config struct {
	// Binary is the monolith executable; looked up on PATH when bare.
	Binary string
	// Timeout bounds one archival run.
	Timeout time.Duration
	// UserAgent is passed through to the page fetches monolith performs.
	UserAgent string
}

func (c *Config) applyDefaults() {
	if c.Binary == "" {
		c.Binary = "monolith"
	}
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
}

// Monolith implements bookmarks.Archiver via the monolith subprocess.
type Monolith struct {
	cfg    Config
	logger *zap.Logger

	// run is swapped in tests to avoid spawning a real subprocess.
	run func(ctx context.Context, name string, args ...string) ([]byte, []byte, error)
}

// New builds a Monolith archiver.
func New(cfg Config, logger *zap.Logger) *Monolith {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monolith{
		cfg:    cfg,
		logger: logger,
		run:    runCommand,
	}
}

// Archive fetches the URL and returns one self-contained HTML document.
func (m *Monolith) Archive(ctx context.Context, url string) ([]byte, string, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	args := []string{"--no-video", "--isolate", "--silent", "--output", "-"}
	if m.cfg.UserAgent != "" {
		args = append(args, "--user-agent", m.cfg.UserAgent)
	}
	args = append(args, url)

	start := time.Now()
	stdout, stderr, err := m.run(ctx, m.cfg.Binary, args...)
	if err != nil {
		return nil, "", fmt.Errorf("monolith %s: %w (stderr: %s)", url, err, truncate(stderr, 512))
	}
	if len(stdout) == 0 {
		return nil, "", fmt.Errorf("monolith %s: empty archive", url)
	}

	m.logger.Debug("page archived",
		zap.String("url", url),
		zap.Int("bytes", len(stdout)),
		zap.Duration("took", time.Since(start)))
	return stdout, "text/html", nil
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
