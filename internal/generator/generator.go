// Package generator invokes the external file generator against a working
// clone.
// The generator rewrites the configuration files it manages and prints their
// paths, one per line, to stdout.
package generator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/repo-helper/helperbot/internal/logfields"
)

const loggerName = "generator"

// ConfigFileName is the project-level settings file the generator requires.
// Repositories without it are skipped.
const ConfigFileName = "repo_helper.yml"

const defRunTimeout = 10 * time.Minute

// ErrConfigMissing is returned when the repository does not contain
// ConfigFileName.
// It is a recognized per-repository condition, not a fatal error.
var ErrConfigMissing = errors.New("repository contains no " + ConfigFileName)

// Command runs the generator as an external process in the clone directory.
type Command struct {
	argv    []string
	timeout time.Duration
	logger  *zap.Logger
}

func NewCommand(argv []string) (*Command, error) {
	if len(argv) == 0 {
		return nil, errors.New("generator command is empty")
	}

	return &Command{
		argv:    argv,
		timeout: defRunTimeout,
		logger:  zap.L().Named(loggerName),
	}, nil
}

// Run executes the generator in dir and returns the managed file paths it
// reported, relative to dir.
// ErrConfigMissing is returned when dir contains no ConfigFileName.
func (c *Command) Run(ctx context.Context, dir string) ([]string, error) {
	if _, err := os.Stat(filepath.Join(dir, ConfigFileName)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrConfigMissing
		}

		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.argv[0], c.argv[1:]...) //nolint:gosec // argv comes from the config file
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	c.logger.Debug(
		"running generator",
		logfields.Event("generator_started"),
		zap.Strings("generator.command", c.argv),
		zap.String("generator.dir", dir),
	)

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("generator failed: %w, stderr: %s", err, strings.TrimSpace(stderr.String()))
	}

	managed := parseManagedFiles(stdout.String())

	c.logger.Debug(
		"generator finished",
		logfields.Event("generator_finished"),
		zap.Int("generator.managed_file_count", len(managed)),
	)

	return managed, nil
}

func parseManagedFiles(out string) []string {
	var result []string

	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		result = append(result, filepath.ToSlash(line))
	}

	return result
}
