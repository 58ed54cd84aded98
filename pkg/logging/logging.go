// Package logging builds the process logger. Output goes to a console writer,
// a timestamped log file under the user cache directory, or both.
package logging

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"gitlab.com/tozd/go/errors"
)

type Options struct {
	Level string
	// Console writes human-readable lines to Out.
	Console bool
	Out     io.Writer
	// File writes JSON lines to a new file in Dir.
	File bool
	Dir  string
	// Fields are attached to every event.
	Fields map[string]string
}

// DefaultDir is the log directory used when Options.Dir is empty.
func DefaultDir() (string, error) {
	cachedir, err := os.UserCacheDir()
	if err != nil {
		return "", errors.Errorf("getting user cache directory: %w", err)
	}
	execr, err := os.Executable()
	if err != nil {
		return "", errors.Errorf("getting executable name: %w", err)
	}
	return filepath.Join(cachedir, "hostagent", filepath.Base(execr)), nil
}

// New builds the logger, installs it as the global zerolog logger and returns
// a context carrying it. The returned closer releases the log file.
func New(ctx context.Context, opts Options) (context.Context, func() error, error) {
	level, levelErr := zerolog.ParseLevel(opts.Level)
	if levelErr != nil || opts.Level == "" {
		level = zerolog.InfoLevel
	}

	writers := []io.Writer{}
	closer := func() error { return nil }

	if opts.Console {
		out := opts.Out
		if out == nil {
			out = os.Stderr
		}
		writers = append(writers, zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339})
	}

	fields := map[string]string{}
	for k, v := range opts.Fields {
		fields[k] = v
	}

	if opts.File {
		dir := opts.Dir
		if dir == "" {
			d, err := DefaultDir()
			if err != nil {
				return ctx, closer, err
			}
			dir = d
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return ctx, closer, errors.Errorf("creating log directory: %w", err)
		}
		name := filepath.Join(dir, "hostagent."+time.Now().Format("2006-01-02_15-04-05")+".log")
		f, err := os.Create(name)
		if err != nil {
			return ctx, closer, errors.Errorf("creating log file: %w", err)
		}
		closer = f.Close
		writers = append(writers, f)
		fields["log_file"] = name
	}

	if len(writers) == 0 {
		return ctx, closer, errors.New("no log output configured")
	}

	pre := zerolog.New(zerolog.MultiLevelWriter(writers...)).With().Timestamp().Caller()
	for k, v := range fields {
		pre = pre.Str(k, v)
	}
	logger := pre.Logger().Level(level)
	zlog.Logger = logger

	if levelErr != nil {
		logger.Warn().Str("level", opts.Level).Msg("invalid log level, using info")
	}
	return logger.WithContext(ctx), closer, nil
}

// Writer adapts a zerolog logger to io.Writer for libraries that only accept
// a standard logger.
type Writer struct {
	Logger zerolog.Logger
}

func (w *Writer) Write(p []byte) (int, error) {
	w.Logger.Error().Msg(string(bytes.TrimSpace(p)))
	return len(p), nil
}
