package logx

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

type Config struct {
	Level   string
	Console bool
	File    FileConfig
}

type FileConfig struct {
	Enabled bool
	// Path defaults to ./mailqueue.log.
	Path string
}

const defaultLogFile = "./mailqueue.log"

// Service owns the log sinks and swaps them on Apply.
type Service struct {
	mu   sync.Mutex
	file *os.File
	root atomic.Pointer[zerolog.Logger]
}

// New builds a Service from cfg and returns it with its root Logger. A log
// file that cannot be opened is reported as an error; the Service is still
// usable and logs to the console.
func New(cfg Config) (*Service, Logger, error) {
	s := &Service{}
	err := s.Apply(cfg)
	return s, Logger{svc: s}, err
}

func (s *Service) current() *zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return zl
	}
	return &nopLogger
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

// Apply swaps outputs and level. Loggers already handed out follow the change.
func (s *Service) Apply(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		writers []io.Writer
		openErr error
		file    *os.File
	)
	if cfg.Console {
		writers = append(writers, newConsoleWriter(Stderr()))
	}
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = defaultLogFile
		}
		f, err := openLogFile(path)
		if err != nil {
			openErr = err
		} else {
			file = f
			writers = append(writers, zerolog.SyncWriter(f))
		}
	}
	if len(writers) == 0 {
		writers = append(writers, newConsoleWriter(Stderr()))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(parseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.root.Store(&zl)

	// Close the previous file only after the new logger is live.
	if s.file != nil {
		_ = s.file.Close()
	}
	s.file = file
	return openErr
}

// Close releases the log file, if any. Later events go to a no-op logger.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.root.Store(&nopLogger)
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

func openLogFile(path string) (*os.File, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("logx: create log dir: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logx: open log file %q: %w", path, err)
	}
	return f, nil
}
