package logger

import (
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/stegophone/stegophone/internal/rn52"
)

// Logger records timestamped RN52 status reports to CSV files with automatic rotation.
type Logger struct {
	mu      sync.Mutex
	dir     string
	enabled bool
	maxRows int
	now     func() time.Time

	file   *os.File
	writer *csv.Writer
	rows   int
}

// Config holds logger configuration.
type Config struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
	MaxRows int    `yaml:"max_rows" json:"maxRows"`
}

const (
	defaultMaxRows = 100_000 // Rotate after 100k rows
)

var csvHeader = []string{
	"timestamp", "source", "state", "hex", "value", "bits",
}

// New creates a new Logger.
func New(cfg Config) *Logger {
	if cfg.Path == "" {
		cfg.Path = "/var/log/stegophone"
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = defaultMaxRows
	}
	return &Logger{
		dir:     cfg.Path,
		enabled: cfg.Enabled,
		maxRows: cfg.MaxRows,
		now:     time.Now,
	}
}

// SetEnabled allows toggling logging at runtime.
func (l *Logger) SetEnabled(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = on
	if !on && l.file != nil {
		l.closeFile()
	}
}

// IsEnabled returns whether logging is active.
func (l *Logger) IsEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled
}

// Record writes one status report. source says what triggered the query
// ("event", "startup", "api").
func (l *Logger) Record(report rn52.StatusReport, state rn52.State, source string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return
	}

	now := l.now()

	// Open/rotate file if needed
	if l.writer == nil || l.rows >= l.maxRows {
		if err := l.rotateFile(now); err != nil {
			log.Printf("[logger] rotate failed: %v", err)
			return
		}
	}

	row := []string{
		now.Format(time.RFC3339Nano),
		source,
		state.String(),
		report.Hex,
		strconv.Itoa(int(report.Value)),
		fmt.Sprintf("%016b", report.Value),
	}
	if err := l.writer.Write(row); err != nil {
		log.Printf("[logger] write failed: %v", err)
		return
	}
	l.writer.Flush()
	l.rows++
}

// Close flushes and closes the current log file.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeFile()
}

func (l *Logger) rotateFile(now time.Time) error {
	l.closeFile()

	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", l.dir, err)
	}

	filename := fmt.Sprintf("rn52_%s.csv", now.Format("2006-01-02_150405.000"))
	path := filepath.Join(l.dir, filename)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	l.file = f
	l.writer = csv.NewWriter(f)
	l.rows = 0

	// Write header
	if err := l.writer.Write(csvHeader); err != nil {
		return err
	}
	l.writer.Flush()

	log.Printf("[logger] opened %s", path)
	return nil
}

func (l *Logger) closeFile() {
	if l.writer != nil {
		l.writer.Flush()
		l.writer = nil
	}
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}
