// Package pgmanager runs an embedded Postgres server for single-binary
// deployments where no external database is available.
package pgmanager

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
)

const (
	defaultPort = 5432
	pgUser      = "duecall"
	pgPassword  = "duecall"
	pgDatabase  = "duecall"

	startTimeout = 30 * time.Second
)

// Config controls the embedded server. Zero values fall back to
// ~/.duecall defaults.
type Config struct {
	Port    int
	DataDir string
	Logger  *slog.Logger
}

// Manager owns the lifecycle of one embedded Postgres instance.
type Manager struct {
	mu      sync.Mutex
	cfg     Config
	logger  *slog.Logger
	db      *embeddedpostgres.EmbeddedPostgres
	pidFile string
	connURL string
	running bool
}

// New prepares a manager. The server is not started until Start.
func New(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{cfg: cfg, logger: logger}
}

// Start boots the embedded server, initializing the data directory on
// first run. An orphaned instance left behind by a crashed process is
// stopped first so the data directory lock is free.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}

	home, err := duecallHome()
	if err != nil {
		return err
	}
	dataDir := m.cfg.DataDir
	if dataDir == "" {
		dataDir = filepath.Join(home, "postgres")
	}
	port := m.cfg.Port
	if port == 0 {
		port = defaultPort
	}
	pidFile := filepath.Join(home, "postgres.pid")

	cleanupOrphan(pidFile, m.logger)

	cacheDir := filepath.Join(home, "pg")
	runtimeDir := filepath.Join(home, "pg-runtime")
	for _, dir := range []string{dataDir, cacheDir, runtimeDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	db := embeddedpostgres.NewDatabase(embeddedpostgres.DefaultConfig().
		Port(uint32(port)).
		DataPath(dataDir).
		RuntimePath(runtimeDir).
		CachePath(cacheDir).
		Logger(newLogWriter(m.logger)).
		Version(embeddedpostgres.V16).
		Username(pgUser).
		Password(pgPassword).
		Database(pgDatabase).
		StartTimeout(startTimeout))

	m.logger.Info("starting embedded postgres", "port", port, "data_dir", dataDir)
	if err := db.Start(); err != nil {
		return fmt.Errorf("starting embedded postgres: %w", err)
	}

	// Record the postmaster PID so the next Start can detect an orphan
	// if this process dies without stopping the server.
	if pid, err := readPostmasterPID(filepath.Join(dataDir, "postmaster.pid")); err != nil {
		m.logger.Warn("reading postmaster pid", "error", err)
	} else if err := writePID(pidFile, pid); err != nil {
		m.logger.Warn("writing pid file", "path", pidFile, "error", err)
	}

	m.db = db
	m.pidFile = pidFile
	m.connURL = fmt.Sprintf("postgresql://%s:%s@127.0.0.1:%d/%s?sslmode=disable",
		pgUser, pgPassword, port, pgDatabase)
	m.running = true
	return nil
}

// Stop shuts the server down. Calling Stop on a manager that is not
// running is a no-op.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return nil
	}
	if err := m.db.Stop(); err != nil {
		return fmt.Errorf("stopping embedded postgres: %w", err)
	}
	if m.pidFile != "" {
		_ = removePID(m.pidFile)
	}
	m.running = false
	m.connURL = ""
	m.logger.Info("embedded postgres stopped")
	return nil
}

// IsRunning reports whether Start has succeeded and Stop has not run.
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// ConnURL returns the connection string for the running server, or ""
// when it is not running.
func (m *Manager) ConnURL() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connURL
}

// duecallHome returns ~/.duecall, creating it if needed.
func duecallHome() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	dir := filepath.Join(home, ".duecall")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating %s: %w", dir, err)
	}
	return dir, nil
}

// cleanupOrphan stops a postgres instance recorded in the pid file that
// outlived its parent process, and removes the file if it is stale.
func cleanupOrphan(path string, logger *slog.Logger) {
	pid, err := readPID(path)
	if err != nil {
		logger.Warn("reading pid file", "path", path, "error", err)
		return
	}
	if pid == 0 {
		return
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		_ = removePID(path)
		return
	}
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		// Process is gone; only the file is left.
		_ = removePID(path)
		return
	}

	logger.Warn("stopping orphaned postgres from a previous run", "pid", pid)
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		logger.Warn("signaling orphaned postgres", "pid", pid, "error", err)
		return
	}
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if err := proc.Signal(syscall.Signal(0)); err != nil {
			break
		}
		time.Sleep(200 * time.Millisecond)
	}
	_ = removePID(path)
}

func writePID(path string, pid int) error {
	return os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0o644)
}

// readPID returns the recorded PID, or 0 when the file does not exist.
func readPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parsing pid file %s: %w", path, err)
	}
	return pid, nil
}

func removePID(path string) error {
	err := os.Remove(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// readPostmasterPID parses the server PID from the first line of a
// postmaster.pid file.
func readPostmasterPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	line, _, _ := strings.Cut(string(data), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil {
		return 0, fmt.Errorf("parsing postmaster.pid: %w", err)
	}
	return pid, nil
}

// logWriter forwards postgres output to the structured logger.
type logWriter struct {
	logger *slog.Logger
}

func newLogWriter(logger *slog.Logger) *logWriter {
	return &logWriter{logger: logger}
}

func (w *logWriter) Write(p []byte) (int, error) {
	for _, line := range strings.Split(string(p), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		w.logger.Debug(line, "source", "postgres")
	}
	return len(p), nil
}
