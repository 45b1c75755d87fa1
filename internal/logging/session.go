// Package logging provides session-based logging for the broker daemon.
// It redirects the standard log package into a per-run session file while
// still surfacing operator-relevant messages (startup, shutdown, errors
// passed to Error) on the console, matching the teacher's split between
// debug-only file output and user-facing console output. Lines written
// with log.Printf go to the session file only.
package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// SessionLogger writes to both a session file and (selectively) the
// console. Debug/verbose entries go to the file only; startup, shutdown,
// and error messages go to both.
type SessionLogger struct {
	sessionFile *os.File
	mu          sync.Mutex
	sessionPath string
	quietMode   bool
}

// New creates a session logger writing to logDir/session-<timestamp>.log.
// When quietMode is true, Info entries are suppressed from the console
// but still recorded in the session file.
func New(logDir string, quietMode bool) (*SessionLogger, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	sessionID := time.Now().Format("20060102-150405")
	sessionPath := filepath.Join(logDir, fmt.Sprintf("session-%s.log", sessionID))

	file, err := os.OpenFile(sessionPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create session log file: %w", err)
	}

	logger := &SessionLogger{
		sessionFile: file,
		sessionPath: sessionPath,
		quietMode:   quietMode,
	}

	logger.writeToFile("=== NSB broker session started ===\n")
	logger.writeToFile("Session ID: %s\n", sessionID)
	logger.writeToFile("Time: %s\n", time.Now().Format(time.RFC3339))
	logger.writeToFile("===================================\n\n")

	// Redirect the standard log package so every log.Printf call from the
	// broker and its handlers lands in the session file.
	log.SetOutput(file)
	log.SetFlags(log.Ldate | log.Ltime)

	return logger, nil
}

// Close finalizes and closes the session file.
func (s *SessionLogger) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sessionFile != nil {
		s.writeToFile("\n=== NSB broker session ended ===\n")
		s.writeToFile("Time: %s\n", time.Now().Format(time.RFC3339))
		return s.sessionFile.Close()
	}
	return nil
}

// GetSessionPath returns the path of the current session log file.
func (s *SessionLogger) GetSessionPath() string {
	return s.sessionPath
}

// Debug writes a debug message to the session file only.
func (s *SessionLogger) Debug(format string, args ...interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	timestamp := time.Now().Format("15:04:05")
	s.writeToFile("[%s] DEBUG: %s\n", timestamp, fmt.Sprintf(format, args...))
}

// Info writes an info message to the session file, and to the console
// unless quiet mode is enabled.
func (s *SessionLogger) Info(format string, args ...interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	timestamp := time.Now().Format("15:04:05")
	message := fmt.Sprintf(format, args...)
	s.writeToFile("[%s] INFO: %s\n", timestamp, message)
	if !s.quietMode {
		fmt.Println(message)
	}
}

// UserMessage writes an operator-facing message to both file and console
// (startup banner, shutdown confirmation, bind address).
func (s *SessionLogger) UserMessage(format string, args ...interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	timestamp := time.Now().Format("15:04:05")
	message := fmt.Sprintf(format, args...)
	s.writeToFile("[%s] BROKER: %s\n", timestamp, message)
	fmt.Println(message)
}

// Error writes an error message to both file and stderr.
func (s *SessionLogger) Error(format string, args ...interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	timestamp := time.Now().Format("15:04:05")
	message := fmt.Sprintf(format, args...)
	s.writeToFile("[%s] ERROR: %s\n", timestamp, message)
	fmt.Fprintf(os.Stderr, "error: %s\n", message)
}

func (s *SessionLogger) writeToFile(format string, args ...interface{}) {
	if s.sessionFile != nil {
		fmt.Fprintf(s.sessionFile, format, args...)
		s.sessionFile.Sync()
	}
}

// SetQuietMode toggles whether Info entries also print to the console.
func (s *SessionLogger) SetQuietMode(quiet bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quietMode = quiet
}

var (
	globalLogger *SessionLogger
	globalMu     sync.Mutex
)

// SetGlobalLogger installs logger as the process-wide default, used by
// the Global* helpers below for code paths without a logger reference.
func SetGlobalLogger(logger *SessionLogger) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalLogger = logger
}

// GetGlobalLogger returns the process-wide default logger, or nil if none
// has been installed.
func GetGlobalLogger() *SessionLogger {
	globalMu.Lock()
	defer globalMu.Unlock()
	return globalLogger
}

// GlobalDebug writes to the global logger if set, otherwise falls back to
// log.Printf.
func GlobalDebug(format string, args ...interface{}) {
	if logger := GetGlobalLogger(); logger != nil {
		logger.Debug(format, args...)
	} else {
		log.Printf("[DEBUG] "+format, args...)
	}
}

// GlobalError writes to the global logger if set, otherwise falls back to
// log.Printf.
func GlobalError(format string, args ...interface{}) {
	if logger := GetGlobalLogger(); logger != nil {
		logger.Error(format, args...)
	} else {
		log.Printf("[ERROR] "+format, args...)
	}
}
