package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
)

const (
	// MaxLineLength is the maximum length of a single log line before truncation.
	MaxLineLength = 4096

	// MaxBufferedLines is the maximum number of lines to buffer per process.
	MaxBufferedLines = 100
)

// StderrHandler handles output from a managed process.
// It buffers recent lines for the exit summary and logs them.
//
// It implements io.Writer so it can be assigned directly to exec.Cmd.Stderr
// or exec.Cmd.Stdout; partial lines are held until a newline or Flush.
type StderrHandler struct {
	process string
	stream  string
	logger  *slog.Logger
	verbose bool

	// Circular buffer for recent lines
	buffer []string
	bufIdx int
	mu     sync.Mutex

	partial []byte
}

// NewStderrHandler creates a handler for a process's stderr. Lines are
// classified by content; debug lines are only logged when verbose.
func NewStderrHandler(process string, logger *slog.Logger, verbose bool) *StderrHandler {
	return &StderrHandler{
		process: process,
		stream:  "stderr",
		logger:  logger,
		verbose: verbose,
		buffer:  make([]string, MaxBufferedLines),
	}
}

// NewStdoutHandler creates a handler for a process's stdout. Every line is
// logged at info.
func NewStdoutHandler(process string, logger *slog.Logger) *StderrHandler {
	h := NewStderrHandler(process, logger, true)
	h.stream = "stdout"
	return h
}

// Write implements io.Writer.
func (h *StderrHandler) Write(p []byte) (int, error) {
	h.mu.Lock()
	h.partial = append(h.partial, p...)
	var lines []string
	for {
		i := bytes.IndexByte(h.partial, '\n')
		if i < 0 {
			break
		}
		lines = append(lines, strings.TrimRight(string(h.partial[:i]), "\r"))
		h.partial = h.partial[i+1:]
	}
	if len(h.partial) > MaxLineLength {
		lines = append(lines, string(h.partial))
		h.partial = nil
	}
	h.mu.Unlock()

	for _, line := range lines {
		h.HandleLine(line)
	}
	return len(p), nil
}

// Flush handles any buffered partial line.
func (h *StderrHandler) Flush() {
	h.mu.Lock()
	line := string(h.partial)
	h.partial = nil
	h.mu.Unlock()

	if line != "" {
		h.HandleLine(line)
	}
}

// HandleLine processes a single line of output.
func (h *StderrHandler) HandleLine(line string) {
	// Truncate if too long
	if len(line) > MaxLineLength {
		line = line[:MaxLineLength] + "...(truncated)"
	}

	// Store in circular buffer
	h.mu.Lock()
	h.buffer[h.bufIdx] = line
	h.bufIdx = (h.bufIdx + 1) % MaxBufferedLines
	h.mu.Unlock()

	h.logLine(line)
}

// logLine logs the line at appropriate level based on content.
func (h *StderrHandler) logLine(line string) {
	level := slog.LevelInfo
	if h.stream == "stderr" {
		level = classifyLine(line)
	}

	// In non-verbose mode, only log warnings and errors
	if !h.verbose && level == slog.LevelDebug {
		return
	}

	h.logger.Log(context.Background(), level, "process_"+h.stream,
		"process", h.process,
		"line", line,
	)
}

// classifyLine determines the log level for a line based on content.
func classifyLine(line string) slog.Level {
	lower := strings.ToLower(line)

	if strings.Contains(lower, "panic") ||
		strings.Contains(lower, "fatal") ||
		strings.Contains(lower, "out of memory") ||
		strings.Contains(lower, "segmentation fault") {
		return slog.LevelError
	}

	if strings.Contains(lower, "error") ||
		strings.Contains(lower, "warn") ||
		strings.Contains(lower, "failed") ||
		strings.Contains(lower, "timeout") {
		return slog.LevelWarn
	}

	return slog.LevelDebug
}

// RecentLines returns the most recent lines from the buffer.
func (h *StderrHandler) RecentLines(n int) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	if n > MaxBufferedLines {
		n = MaxBufferedLines
	}

	lines := make([]string, 0, n)

	// Read from circular buffer in order
	for i := 0; i < n; i++ {
		idx := (h.bufIdx - n + i + MaxBufferedLines) % MaxBufferedLines
		if h.buffer[idx] != "" {
			lines = append(lines, h.buffer[idx])
		}
	}

	return lines
}

// ErrorPatterns are common failure patterns counted for the exit summary.
var ErrorPatterns = []string{
	"out of memory",
	"CUDA error",
	"Segmentation fault",
	"panic",
	"timeout",
	"Killed",
}

// CountErrors counts occurrences of error patterns in the buffer.
func (h *StderrHandler) CountErrors() map[string]int {
	h.mu.Lock()
	defer h.mu.Unlock()

	counts := make(map[string]int)

	for _, line := range h.buffer {
		if line == "" {
			continue
		}
		for _, pattern := range ErrorPatterns {
			if strings.Contains(line, pattern) {
				counts[pattern]++
			}
		}
	}

	return counts
}
