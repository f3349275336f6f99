package web

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap/zapcore"
)

// LogBuffer keeps the most recent log lines in memory. It is an
// io.Writer so it can be tee'd into the zap logger.
type LogBuffer struct {
	mu      sync.Mutex
	lines   []string
	head    int
	count   int
	partial []byte
	dropped uint64
}

func NewLogBuffer(maxLines int) *LogBuffer {
	if maxLines <= 0 {
		maxLines = 2000
	}
	return &LogBuffer{lines: make([]string, maxLines)}
}

// Write collects complete lines; a trailing fragment is held until the
// next write completes it.
func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	data := append(b.partial, p...)
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		b.appendLocked(strings.TrimRight(string(data[:i]), "\r"))
		data = data[i+1:]
	}
	b.partial = append([]byte(nil), data...)
	return len(p), nil
}

// Sync makes LogBuffer a zapcore.WriteSyncer.
func (b *LogBuffer) Sync() error { return nil }

var _ zapcore.WriteSyncer = (*LogBuffer)(nil)

func (b *LogBuffer) appendLocked(line string) {
	if line == "" {
		return
	}
	if b.count == len(b.lines) {
		b.dropped++
	} else {
		b.count++
	}
	b.lines[b.head] = line
	b.head = (b.head + 1) % len(b.lines)
}

// Snapshot returns the last tail lines, oldest first, and the number of lines
// evicted so far.
func (b *LogBuffer) Snapshot(tail int) (lines []string, dropped uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if tail <= 0 {
		tail = 200
	}
	if tail > b.count {
		tail = b.count
	}
	start := b.head - tail
	if start < 0 {
		start += len(b.lines)
	}
	lines = make([]string, 0, tail)
	for i := 0; i < tail; i++ {
		lines = append(lines, b.lines[(start+i)%len(b.lines)])
	}
	return lines, b.dropped
}

type LogsResponse struct {
	NowUTC  string   `json:"now_utc"`
	Dropped uint64   `json:"dropped"`
	Lines   []string `json:"lines"`
}

// levelAtLeast reports whether a JSON log line is at or above min. Lines
// that are not JSON are kept.
func levelAtLeast(line string, min zapcore.Level) bool {
	var entry struct {
		Level string `json:"level"`
	}
	if err := json.Unmarshal([]byte(line), &entry); err != nil || entry.Level == "" {
		return true
	}
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(entry.Level)); err != nil {
		return true
	}
	return lvl >= min
}

func (b *LogBuffer) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		tail := 200
		if s := strings.TrimSpace(q.Get("tail")); s != "" {
			v, err := strconv.Atoi(s)
			if err != nil || v < 1 || v > 5000 {
				http.Error(w, "tail must be an integer in [1,5000]", http.StatusBadRequest)
				return
			}
			tail = v
		}

		lines, dropped := b.Snapshot(tail)
		if s := strings.TrimSpace(q.Get("level")); s != "" {
			var min zapcore.Level
			if err := min.UnmarshalText([]byte(s)); err != nil {
				http.Error(w, "level must be one of debug, info, warn, error", http.StatusBadRequest)
				return
			}
			kept := lines[:0]
			for _, line := range lines {
				if levelAtLeast(line, min) {
					kept = append(kept, line)
				}
			}
			lines = kept
		}

		if strings.EqualFold(q.Get("format"), "text") {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.Header().Set("Cache-Control", "no-store")
			if dropped > 0 {
				_, _ = fmt.Fprintf(w, "[dropped=%d]\n", dropped)
			}
			for _, line := range lines {
				_, _ = fmt.Fprintln(w, line)
			}
			return
		}

		writeJSON(w, http.StatusOK, LogsResponse{
			NowUTC:  time.Now().UTC().Format(time.RFC3339Nano),
			Dropped: dropped,
			Lines:   lines,
		})
	})
}
