// Package convlog records conversation traffic into date-sharded JSONL
// files and serves queries over them. Records are opaque JSON: the logger
// only injects its own identity fields and filters on a few well-known keys.
package convlog

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"claude-relay/internal/types"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	fileSuffix = ".jsonl"
	dateLayout = "2006-01-02"

	// lookbackDays bounds GetByID scans and the default query window.
	lookbackDays = 7

	cleanupInterval = 24 * time.Hour
)

// QueryParams filters a log query. Zero values mean "no filter"; the date
// window defaults to the last seven days.
type QueryParams struct {
	StartDate string
	EndDate   string
	SessionID string
	Status    string
	Limit     int
	Offset    int
}

// Logger appends and queries conversation records.
type Logger struct {
	mu            sync.Mutex
	dir           string
	retentionDays int

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	now func() time.Time
}

// NewLogger creates the conversation logger under DATA_DIR/logs.
func NewLogger(configManager types.ConfigManager) (*Logger, error) {
	dir := filepath.Join(configManager.GetDataDir(), "logs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create conversation log directory: %w", err)
	}
	return &Logger{
		dir:           dir,
		retentionDays: configManager.GetPoolConfig().LogRetentionDays,
		stopChan:      make(chan struct{}),
		now:           time.Now,
	}, nil
}

// Append stores one record, injecting log_id and timestamp, and returns the
// generated log ID. The record must be a JSON object.
func (l *Logger) Append(record string) (string, error) {
	logID := uuid.NewString()
	now := l.now()

	record, err := sjson.Set(record, "log_id", logID)
	if err != nil {
		return "", fmt.Errorf("failed to set log_id: %w", err)
	}
	record, err = sjson.Set(record, "timestamp", now.UTC().Format(time.RFC3339))
	if err != nil {
		return "", fmt.Errorf("failed to set timestamp: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	file, err := os.OpenFile(l.fileForDate(now), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("failed to open conversation log file: %w", err)
	}
	defer file.Close()

	if _, err := file.WriteString(record + "\n"); err != nil {
		return "", fmt.Errorf("failed to write conversation log: %w", err)
	}

	logrus.WithField("log_id", logID).Debug("Logged conversation")
	return logID, nil
}

// Query returns matching records newest first. Invalid lines are skipped.
func (l *Logger) Query(params QueryParams) ([]string, error) {
	now := l.now()

	start := now.AddDate(0, 0, -lookbackDays)
	if params.StartDate != "" {
		parsed, err := time.Parse(dateLayout, params.StartDate)
		if err != nil {
			return nil, fmt.Errorf("invalid start date %q: %w", params.StartDate, err)
		}
		start = parsed
	}
	end := now
	if params.EndDate != "" {
		parsed, err := time.Parse(dateLayout, params.EndDate)
		if err != nil {
			return nil, fmt.Errorf("invalid end date %q: %w", params.EndDate, err)
		}
		end = parsed
	}

	limit := params.Limit
	if limit <= 0 {
		limit = 100
	}

	var records []string
	for day := start; !day.After(end); day = day.AddDate(0, 0, 1) {
		dayRecords, err := l.readDay(day, params)
		if err != nil {
			return nil, err
		}
		records = append(records, dayRecords...)
	}

	sort.SliceStable(records, func(i, j int) bool {
		return gjson.Get(records[i], "timestamp").String() > gjson.Get(records[j], "timestamp").String()
	})

	if params.Offset >= len(records) {
		return []string{}, nil
	}
	records = records[params.Offset:]
	if len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// GetByID scans the recent log files for one record.
func (l *Logger) GetByID(logID string) (string, bool) {
	now := l.now()
	for i := 0; i < lookbackDays; i++ {
		day := now.AddDate(0, 0, -i)
		records, err := l.readDay(day, QueryParams{})
		if err != nil {
			continue
		}
		for _, record := range records {
			if gjson.Get(record, "log_id").String() == logID {
				return record, true
			}
		}
	}
	return "", false
}

// Cleanup deletes log files older than the retention window and returns how
// many were removed.
func (l *Logger) Cleanup() int {
	if l.retentionDays <= 0 {
		return 0
	}
	cutoff := l.now().AddDate(0, 0, -l.retentionDays)

	entries, err := os.ReadDir(l.dir)
	if err != nil {
		logrus.WithError(err).Error("Failed to list conversation log directory")
		return 0
	}

	removed := 0
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		day, err := time.Parse(dateLayout, strings.TrimSuffix(name, fileSuffix))
		if err != nil {
			continue
		}
		if !day.Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(l.dir, name)); err != nil {
			logrus.WithError(err).WithField("file", name).Warn("Failed to remove expired log file")
			continue
		}
		removed++
	}

	if removed > 0 {
		logrus.WithField("files", removed).Info("Cleaned up expired conversation logs")
	}
	return removed
}

// Start launches the daily retention cleanup loop.
func (l *Logger) Start() {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(cleanupInterval)
		defer ticker.Stop()

		l.Cleanup()
		for {
			select {
			case <-ticker.C:
				l.Cleanup()
			case <-l.stopChan:
				return
			}
		}
	}()
}

// Stop halts the cleanup loop, honoring the context for shutdown timeout.
func (l *Logger) Stop(ctx context.Context) {
	l.stopOnce.Do(func() { close(l.stopChan) })

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logrus.Info("Conversation logger stopped gracefully.")
	case <-ctx.Done():
		logrus.Warn("Conversation logger stop timed out.")
	}
}

func (l *Logger) fileForDate(t time.Time) string {
	return filepath.Join(l.dir, t.Format(dateLayout)+fileSuffix)
}

// readDay loads one day's records, applying session and status filters.
func (l *Logger) readDay(day time.Time, params QueryParams) ([]string, error) {
	file, err := os.Open(l.fileForDate(day))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open conversation log file: %w", err)
	}
	defer file.Close()

	var records []string
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !gjson.Valid(line) {
			continue
		}
		if params.SessionID != "" && gjson.Get(line, "session_id").String() != params.SessionID {
			continue
		}
		if params.Status != "" && gjson.Get(line, "status").String() != params.Status {
			continue
		}
		records = append(records, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read conversation log file: %w", err)
	}
	return records, nil
}
