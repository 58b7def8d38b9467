// Package logger implements the persistent logger (spec.md component C4):
// a level-filtered ring buffer with async SD writes and a critical-entry
// mirror to non-volatile storage.
package logger

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ecunet/monitor/internal/ring"
)

const historyCapacity = 100

// Level is a log entry severity, ordered low to high for the minimum-level
// gate (spec.md §4.4).
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarning
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarning:
		return "warning"
	case LevelCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Entry is a single log/alert line, identical in shape to the alert
// package's Entry but buffered independently (spec.md §3).
type Entry struct {
	TimestampMs int64
	Level       Level
	Message     string
}

// Storage is the SD-card collaborator contract (spec.md §6, item 2),
// narrowed to what the logger drives directly.
type Storage interface {
	WriteWithRotation(dir, prefix, line string, maxSize int64) error
	WriteCSV(path string, rows [][]string) error
	WriteJSON(path string, v interface{}) error
}

// NVStore is the non-volatile KV collaborator contract (spec.md §6, item 3).
type NVStore interface {
	SetBlob(namespace, key string, data []byte) error
	GetBlob(namespace, key string) ([]byte, error)
}

// Clock supplies the RTC-derived millisecond timestamp.
type Clock interface {
	NowMs() int64
}

// AlertCallback fires only for warning/critical entries (spec.md §4.4).
type AlertCallback func(Entry)

const criticalNamespace = "logger"
const criticalKey = "critical_entries"

// Logger is the C4 persistent logger.
type Logger struct {
	storage Storage
	nvstore NVStore
	clock   Clock
	log     *logrus.Entry

	mu           sync.Mutex
	history      *ring.Ring[Entry]
	currentLevel Level
	sdDirectory  string
	maxFileSize  int64

	cbMu      sync.Mutex
	callbacks []AlertCallback

	writeMu   sync.Mutex
	writeCh   chan string
	consecutiveSaveFailures int

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func New(storage Storage, nvstore NVStore, clock Clock) *Logger {
	return &Logger{
		storage:     storage,
		nvstore:     nvstore,
		clock:       clock,
		log:         logrus.WithField("component", "logger"),
		history:     ring.New[Entry](historyCapacity),
		sdDirectory: "logs",
		maxFileSize: 1 << 20,
		writeCh:     make(chan string, 256),
		stopCh:      make(chan struct{}),
	}
}

func (l *Logger) Init() error {
	l.mu.Lock()
	l.currentLevel = LevelInfo
	l.mu.Unlock()
	return nil
}

// Shutdown stops the flush/async-write/free-space-monitor tasks.
func (l *Logger) Shutdown() {
	close(l.stopCh)
	l.wg.Wait()
}

func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.currentLevel = level
}

func (l *Logger) SetSDDirectory(path string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sdDirectory = path
}

func (l *Logger) SetMaxFileSize(n int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.maxFileSize = n
}

func (l *Logger) RegisterAlertCallback(cb AlertCallback) {
	l.cbMu.Lock()
	defer l.cbMu.Unlock()
	l.callbacks = append(l.callbacks, cb)
}

// Log appends a formatted entry if level meets the current gate. Entries
// below current_level are dropped before timestamping (spec.md §4.4).
func (l *Logger) Log(level Level, format string, args ...interface{}) {
	l.mu.Lock()
	gate := l.currentLevel
	l.mu.Unlock()
	if level < gate {
		return
	}

	e := Entry{
		TimestampMs: l.clock.NowMs(),
		Level:       level,
		Message:     fmt.Sprintf(format, args...),
	}
	l.append(e)
}

// LogAlert appends a pre-formatted alert-originated entry, bypassing the
// level gate (the alert sink has already decided this is worth logging).
func (l *Logger) LogAlert(level Level, msg string) {
	e := Entry{TimestampMs: l.clock.NowMs(), Level: level, Message: msg}
	l.append(e)
}

func (l *Logger) append(e Entry) {
	l.mu.Lock()
	l.history.Push(e)
	l.mu.Unlock()

	if e.Level >= LevelWarning {
		l.cbMu.Lock()
		cbs := append([]AlertCallback{}, l.callbacks...)
		l.cbMu.Unlock()
		for _, cb := range cbs {
			cb(e)
		}
	}
}

// PrintBuffer renders the current history to the structured logger, oldest
// first.
func (l *Logger) PrintBuffer() {
	for _, e := range l.History(historyCapacity) {
		l.log.WithField("level", e.Level.String()).Info(e.Message)
	}
}

// History returns up to max of the most recent entries, oldest first.
func (l *Logger) History(max int) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.history.History(max)
}

// SaveToSD writes the current history to the SD collaborator under the
// configured directory, rotating when the configured max file size is
// exceeded.
func (l *Logger) SaveToSD() error {
	l.mu.Lock()
	dir := l.sdDirectory
	maxSize := l.maxFileSize
	entries := l.history.History(historyCapacity)
	l.mu.Unlock()

	for _, e := range entries {
		line := formatLine(e)
		if err := l.storage.WriteWithRotation(dir, "log", line, maxSize); err != nil {
			l.mu.Lock()
			l.consecutiveSaveFailures++
			failures := l.consecutiveSaveFailures
			l.mu.Unlock()
			if failures >= 5 {
				l.log.Warn("sd save failed 5 times consecutively, resetting counter")
				l.mu.Lock()
				l.consecutiveSaveFailures = 0
				l.mu.Unlock()
			}
			return err
		}
	}
	l.mu.Lock()
	l.consecutiveSaveFailures = 0
	l.mu.Unlock()
	return nil
}

// SaveCriticalToNVS mirrors warning/critical entries to the NVS
// collaborator, surviving SD unavailability.
func (l *Logger) SaveCriticalToNVS() error {
	entries := l.History(historyCapacity)
	var critical []Entry
	for _, e := range entries {
		if e.Level >= LevelWarning {
			critical = append(critical, e)
		}
	}
	data, err := json.Marshal(critical)
	if err != nil {
		return err
	}
	return l.nvstore.SetBlob(criticalNamespace, criticalKey, data)
}

// LoadCriticalFromNVS restores the warning/critical entries persisted by
// SaveCriticalToNVS, e.g. after a power loss.
func (l *Logger) LoadCriticalFromNVS() ([]Entry, error) {
	data, err := l.nvstore.GetBlob(criticalNamespace, criticalKey)
	if err != nil {
		return nil, err
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// StartFlushTask persists warning/critical entries every 60s (spec.md
// §4.4).
func (l *Logger) StartFlushTask(interval time.Duration) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-l.stopCh:
				return
			case <-ticker.C:
				if err := l.SaveCriticalToNVS(); err != nil {
					l.log.WithError(err).Warn("flush task failed to persist critical entries")
				}
			}
		}
	}()
}

// StartAsyncWriteTask drains the async-write queue into the SD
// collaborator (spec.md §4.4: "an MPSC queue of heap-copied messages").
func (l *Logger) StartAsyncWriteTask() {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		for {
			select {
			case <-l.stopCh:
				return
			case msg := <-l.writeCh:
				l.mu.Lock()
				dir, maxSize := l.sdDirectory, l.maxFileSize
				l.mu.Unlock()
				if err := l.storage.WriteWithRotation(dir, "async", msg, maxSize); err != nil {
					l.log.WithError(err).Warn("async write failed")
				}
			}
		}
	}()
}

// AsyncWrite enqueues a message for the async-write task. Non-blocking:
// the queue is bounded, and a full queue drops the write with a log
// warning rather than stalling the caller.
func (l *Logger) AsyncWrite(data string) {
	select {
	case l.writeCh <- data:
	default:
		l.log.Warn("async write queue full, dropping message")
	}
}

// StartFreeSpaceMonitor runs every interval (spec.md's documented 30s):
// a real free-space check is a storage-collaborator concern outside this
// package's scope, so the probe is caller-supplied.
func (l *Logger) StartFreeSpaceMonitor(interval time.Duration, freeBytes func() int64, thresholdBytes int64) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-l.stopCh:
				return
			case <-ticker.C:
				if freeBytes() < thresholdBytes {
					l.LogAlert(LevelCritical, "free space below threshold")
					if err := l.SaveToSD(); err != nil {
						l.log.WithError(err).Warn("free space monitor save attempt failed")
					}
				}
			}
		}
	}()
}

// ExportCSV writes the full history to path in CSV form.
func (l *Logger) ExportCSV(path string) error {
	entries := l.History(historyCapacity)
	rows := make([][]string, 0, len(entries)+1)
	rows = append(rows, []string{"timestamp_ms", "level", "message"})
	for _, e := range entries {
		rows = append(rows, []string{strconv.FormatInt(e.TimestampMs, 10), e.Level.String(), e.Message})
	}
	return l.storage.WriteCSV(path, rows)
}

// ExportJSON writes the full history to path in JSON form.
func (l *Logger) ExportJSON(path string) error {
	entries := l.History(historyCapacity)
	return l.storage.WriteJSON(path, entries)
}

func formatLine(e Entry) string {
	return fmt.Sprintf("%d\t%s\t%s", e.TimestampMs, e.Level.String(), e.Message)
}
