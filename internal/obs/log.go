package obs

import (
	"encoding/json"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

var (
	loggerOnce sync.Once
	logger     *log.Logger

	levelMu  sync.RWMutex
	minLevel = levelInfo
)

const (
	levelDebug = iota
	levelInfo
	levelWarn
	levelError
)

var levelNames = map[string]int{
	"debug": levelDebug,
	"info":  levelInfo,
	"warn":  levelWarn,
	"error": levelError,
}

// Logger returns the shared structured logger used across the service.
func Logger() *log.Logger {
	loggerOnce.Do(func() {
		logger = log.New(os.Stdout, "", 0)
	})
	return logger
}

// SetLevel sets the minimum level emitted by Debug/Info/Warn/Error. Unknown names keep "info".
func SetLevel(name string) {
	lvl, ok := levelNames[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		lvl = levelInfo
	}
	levelMu.Lock()
	minLevel = lvl
	levelMu.Unlock()
}

// LogRequest emits a structured JSON log line with common HTTP fields.
func LogRequest(entry map[string]any) {
	data, err := json.Marshal(entry)
	if err != nil {
		Logger().Println(`{"ts":"error","level":"error","msg":"log marshal failed"}`)
		return
	}
	Logger().Println(string(data))
}

func Debug(msg string, fields map[string]any) { emit(levelDebug, "debug", msg, fields) }
func Info(msg string, fields map[string]any)  { emit(levelInfo, "info", msg, fields) }
func Warn(msg string, fields map[string]any)  { emit(levelWarn, "warn", msg, fields) }
func Error(msg string, fields map[string]any) { emit(levelError, "error", msg, fields) }

func emit(lvl int, name, msg string, fields map[string]any) {
	levelMu.RLock()
	skip := lvl < minLevel
	levelMu.RUnlock()
	if skip {
		return
	}
	entry := make(map[string]any, len(fields)+3)
	for k, v := range fields {
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		entry[k] = v
	}
	entry["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	entry["level"] = name
	entry["msg"] = msg
	LogRequest(entry)
}
