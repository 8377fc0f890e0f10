package pwlog

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"
)

// Logger is a managed log writer replacing ad-hoc log.Println calls
// across the core. It always echoes to STDOUT and, when constructed
// with a folder, additionally appends every line to a single log file
// for the lifetime of the process. There is no rotation: a fresh file
// is only created on process restart.
type Logger struct {
	Prefix string
	logger *log.Logger
	file   *os.File
}

// New creates a logger that tees to stdout and, if logFolder is
// non-empty, to a single append-only file under that folder.
func New(prefix string, logFolder string) (*Logger, error) {
	l := &Logger{Prefix: prefix}
	if logFolder == "" {
		return l, nil
	}

	if err := os.MkdirAll(logFolder, 0775); err != nil {
		return nil, err
	}
	logFilePath := filepath.Join(logFolder, prefix+time.Now().Format("_2006-01-02")+".log")
	f, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	l.file = f
	l.logger = log.New(f, "", 0)
	return l, nil
}

// PrintAndLog writes an info or error line depending on originalError.
func (l *Logger) PrintAndLog(title string, message string, originalError error) {
	l.write(title, message, originalError)
}

// Println is a snap-in replacement for log.Println tagged with "internal".
func (l *Logger) Println(v ...interface{}) {
	l.write("internal", fmt.Sprint(v...), nil)
}

// Warnf logs a formatted warning line.
func (l *Logger) Warnf(title string, format string, args ...interface{}) {
	l.write(title, fmt.Sprintf(format, args...), nil)
}

func (l *Logger) write(title string, message string, originalError error) {
	line := "[" + time.Now().UTC().Format("2006-01-02 15:04:05.000000") + "] [" + title + "]"
	if originalError == nil {
		line += " [system:info] " + message
	} else {
		line += " [system:error] " + message + ": " + originalError.Error()
	}
	fmt.Println(line)
	if l.logger != nil {
		l.logger.Println(line)
	}
}

func (l *Logger) Close() {
	if l.file != nil {
		l.file.Close()
	}
}
