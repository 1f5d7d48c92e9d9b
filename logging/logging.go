// Package logging holds the process-wide error and debug loggers. Log files
// are only created once something is written to them.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var (
	mu sync.Mutex

	dir string

	errorLogger  *log.Logger
	errorLogPath string
	errorLogOnce *sync.Once

	debugLogger  *log.Logger
	debugLogPath string
	debugLogOnce *sync.Once

	// DumpLen limits how many bytes of a frame are logged by Packet.
	// A value of 0 dumps the entire frame.
	DumpLen = 256

	// Console, when set, receives every error and warning line. The
	// binary points it at its UI bridge.
	Console func(msg string)

	// Silent suppresses the Console mirror.
	Silent bool
)

// Setup points the loggers at stdout and arms lazily created files in logDir.
// An empty logDir keeps everything on stdout.
func Setup(debug bool, logDir string) {
	mu.Lock()
	dir = logDir
	if dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			log.Printf("could not create log directory: %v", err)
			dir = ""
		}
	}
	errorLogPath = ""
	if dir != "" {
		errorLogPath = filepath.Join(dir, fmt.Sprintf("error-%s.log", stamp()))
	}
	errorLogOnce = &sync.Once{}
	errorLogger = log.New(os.Stdout, "", log.LstdFlags)
	log.SetOutput(errorLogger.Writer())
	mu.Unlock()

	SetDebug(debug)
}

func SetDebug(enabled bool) {
	mu.Lock()
	defer mu.Unlock()
	if !enabled {
		debugLogger = nil
		return
	}
	debugLogPath = ""
	if dir != "" {
		debugLogPath = filepath.Join(dir, fmt.Sprintf("debug-%s.log", stamp()))
	}
	debugLogOnce = &sync.Once{}
	debugLogger = log.New(os.Stdout, "", log.LstdFlags)
}

func DebugEnabled() bool {
	mu.Lock()
	defer mu.Unlock()
	return debugLogger != nil
}

func stamp() string { return time.Now().Format("20060102-150405") }

func openFile(l *log.Logger, once *sync.Once, path string, std bool) {
	once.Do(func() {
		if path == "" {
			return
		}
		if f, err := os.Create(path); err == nil {
			l.SetOutput(io.MultiWriter(os.Stdout, f))
			if std {
				log.SetOutput(l.Writer())
			}
		}
	})
}

func errorSink() *log.Logger {
	mu.Lock()
	l, once, path := errorLogger, errorLogOnce, errorLogPath
	mu.Unlock()
	if l != nil {
		openFile(l, once, path, true)
	}
	return l
}

func debugSink() *log.Logger {
	mu.Lock()
	l, once, path := debugLogger, debugLogOnce, debugLogPath
	mu.Unlock()
	if l != nil {
		openFile(l, once, path, false)
	}
	return l
}

func Errorf(format string, v ...any) {
	msg := fmt.Sprintf(format, v...)
	if l := errorSink(); l != nil {
		l.Print(msg)
	} else {
		log.Print(msg)
	}
	mirror(msg)
}

func Warnf(format string, v ...any) {
	msg := "warning: " + fmt.Sprintf(format, v...)
	if l := errorSink(); l != nil {
		l.Print(msg)
	} else {
		log.Print(msg)
	}
	mirror(msg)
}

func Debugf(format string, v ...any) {
	if l := debugSink(); l != nil {
		l.Printf(format, v...)
	}
}

// Packet logs a truncated hex dump of a frame at debug level.
func Packet(prefix string, data []byte) {
	l := debugSink()
	if l == nil {
		return
	}
	l.Print(Dump(prefix, data))
}

// Dump formats data the way Packet logs it.
func Dump(prefix string, data []byte) string {
	n := len(data)
	dump := data
	if DumpLen > 0 && n > DumpLen {
		dump = data[:DumpLen]
	}
	return fmt.Sprintf("%s len=%d payload=% x", prefix, n, dump)
}

func mirror(msg string) {
	if Silent || Console == nil {
		return
	}
	Console(msg)
}
