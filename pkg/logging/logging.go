package logging

import (
	"fmt"
	"log"
	"os"
	"sync"
)

var (
	hubID     string
	hubIDOnce sync.Once

	// Async logging channel and worker
	logChan   chan string
	logWorker sync.Once
	logWg     sync.WaitGroup
	logMu     sync.Mutex
)

// initLogWorker starts the async log worker goroutine
func initLogWorker() {
	logMu.Lock()
	defer logMu.Unlock()

	logWorker.Do(func() {
		// Buffered to avoid blocking connection handlers on log I/O.
		logChan = make(chan string, 1000)

		logWg.Add(1)
		go func() {
			defer logWg.Done()
			for msg := range logChan {
				log.Print(msg)
			}
		}()
	})
}

// GetHubID returns the identifier used to tag every log line.
func GetHubID() string {
	hubIDOnce.Do(func() {
		hubID = os.Getenv("NETKVM_HUB_ID")
		if hubID == "" {
			hubID = os.Getenv("HOSTNAME")
		}
		if hubID == "" {
			hostname, _ := os.Hostname()
			if hostname != "" {
				if len(hostname) > 8 {
					hubID = hostname[len(hostname)-8:]
				} else {
					hubID = hostname
				}
			} else {
				hubID = "unknown"
			}
		}
	})
	return hubID
}

// Logf logs a formatted message with hub ID prefix (async, non-blocking)
func Logf(format string, v ...interface{}) {
	initLogWorker()
	msg := fmt.Sprintf(format, v...)
	logMsg := fmt.Sprintf("[hub=%s] %s", GetHubID(), msg)

	// Non-blocking send: if channel is full, fall back to sync logging
	select {
	case logChan <- logMsg:
	default:
		log.Print(logMsg)
	}
}

// Log logs a message with hub ID prefix (async, non-blocking)
func Log(v ...interface{}) {
	initLogWorker()
	msg := fmt.Sprint(v...)
	logMsg := fmt.Sprintf("[hub=%s] %s", GetHubID(), msg)

	select {
	case logChan <- logMsg:
	default:
		log.Print(logMsg)
	}
}

// Fatalf logs a fatal error with hub ID prefix and exits (synchronous)
func Fatalf(format string, v ...interface{}) {
	msg := fmt.Sprintf(format, v...)
	log.Fatalf("[hub=%s] %s", GetHubID(), msg)
}

// Flush waits for all pending log messages to be written
func Flush() {
	logMu.Lock()
	defer logMu.Unlock()

	if logChan != nil {
		close(logChan)
		logWg.Wait()
		logChan = nil
		logWorker = sync.Once{}
	}
}
