// Package logger provides structured loggers for the components of the SDC
// stack. It wraps logrus and exposes category-specific log entries such as
// MdibLog, DiscoveryLog, etc. The logging level and caller reporting can be
// adjusted at runtime via InitLog.
package logger

import (
	"fmt"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
)

const (
	moduleNameSDC = "SDC"
)

var (
	initOnce sync.Once

	// MainLog is the primary logger for high-level lifecycle events
	// (startup, shutdown, major state transitions).
	MainLog *log.Entry

	// CfgLog is used for configuration loading, validation, and printing.
	CfgLog *log.Entry

	// MdibLog covers the MDIB store: indexing, invariant checks, snapshots.
	MdibLog *log.Entry

	// TransactionLog covers the transaction manager: commit/rollback,
	// version bumps, change-set construction.
	TransactionLog *log.Entry

	// ReportLog covers the consumer-side report processor: ordering, gap
	// detection, gap recovery.
	ReportLog *log.Entry

	// SubscriptionLog covers the provider subscription manager: filter
	// matching, fan-out, renew/expire.
	SubscriptionLog *log.Entry

	// SubscriptionClientLog covers the consumer subscription client:
	// subscribe/renew/unsubscribe lifecycle.
	SubscriptionClientLog *log.Entry

	// DiscoveryLog covers the WS-Discovery engine: probe/resolve/hello/bye.
	DiscoveryLog *log.Entry

	// DispatchLog covers the SOAP/DPWS dispatcher: action routing, faults.
	DispatchLog *log.Entry

	// RoleLog covers role glue: operation handlers, waveform/alert sources.
	RoleLog *log.Entry
)

// InitLog configures the global logrus settings and initializes all category
// loggers. It is safe to call multiple times; the first call wins.
// Subsequent calls will update the log level and reportCaller flag.
func InitLog(levelString string, reportCaller bool) error {
	var initErr error

	initOnce.Do(func() {
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		})

		log.SetLevel(log.InfoLevel)
		log.SetReportCaller(reportCaller)

		MainLog = log.WithFields(log.Fields{"module": moduleNameSDC, "category": "MAIN"})
		CfgLog = log.WithFields(log.Fields{"module": moduleNameSDC, "category": "CFG"})
		MdibLog = log.WithFields(log.Fields{"module": moduleNameSDC, "category": "MDIB"})
		TransactionLog = log.WithFields(log.Fields{"module": moduleNameSDC, "category": "TRANSACTION"})
		ReportLog = log.WithFields(log.Fields{"module": moduleNameSDC, "category": "REPORT"})
		SubscriptionLog = log.WithFields(log.Fields{"module": moduleNameSDC, "category": "SUBSCRIPTION"})
		SubscriptionClientLog = log.WithFields(log.Fields{"module": moduleNameSDC, "category": "SUBSCRIPTION_CLIENT"})
		DiscoveryLog = log.WithFields(log.Fields{"module": moduleNameSDC, "category": "DISCOVERY"})
		DispatchLog = log.WithFields(log.Fields{"module": moduleNameSDC, "category": "DISPATCH"})
		RoleLog = log.WithFields(log.Fields{"module": moduleNameSDC, "category": "ROLE"})
	})

	parsedLevel, parseErr := parseLogLevel(levelString)
	if parseErr != nil {
		log.SetLevel(log.InfoLevel)
		if CfgLog != nil {
			CfgLog.Warnf("invalid log level %q, falling back to info: %v", levelString, parseErr)
		}
		initErr = parseErr
	} else {
		log.SetLevel(parsedLevel)
	}

	log.SetReportCaller(reportCaller)

	return initErr
}

// parseLogLevel converts a string log level (case-insensitive) into a logrus.Level.
func parseLogLevel(levelString string) (log.Level, error) {
	normalized := strings.ToLower(strings.TrimSpace(levelString))

	switch normalized {
	case "trace":
		return log.TraceLevel, nil
	case "debug":
		return log.DebugLevel, nil
	case "info":
		return log.InfoLevel, nil
	case "warn", "warning":
		return log.WarnLevel, nil
	case "error":
		return log.ErrorLevel, nil
	case "fatal":
		return log.FatalLevel, nil
	case "panic":
		return log.PanicLevel, nil
	default:
		return log.InfoLevel, fmt.Errorf("unknown log level: %s", levelString)
	}
}
