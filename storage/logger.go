package storage

import (
	"github.com/dgraph-io/badger/v4"

	"github.com/smartcontractkit/chainlink-common/pkg/logger"
)

// badgerLogger adapts our logger to badger's Logger interface.
type badgerLogger struct {
	lggr logger.Logger
}

func newBadgerLogger(lggr logger.Logger) badger.Logger {
	return &badgerLogger{logger.Named(lggr, "BadgerDB")}
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.lggr.Errorf(format, args...)
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.lggr.Warnf(format, args...)
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.lggr.Infof(format, args...)
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.lggr.Debugf(format, args...)
}
