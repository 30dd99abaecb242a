// Package gokitlog adapts a github.com/go-kit/kit/log.Logger to the
// github.com/fclairamb/go-log.Logger interface the proxy and session accept,
// the same adapter shape the teacher library shipped before go-log was
// split into its own module.
package gokitlog

import (
	"fmt"

	gklog "github.com/go-kit/kit/log"
	gklevel "github.com/go-kit/kit/log/level"

	log "github.com/fclairamb/go-log"
)

type gkLogger struct {
	logger gklog.Logger
}

// New wraps a go-kit logger so it satisfies log.Logger.
func New(logger gklog.Logger) log.Logger {
	return &gkLogger{logger: logger}
}

func (l *gkLogger) checkError(err error) {
	if err != nil {
		fmt.Println("logging failed:", err) //nolint:forbidigo
	}
}

func (l *gkLogger) log(leveled gklog.Logger, event string, keyvals ...interface{}) {
	kv := append([]interface{}{"event", event}, keyvals...)
	l.checkError(leveled.Log(kv...))
}

func (l *gkLogger) Debug(event string, keyvals ...interface{}) {
	l.log(gklevel.Debug(l.logger), event, keyvals...)
}

func (l *gkLogger) Info(event string, keyvals ...interface{}) {
	l.log(gklevel.Info(l.logger), event, keyvals...)
}

func (l *gkLogger) Warn(event string, keyvals ...interface{}) {
	l.log(gklevel.Warn(l.logger), event, keyvals...)
}

func (l *gkLogger) Error(event string, err error, keyvals ...interface{}) {
	kv := append([]interface{}{"err", err}, keyvals...)
	l.log(gklevel.Error(l.logger), event, kv...)
}

func (l *gkLogger) With(keyvals ...interface{}) log.Logger {
	return New(gklog.With(l.logger, keyvals...))
}
