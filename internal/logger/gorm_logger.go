package logger

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"
	gormlogger "gorm.io/gorm/logger"
)

// GormLogger implements gormlogger.Interface on top of zerolog.
type GormLogger struct {
	log           zerolog.Logger
	level         gormlogger.LogLevel
	slowThreshold time.Duration
}

func NewGormLogger(log zerolog.Logger, slowThreshold time.Duration) *GormLogger {
	return &GormLogger{
		log:           log.With().Str("component", "gorm").Logger(),
		level:         gormlogger.Warn,
		slowThreshold: slowThreshold,
	}
}

func (l *GormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	cp := *l
	cp.level = level
	return &cp
}

func (l *GormLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	if l.level >= gormlogger.Info {
		l.log.Info().Interface("data", data).Msg(msg)
	}
}

func (l *GormLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	if l.level >= gormlogger.Warn {
		l.log.Warn().Interface("data", data).Msg(msg)
	}
}

func (l *GormLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	if l.level >= gormlogger.Error {
		l.log.Error().Interface("data", data).Msg(msg)
	}
}

func (l *GormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}

	elapsed := time.Since(begin)
	switch {
	case err != nil && l.level >= gormlogger.Error && !errors.Is(err, gormlogger.ErrRecordNotFound):
		sql, rows := fc()
		l.log.Error().Err(err).Str("sql", strings.TrimSpace(sql)).Int64("rows", rows).
			Int64("duration_ms", elapsed.Milliseconds()).Msg("gorm.query")
	case l.slowThreshold > 0 && elapsed > l.slowThreshold && l.level >= gormlogger.Warn:
		sql, rows := fc()
		l.log.Warn().Str("sql", strings.TrimSpace(sql)).Int64("rows", rows).
			Int64("duration_ms", elapsed.Milliseconds()).Msg("gorm.slow_query")
	case l.level >= gormlogger.Info:
		sql, rows := fc()
		l.log.Debug().Str("sql", strings.TrimSpace(sql)).Int64("rows", rows).
			Int64("duration_ms", elapsed.Milliseconds()).Msg("gorm.query")
	}
}

// ParamsFilter keeps bound values out of logged SQL.
func (l *GormLogger) ParamsFilter(ctx context.Context, sql string, params ...interface{}) (string, []interface{}) {
	return sql, nil
}

var _ gormlogger.Interface = (*GormLogger)(nil)
