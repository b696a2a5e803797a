package db

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/jackc/pgx/v5"

	"github.com/gitshopapp/billing/internal/logging"
)

const slowQueryThreshold = 250 * time.Millisecond

type queryTraceKey struct{}

type queryTrace struct {
	span    *sentry.Span
	sql     string
	started time.Time
}

// queryTracer opens a Sentry span per statement when the caller is already traced,
// and logs statements slower than slowQueryThreshold either way.
type queryTracer struct {
	logger *slog.Logger
}

func newQueryTracer(logger *slog.Logger) *queryTracer {
	return &queryTracer{logger: logger}
}

func (t *queryTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	trace := &queryTrace{sql: normalizeQuery(data.SQL), started: time.Now()}

	if sentry.SpanFromContext(ctx) != nil {
		span := sentry.StartSpan(
			ctx,
			"db.query",
			sentry.WithDescription(trace.sql),
			sentry.WithSpanOrigin(sentry.SpanOriginManual),
		)
		span.SetData("db.system", "postgresql")
		if operation := queryOperation(trace.sql); operation != "" {
			span.SetData("db.operation", operation)
		}
		if table := queryTable(trace.sql); table != "" {
			span.SetData("db.sql.table", table)
		}
		trace.span = span
		ctx = span.Context()
	}

	return context.WithValue(ctx, queryTraceKey{}, trace)
}

func (t *queryTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	trace, _ := ctx.Value(queryTraceKey{}).(*queryTrace)
	if trace == nil {
		return
	}

	if elapsed := time.Since(trace.started); elapsed >= slowQueryThreshold {
		logging.FromContext(ctx, t.logger).Warn("slow query",
			"query", trace.sql,
			"duration_ms", elapsed.Milliseconds(),
		)
	}

	span := trace.span
	if span == nil {
		return
	}
	if data.Err != nil {
		span.Status = sentry.SpanStatusInternalError
		span.SetData("db.error", data.Err.Error())
	} else {
		span.Status = sentry.SpanStatusOK
	}
	if rows := data.CommandTag.RowsAffected(); rows >= 0 {
		span.SetData("db.rows_affected", rows)
	}
	span.Finish()
}

func normalizeQuery(query string) string {
	normalized := strings.Join(strings.Fields(query), " ")
	if normalized == "" {
		return "sql.query"
	}
	const maxLen = 512
	if len(normalized) > maxLen {
		return normalized[:maxLen]
	}
	return normalized
}

func queryOperation(query string) string {
	parts := strings.Fields(query)
	if len(parts) == 0 {
		return ""
	}
	return strings.ToUpper(parts[0])
}

// queryTable returns the first table named after FROM, INTO or UPDATE.
func queryTable(query string) string {
	parts := strings.Fields(query)
	for i := 0; i < len(parts)-1; i++ {
		switch strings.ToUpper(parts[i]) {
		case "FROM", "INTO", "UPDATE":
			name := strings.Trim(parts[i+1], `"(),;`)
			if name != "" && !strings.HasPrefix(name, "$") {
				return strings.ToLower(name)
			}
		}
	}
	return ""
}
