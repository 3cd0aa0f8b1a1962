package repository

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// Dialect adapts the shared timeline query to a SQL backend.
type Dialect struct {
	Placeholder func(n int) string
	Time        func(t time.Time) any
	ID          func(id uuid.UUID) any
}

// PostgresDialect binds $n placeholders and native values.
var PostgresDialect = Dialect{
	Placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
	Time:        func(t time.Time) any { return t },
	ID:          func(id uuid.UUID) any { return id },
}

// BuildTimelineQuery selects (id, type, data, created_at) rows of table for
// one attempt, filtered and ordered per f.
func BuildTimelineQuery(d Dialect, table, dataCol string, attemptID uuid.UUID, f model.TimelineFilter) (string, []any) {
	args := []any{d.ID(attemptID)}
	next := func(v any) string {
		args = append(args, v)
		return d.Placeholder(len(args))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT id, type, %s, created_at FROM %s WHERE attempt_id = %s", dataCol, table, d.Placeholder(1))

	if len(f.Types) > 0 {
		ph := make([]string, 0, len(f.Types))
		for _, t := range f.Types {
			ph = append(ph, next(t))
		}
		fmt.Fprintf(&b, " AND type IN (%s)", strings.Join(ph, ", "))
	}
	if f.From != nil {
		fmt.Fprintf(&b, " AND created_at >= %s", next(d.Time(*f.From)))
	}
	if f.To != nil {
		fmt.Fprintf(&b, " AND created_at <= %s", next(d.Time(*f.To)))
	}
	if f.Before != nil {
		t1 := next(d.Time(f.Before.T))
		t2 := next(d.Time(f.Before.T))
		id := next(d.ID(f.Before.ID))
		fmt.Fprintf(&b, " AND (created_at < %s OR (created_at = %s AND id < %s))", t1, t2, id)
	}

	if f.Ascending {
		b.WriteString(" ORDER BY created_at ASC, id ASC")
	} else {
		b.WriteString(" ORDER BY created_at DESC, id DESC")
	}
	if take := TimelineTake(f); take > 0 {
		fmt.Fprintf(&b, " LIMIT %s", next(take))
	}
	return b.String(), args
}
