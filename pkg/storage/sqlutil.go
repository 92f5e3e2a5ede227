package storage

import (
	"fmt"
	"strings"
)

// TranslatePlaceholders converts `?` placeholders to Postgres `$N` form,
// numbering from start. It respects single-quoted literals (including the
// '' escape) and treats `??` as an escaped literal question mark. SQL that
// carries no `?` placeholders passes through unchanged, which makes the
// translation idempotent on already-numbered statements.
func TranslatePlaceholders(sql string, start int) string {
	if !strings.ContainsRune(sql, '?') {
		return sql
	}
	var b strings.Builder
	b.Grow(len(sql) + 8)
	n := start
	inQuote := false
	for i := 0; i < len(sql); i++ {
		c := sql[i]
		switch {
		case c == '\'':
			// '' inside a literal stays inside it.
			if inQuote && i+1 < len(sql) && sql[i+1] == '\'' {
				b.WriteString("''")
				i++
				continue
			}
			inQuote = !inQuote
			b.WriteByte(c)
		case c == '?' && !inQuote:
			if i+1 < len(sql) && sql[i+1] == '?' {
				b.WriteByte('?')
				i++
				continue
			}
			fmt.Fprintf(&b, "$%d", n)
			n++
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// InjectUserScope adds a tenant predicate to a SELECT/UPDATE/DELETE
// statement. When userID is non-empty the predicate is `user_id = ?` and
// userID is appended to params; otherwise it is `user_id IS NULL`.
//
// The predicate is inserted in the outer query only: tail clauses (ORDER
// BY, GROUP BY, LIMIT, OFFSET) at parenthesis depth 0 stay behind it, and
// clauses inside subqueries are ignored. A statement that already has a
// depth-0 WHERE gets the predicate ANDed onto it.
func InjectUserScope(sql, userID string, params []interface{}) (string, []interface{}) {
	pred := "user_id IS NULL"
	if userID != "" {
		pred = "user_id = ?"
	}

	whereAt, tailAt := scanClausePositions(sql)

	var b strings.Builder
	b.Grow(len(sql) + len(pred) + 8)
	switch {
	case whereAt >= 0:
		// Wrap the existing depth-0 WHERE body so OR chains stay scoped.
		body := sql[whereAt+len("where"):]
		bodyEnd := len(body)
		if tailAt >= 0 {
			bodyEnd = tailAt - (whereAt + len("where"))
		}
		b.WriteString(sql[:whereAt])
		b.WriteString("WHERE (")
		b.WriteString(strings.TrimSpace(body[:bodyEnd]))
		b.WriteString(") AND ")
		b.WriteString(pred)
		if tailAt >= 0 {
			b.WriteString(" ")
			b.WriteString(sql[tailAt:])
		}
	case tailAt >= 0:
		b.WriteString(strings.TrimRight(sql[:tailAt], " \t\n"))
		b.WriteString(" WHERE ")
		b.WriteString(pred)
		b.WriteString(" ")
		b.WriteString(sql[tailAt:])
	default:
		b.WriteString(strings.TrimRight(sql, " \t\n;"))
		b.WriteString(" WHERE ")
		b.WriteString(pred)
	}

	if userID != "" {
		params = append(params, userID)
	}
	return b.String(), params
}

// scanClausePositions finds the byte offsets of the depth-0 WHERE and of the
// first depth-0 tail clause (ORDER BY / GROUP BY / LIMIT / OFFSET). Either
// is -1 when absent. Quoted literals are skipped.
func scanClausePositions(sql string) (whereAt, tailAt int) {
	whereAt, tailAt = -1, -1
	depth := 0
	inQuote := false
	lower := strings.ToLower(sql)
	for i := 0; i < len(lower); i++ {
		c := lower[i]
		switch {
		case c == '\'':
			if inQuote && i+1 < len(lower) && lower[i+1] == '\'' {
				i++
				continue
			}
			inQuote = !inQuote
		case inQuote:
		case c == '(':
			depth++
		case c == ')':
			depth--
		case depth == 0 && isWordStart(lower, i):
			switch {
			case strings.HasPrefix(lower[i:], "where") && isWordEnd(lower, i+5):
				if whereAt < 0 {
					whereAt = i
				}
			case tailAt < 0 && hasTailKeyword(lower[i:]):
				tailAt = i
				return whereAt, tailAt
			}
		}
	}
	return whereAt, tailAt
}

func hasTailKeyword(s string) bool {
	for _, kw := range []string{"order by", "group by", "limit", "offset"} {
		if strings.HasPrefix(s, kw) && isWordEnd(s, len(kw)) {
			return true
		}
	}
	return false
}

func isWordStart(s string, i int) bool {
	if i == 0 {
		return true
	}
	prev := s[i-1]
	return prev == ' ' || prev == '\t' || prev == '\n' || prev == ')' || prev == '('
}

func isWordEnd(s string, i int) bool {
	if i >= len(s) {
		return true
	}
	c := s[i]
	return c == ' ' || c == '\t' || c == '\n' || c == '(' || c == ';'
}
