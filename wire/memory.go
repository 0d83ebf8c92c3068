// Copyright 2011 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package wire

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

// MemoryHandler is an in-memory table store understanding a handful of
// statements:
//
//	CREATE TABLE t (a, b, ...)
//	INSERT INTO t VALUES (1, 'x'), (2, 'y')
//	SELECT * FROM t [WHERE col = literal]
//	SELECT * FROM numbers(N)
//	SELECT literal
//
// Keywords are case-insensitive. Literals are integers, floats,
// single-quoted strings, true, false and NULL.
type MemoryHandler struct {
	mu     sync.RWMutex
	tables map[string]*table
}

type table struct {
	columns []string
	rows    [][]any
}

var _ Handler = (*MemoryHandler)(nil)

// NewMemoryHandler returns an empty MemoryHandler.
func NewMemoryHandler() *MemoryHandler {
	return &MemoryHandler{tables: make(map[string]*table)}
}

var (
	createRE  = regexp.MustCompile(`(?is)^CREATE\s+TABLE\s+(\w+)\s*\((.*)\)$`)
	insertRE  = regexp.MustCompile(`(?is)^INSERT\s+INTO\s+(\w+)\s+VALUES\s*(.+)$`)
	numbersRE = regexp.MustCompile(`(?is)^SELECT\s+\*\s+FROM\s+numbers\s*\(\s*(\d+)\s*\)$`)
	selectRE  = regexp.MustCompile(`(?is)^SELECT\s+\*\s+FROM\s+(\w+)(?:\s+WHERE\s+(\w+)\s*=\s*(.+))?$`)
	literalRE = regexp.MustCompile(`(?is)^SELECT\s+(.+)$`)
)

// Query runs one statement.
func (h *MemoryHandler) Query(ctx context.Context, query string) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	q := strings.TrimSuffix(strings.TrimSpace(query), ";")
	switch {
	case createRE.MatchString(q):
		m := createRE.FindStringSubmatch(q)
		return h.create(m[1], m[2])
	case insertRE.MatchString(q):
		m := insertRE.FindStringSubmatch(q)
		return h.insert(m[1], m[2])
	case numbersRE.MatchString(q):
		m := numbersRE.FindStringSubmatch(q)
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return nil, err
		}
		res := &Result{Columns: []string{"number"}, Rows: make([][]any, n)}
		for i := range res.Rows {
			res.Rows[i] = []any{int64(i)}
		}
		return res, nil
	case selectRE.MatchString(q):
		m := selectRE.FindStringSubmatch(q)
		return h.selectRows(m[1], m[2], m[3])
	case literalRE.MatchString(q):
		m := literalRE.FindStringSubmatch(q)
		text := strings.TrimSpace(m[1])
		v, err := parseLiteral(text)
		if err != nil {
			return nil, err
		}
		return &Result{Columns: []string{text}, Rows: [][]any{{v}}}, nil
	}
	return nil, fmt.Errorf("syntax error: %q", query)
}

func (h *MemoryHandler) create(name, cols string) (*Result, error) {
	t := &table{}
	for _, c := range strings.Split(cols, ",") {
		fields := strings.Fields(c)
		if len(fields) == 0 {
			return nil, fmt.Errorf("syntax error: empty column in %q", cols)
		}
		t.columns = append(t.columns, fields[0])
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, dup := h.tables[name]; dup {
		return nil, fmt.Errorf("table %s already exists", name)
	}
	h.tables[name] = t
	return &Result{}, nil
}

func (h *MemoryHandler) insert(name, values string) (*Result, error) {
	tuples, err := splitTuples(values)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.tables[name]
	if !ok {
		return nil, fmt.Errorf("table %s doesn't exist", name)
	}

	rows := make([][]any, 0, len(tuples))
	for _, tuple := range tuples {
		lits := splitList(tuple)
		if len(lits) != len(t.columns) {
			return nil, fmt.Errorf("table %s has %d columns, got %d values", name, len(t.columns), len(lits))
		}
		row := make([]any, len(lits))
		for i, lit := range lits {
			if row[i], err = parseLiteral(lit); err != nil {
				return nil, err
			}
		}
		rows = append(rows, row)
	}
	t.rows = append(t.rows, rows...)
	return &Result{}, nil
}

func (h *MemoryHandler) selectRows(name, col, lit string) (*Result, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	t, ok := h.tables[name]
	if !ok {
		return nil, fmt.Errorf("table %s doesn't exist", name)
	}

	res := &Result{Columns: append([]string(nil), t.columns...)}
	if col == "" {
		for _, row := range t.rows {
			res.Rows = append(res.Rows, append([]any(nil), row...))
		}
		return res, nil
	}

	idx := -1
	for i, c := range t.columns {
		if strings.EqualFold(c, col) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("unknown column %s in table %s", col, name)
	}
	want, err := parseLiteral(strings.TrimSpace(lit))
	if err != nil {
		return nil, err
	}
	for _, row := range t.rows {
		if row[idx] == want {
			res.Rows = append(res.Rows, append([]any(nil), row...))
		}
	}
	return res, nil
}

func parseLiteral(s string) (any, error) {
	switch {
	case strings.EqualFold(s, "null"):
		return nil, nil
	case strings.EqualFold(s, "true"):
		return true, nil
	case strings.EqualFold(s, "false"):
		return false, nil
	case len(s) >= 2 && s[0] == '\'' && s[len(s)-1] == '\'':
		return strings.ReplaceAll(s[1:len(s)-1], "''", "'"), nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f, nil
	}
	return nil, fmt.Errorf("syntax error: bad literal %q", s)
}

// splitTuples splits "(a, b), (c, d)" into "a, b" and "c, d".
func splitTuples(s string) ([]string, error) {
	var tuples []string
	depth, start, quoted := 0, 0, false
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c == '\'':
			quoted = !quoted
		case quoted:
		case c == '(':
			if depth == 0 {
				start = i + 1
			}
			depth++
		case c == ')':
			depth--
			if depth == 0 {
				tuples = append(tuples, s[start:i])
			}
			if depth < 0 {
				return nil, fmt.Errorf("syntax error: unbalanced parentheses in %q", s)
			}
		}
	}
	if depth != 0 || quoted || len(tuples) == 0 {
		return nil, fmt.Errorf("syntax error: bad VALUES list %q", s)
	}
	return tuples, nil
}

// splitList splits a comma separated list of literals, respecting quotes.
func splitList(s string) []string {
	var out []string
	start, quoted := 0, false
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\'':
			quoted = !quoted
		case ',':
			if !quoted {
				out = append(out, strings.TrimSpace(s[start:i]))
				start = i + 1
			}
		}
	}
	return append(out, strings.TrimSpace(s[start:]))
}
