// Copyright 2011 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package wire

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"
)

// Frame kinds. Each frame is one line: the kind, the query id and the
// frame's fields, separated by tabs.
//
//	client -> server
//	  Q <id> <sql>      run a query
//	  P                 no-op, used as a liveness probe; never answered
//	server -> client
//	  H <id> <cols...>  result header
//	  R <id> <vals...>  one row
//	  E <id>            end of result
//	  X <id> <message>  query failed; ends the result
const (
	kindQuery  = 'Q'
	kindProbe  = 'P'
	kindHeader = 'H'
	kindRow    = 'R'
	kindEnd    = 'E'
	kindError  = 'X'
)

type frame struct {
	kind   byte
	id     uint64
	fields []string
}

func (f frame) String() string {
	return fmt.Sprintf("%c %d %q", f.kind, f.id, f.fields)
}

var escaper = strings.NewReplacer(`\`, `\\`, "\t", `\t`, "\n", `\n`, "\r", `\r`)

func unescape(s string) string {
	if strings.IndexByte(s, '\\') < 0 {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' || i+1 == len(s) {
			b.WriteByte(c)
			continue
		}
		i++
		switch s[i] {
		case 't':
			b.WriteByte('\t')
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

func writeFrame(w *bufio.Writer, f frame) error {
	w.WriteByte(f.kind)
	if f.kind != kindProbe {
		w.WriteByte('\t')
		w.WriteString(strconv.FormatUint(f.id, 10))
	}
	for _, field := range f.fields {
		w.WriteByte('\t')
		escaper.WriteString(w, field)
	}
	return w.WriteByte('\n')
}

func parseFrame(line string) (frame, error) {
	if line == "" {
		return frame{}, fmt.Errorf("wire: empty frame")
	}

	f := frame{kind: line[0]}
	if f.kind == kindProbe {
		return f, nil
	}

	parts := strings.Split(line, "\t")
	if len(parts[0]) != 1 || len(parts) < 2 {
		return frame{}, fmt.Errorf("wire: malformed frame %q", line)
	}

	id, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return frame{}, fmt.Errorf("wire: malformed frame id %q: %w", parts[1], err)
	}
	f.id = id

	for _, p := range parts[2:] {
		f.fields = append(f.fields, unescape(p))
	}
	return f, nil
}

// Row values travel as typed text: "i:<int>", "f:<float>", "s:<string>",
// "b:<bool>" or "n:" for NULL.

func encodeValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "n:"
	case int:
		return "i:" + strconv.FormatInt(int64(x), 10)
	case int64:
		return "i:" + strconv.FormatInt(x, 10)
	case float64:
		return "f:" + strconv.FormatFloat(x, 'g', -1, 64)
	case bool:
		return "b:" + strconv.FormatBool(x)
	case string:
		return "s:" + x
	default:
		return "s:" + fmt.Sprint(x)
	}
}

func decodeValue(s string) (any, error) {
	if len(s) < 2 || s[1] != ':' {
		return nil, fmt.Errorf("wire: malformed value %q", s)
	}

	text := s[2:]
	switch s[0] {
	case 'n':
		return nil, nil
	case 'i':
		return strconv.ParseInt(text, 10, 64)
	case 'f':
		return strconv.ParseFloat(text, 64)
	case 'b':
		return strconv.ParseBool(text)
	case 's':
		return text, nil
	}
	return nil, fmt.Errorf("wire: unknown value type %q", s[0])
}
