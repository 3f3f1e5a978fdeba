// Copyright (C) 2024 Tracdap, Inc.
// See LICENSE for copying information.

package lifecycle

import (
	"bytes"
	"strings"
)

// condenseStack rewrites a runtime stack dump to one line per goroutine,
// keeping function names and line numbers and dropping file paths and
// creation records, so watchdog logs stay readable. A dump that does not
// parse is returned whole; too big beats nothing.
func condenseStack(dump []byte) []byte {
	var out bytes.Buffer

	for _, block := range strings.Split(strings.TrimSpace(string(dump)), "\n\n") {
		lines := strings.Split(block, "\n")
		header, frames := lines[0], lines[1:]

		if !strings.HasPrefix(header, "goroutine ") {
			return dump
		}
		out.WriteString(strings.TrimSuffix(header, ":"))

		sep := " "
		for i := 0; i+1 < len(frames); i += 2 {
			fn := frames[i]
			if strings.HasPrefix(fn, "created by ") {
				break
			}
			if cut := strings.IndexByte(fn, '('); cut >= 0 {
				fn = fn[:cut]
			}

			// the location line is "\t/path/file.go:123 +0x45"
			line := strings.TrimSpace(frames[i+1])
			if cut := strings.LastIndexByte(line, ':'); cut >= 0 {
				line = line[cut+1:]
			}
			if cut := strings.IndexByte(line, ' '); cut >= 0 {
				line = line[:cut]
			}

			out.WriteString(sep)
			out.WriteString(fn)
			out.WriteByte(':')
			out.WriteString(line)
			sep = " <- "
		}
		out.WriteByte('\n')
	}

	return out.Bytes()
}
