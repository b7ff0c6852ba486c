// Package sseutil provides shared SSE line reading and chunk building
// utilities for the driver adapters.
package sseutil

import (
	"bufio"
	"io"
	"strings"
)

const maxLineSize = 64 * 1024 // 64KB per SSE line

// NewScanner returns a bufio.Scanner sized for SSE lines. Each Scan yields
// one line without the trailing newline.
func NewScanner(r io.Reader) *bufio.Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 4096), maxLineSize)
	return s
}

// ParseSSELine splits one SSE line into its event type and data payload.
// Empty lines, comments, and malformed lines return ok=false.
//
//	"event: <type>"   -> event=type, data="", ok=true
//	"data: <payload>" -> event="", data=payload, ok=true
func ParseSSELine(line string) (event, data string, ok bool) {
	if line == "" || line[0] == ':' {
		return "", "", false
	}

	key, value, found := strings.Cut(line, ":")
	if !found {
		return "", "", false
	}
	// Optional single space after the colon per the SSE grammar.
	value = strings.TrimPrefix(value, " ")

	switch key {
	case "event":
		return value, "", true
	case "data":
		return "", value, true
	default:
		return "", "", false
	}
}
