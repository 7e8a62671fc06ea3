package ctxstore

import (
	"errors"
	"strconv"
	"strings"

	"github.com/roach88/meshsync/internal/fault"
)

// ErrInvalidPath is wrapped by every path error. It also matches
// fault.ErrInvalidParams.
var ErrInvalidPath = errors.New("invalid path")

// Separator splits path segments.
const Separator = "."

// ParsePath splits a dot-separated path into segments.
// An empty path or an empty segment is invalid.
func ParsePath(path string) ([]string, error) {
	if path == "" {
		return nil, invalidPath(path, "empty path")
	}
	segs := strings.Split(path, Separator)
	for _, s := range segs {
		if s == "" {
			return nil, invalidPath(path, "empty segment")
		}
	}
	return segs, nil
}

// JoinPath is the inverse of ParsePath.
func JoinPath(segs []string) string {
	return strings.Join(segs, Separator)
}

// arrayIndex parses seg as an index into an array of length n.
func arrayIndex(seg string, n int) (int, bool) {
	idx, err := strconv.Atoi(seg)
	if err != nil || idx < 0 || idx >= n {
		return 0, false
	}
	// Reject "+1" and "01" so that one element has exactly one path.
	if strconv.Itoa(idx) != seg {
		return 0, false
	}
	return idx, true
}

func invalidPath(path, msg string) error {
	return &fault.Error{
		Code: fault.CodeInvalidParams,
		Op:   "ctx",
		Msg:  msg + " " + strconv.Quote(path),
		Err:  ErrInvalidPath,
	}
}
