package proxy

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// errUnsatisfiable marks a Range header that selects no bytes.
var errUnsatisfiable = errors.New("range not satisfiable")

// byteRange is an inclusive client range. End is -1 when the client asked
// for everything from Start and the length is unknown.
type byteRange struct {
	Start int64
	End   int64
}

// parseRange parses a single-range "bytes=" header against length, which is
// -1 when unknown. The end is clamped to the last byte.
func parseRange(header string, length int64) (byteRange, error) {
	spec, ok := strings.CutPrefix(strings.TrimSpace(header), "bytes=")
	if !ok || strings.Contains(spec, ",") {
		return byteRange{}, fmt.Errorf("unsupported range %q", header)
	}
	first, last, ok := strings.Cut(strings.TrimSpace(spec), "-")
	if !ok {
		return byteRange{}, fmt.Errorf("malformed range %q", header)
	}

	if first == "" {
		n, err := strconv.ParseInt(last, 10, 64)
		if err != nil || n <= 0 {
			return byteRange{}, fmt.Errorf("malformed suffix range %q", header)
		}
		if length <= 0 {
			return byteRange{}, errUnsatisfiable
		}
		if n > length {
			n = length
		}
		return byteRange{Start: length - n, End: length - 1}, nil
	}

	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil || start < 0 {
		return byteRange{}, fmt.Errorf("malformed range start %q", header)
	}
	end := int64(-1)
	if last != "" {
		end, err = strconv.ParseInt(last, 10, 64)
		if err != nil || end < start {
			return byteRange{}, fmt.Errorf("malformed range end %q", header)
		}
	}

	if length >= 0 {
		if start >= length {
			return byteRange{}, errUnsatisfiable
		}
		if end < 0 || end >= length {
			end = length - 1
		}
	}
	return byteRange{Start: start, End: end}, nil
}

// contentRange formats a Content-Range value; a negative length prints "*".
func contentRange(r byteRange, length int64) string {
	total := "*"
	if length >= 0 {
		total = strconv.FormatInt(length, 10)
	}
	return fmt.Sprintf("bytes %d-%d/%s", r.Start, r.End, total)
}
