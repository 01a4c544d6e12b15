package cache

import (
	"mime"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"
)

// MetadataFromHeader builds the header part of a Metadata record from an
// origin response. Cached ranges are left empty.
func MetadataFromHeader(sourceURL string, header http.Header) *Metadata {
	m := &Metadata{
		ExpectedContentLength: ExpectedLength(header),
		SourceURL:             sourceURL,
		UpdatedAt:             time.Now(),
	}

	if ct := header.Get("Content-Type"); ct != "" {
		if mediaType, params, err := mime.ParseMediaType(ct); err == nil {
			m.MIMEType = mediaType
			m.TextEncoding = params["charset"]
		} else {
			m.MIMEType = strings.TrimSpace(strings.SplitN(ct, ";", 2)[0])
		}
	}

	m.SuggestedFilename = suggestedFilename(sourceURL, header)
	return m
}

// ExpectedLength returns the total resource size reported by a response.
//
// A Content-Range total ("bytes 0-99/1000") wins over Content-Length, because
// a ranged response reports only the partial body length there. A "*" total
// means the origin does not know the size.
func ExpectedLength(header http.Header) int64 {
	if cr := header.Get("Content-Range"); cr != "" {
		if total, ok := ParseContentRangeTotal(cr); ok {
			return total
		}
		return UnknownLength
	}

	if cl := header.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(strings.TrimSpace(cl), 10, 64); err == nil && n >= 0 {
			return n
		}
	}
	return UnknownLength
}

// ParseContentRangeTotal extracts TOTAL from "bytes X-Y/TOTAL" or
// "bytes */TOTAL". It returns false for "*" or malformed values.
func ParseContentRangeTotal(contentRange string) (int64, bool) {
	parts := strings.Split(contentRange, "/")
	if len(parts) != 2 {
		return 0, false
	}
	total := strings.TrimSpace(parts[1])
	if total == "*" {
		return 0, false
	}
	n, err := strconv.ParseInt(total, 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func suggestedFilename(sourceURL string, header http.Header) string {
	if cd := header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil && params["filename"] != "" {
			return params["filename"]
		}
	}

	u, err := url.Parse(sourceURL)
	if err != nil {
		return ""
	}
	name := path.Base(u.Path)
	if name == "/" || name == "." {
		return ""
	}
	return name
}
