package redaction

import (
	"bytes"
	"fmt"

	xp "github.com/reclaimprotocol/xpath-go"
)

// LocateXPath evaluates each XPath expression against the HTML body of an
// HTTP response transcript and returns the byte ranges of the matched
// elements' contents, in transcript coordinates. Expressions with no match
// are omitted.
func LocateXPath(transcript []byte, exprs []string) ([]ByteRange, error) {
	if len(exprs) == 0 {
		return nil, nil
	}

	bodyStart := bytes.Index(transcript, headerTerminator)
	if bodyStart < 0 {
		return nil, fmt.Errorf("response has no header terminator")
	}
	bodyStart += len(headerTerminator)
	body := string(transcript[bodyStart:])

	var ranges []ByteRange
	for _, expr := range exprs {
		matches, err := xp.QueryWithOptions(expr, body, xp.Options{
			IncludeLocation: true,
			OutputFormat:    "nodes",
			ContentsOnly:    true,
		})
		if err != nil {
			return nil, fmt.Errorf("XPath query %q failed: %w", expr, err)
		}
		for _, m := range matches {
			start, end := m.StartLocation, min(m.EndLocation, len(body))
			if start < 0 || start > end {
				return nil, fmt.Errorf("invalid range computed for XPath %q: [%d,%d)", expr, start, end)
			}
			if start == end {
				continue
			}
			ranges = append(ranges, ByteRange{Start: bodyStart + start, End: bodyStart + end})
		}
	}
	return ranges, nil
}
