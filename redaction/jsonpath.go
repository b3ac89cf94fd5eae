package redaction

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	gojson "github.com/coreos/go-json"
	jp "github.com/reclaimprotocol/jsonpathplus-go"
)

var headerTerminator = []byte("\r\n\r\n")

// LocateJSONPath evaluates each JSONPath expression against the JSON body of
// an HTTP response transcript and returns the byte ranges of the matched
// values, in transcript coordinates. Expressions with no match are omitted.
func LocateJSONPath(transcript []byte, exprs []string) ([]ByteRange, error) {
	if len(exprs) == 0 {
		return nil, nil
	}

	bodyStart := bytes.Index(transcript, headerTerminator)
	if bodyStart < 0 {
		return nil, fmt.Errorf("response has no header terminator")
	}
	bodyStart += len(headerTerminator)
	body := transcript[bodyStart:]

	// parse once to a Node tree carrying byte offsets
	var root gojson.Node
	if err := gojson.Unmarshal(body, &root); err != nil {
		return nil, fmt.Errorf("failed to parse response body as JSON: %w", err)
	}

	var ranges []ByteRange
	for _, expr := range exprs {
		results, err := jp.Query(expr, string(body))
		if err != nil {
			return nil, fmt.Errorf("JSONPath query %q failed: %w", expr, err)
		}
		for _, r := range results {
			n, err := findNodeBySegments(&root, jsonPathToSegments(r.Path))
			if err != nil {
				return nil, fmt.Errorf("failed to resolve path %q: %w", r.Path, err)
			}
			// go-json End is inclusive
			start := n.Start
			end := min(n.End+1, len(body))
			if start < 0 || start > end {
				return nil, fmt.Errorf("invalid range computed for path %q: [%d,%d)", r.Path, start, end)
			}
			ranges = append(ranges, ByteRange{Start: bodyStart + start, End: bodyStart + end})
		}
	}
	return ranges, nil
}

// jsonPathToSegments converts a normalized path like $['a'][1]['b'] or $.a[1].b
// to segments ["a","1","b"].
func jsonPathToSegments(path string) []string {
	p := strings.TrimPrefix(path, "$")
	p = strings.TrimPrefix(p, ".")
	if p == "" {
		return nil
	}
	var segments []string
	var cur strings.Builder
	inBracket := false
	for _, r := range p {
		switch {
		case r == '.' && !inBracket:
			if cur.Len() > 0 {
				segments = append(segments, cur.String())
				cur.Reset()
			}
			continue
		case r == '[' && !inBracket:
			if cur.Len() > 0 {
				segments = append(segments, cur.String())
				cur.Reset()
			}
			inBracket = true
			continue
		case r == ']' && inBracket:
			segments = append(segments, strings.Trim(cur.String(), "'\""))
			cur.Reset()
			inBracket = false
			continue
		}
		cur.WriteRune(r)
	}
	if cur.Len() > 0 {
		segments = append(segments, cur.String())
	}
	return segments
}

func findNodeBySegments(node *gojson.Node, segments []string) (*gojson.Node, error) {
	cur := node
	for i, seg := range segments {
		switch v := cur.Value.(type) {
		case map[string]gojson.Node:
			next, ok := v[seg]
			if !ok {
				return nil, fmt.Errorf("object key %q not found at segment %d", seg, i)
			}
			cur = &next
		case []gojson.Node:
			idx, err := strconv.Atoi(seg)
			if err != nil {
				return nil, fmt.Errorf("invalid array index %q at segment %d", seg, i)
			}
			if idx < 0 || idx >= len(v) {
				return nil, fmt.Errorf("array index %d out of bounds at segment %d", idx, i)
			}
			cur = &v[idx]
		default:
			return nil, fmt.Errorf("cannot traverse into %T at segment %d", v, i)
		}
	}
	return cur, nil
}
