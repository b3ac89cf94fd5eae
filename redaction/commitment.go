package redaction

import "fmt"

// Commitment holds the transcript ranges that will be disclosed in a proof.
type Commitment struct {
	Sent []ByteRange `json:"sent"`
	Recv []ByteRange `json:"recv"`
}

// Secrets lists what must stay hidden in each transcript direction.
type Secrets struct {
	Headers   []string `json:"secretHeaders,omitempty"`   // request header lines, matched case-insensitively
	Resps     []string `json:"secretResps,omitempty"`     // response substrings, matched exactly
	JSONPaths []string `json:"secretJsonPaths,omitempty"` // JSONPath expressions into the response body
	XPaths    []string `json:"secretXPaths,omitempty"`    // XPath expressions into an HTML response body
}

// BuildCommitment locates secrets in the sent and received transcripts and
// returns the complementary disclosed ranges. Overlapping located secrets are
// merged before subtraction; a hidden region never shrinks by merging.
func BuildCommitment(secrets Secrets, sent, recv []byte) (Commitment, error) {
	sentSecrets := Consolidate(LocateFold(secrets.Headers, sent))
	sentRanges, err := SubtractRanges(ByteRange{Start: 0, End: len(sent)}, sentSecrets)
	if err != nil {
		return Commitment{}, fmt.Errorf("sent transcript: %w", err)
	}

	recvSecrets := Locate(secrets.Resps, recv)
	jsonSecrets, err := LocateJSONPath(recv, secrets.JSONPaths)
	if err != nil {
		return Commitment{}, fmt.Errorf("received transcript: %w", err)
	}
	htmlSecrets, err := LocateXPath(recv, secrets.XPaths)
	if err != nil {
		return Commitment{}, fmt.Errorf("received transcript: %w", err)
	}
	recvSecrets = append(recvSecrets, jsonSecrets...)
	recvSecrets = Consolidate(append(recvSecrets, htmlSecrets...))
	recvRanges, err := SubtractRanges(ByteRange{Start: 0, End: len(recv)}, recvSecrets)
	if err != nil {
		return Commitment{}, fmt.Errorf("received transcript: %w", err)
	}

	return Commitment{Sent: sentRanges, Recv: recvRanges}, nil
}
