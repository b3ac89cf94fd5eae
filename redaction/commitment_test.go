package redaction

import (
	"bytes"
	"errors"
	"reflect"
	"testing"
)

func TestBuildCommitmentHidesHeaderLine(t *testing.T) {
	sent := []byte("GET /a HTTP/1.1\r\nAuthorization: secret123\r\n\r\n")
	recv := []byte("HTTP/1.1 200 OK\r\n\r\nhello")

	c, err := BuildCommitment(Secrets{Headers: []string{"authorization: secret123"}}, sent, recv)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	start := bytes.Index(sent, []byte("Authorization"))
	end := start + len("Authorization: secret123")
	want := []ByteRange{{0, start}, {end, len(sent)}}
	if !reflect.DeepEqual(c.Sent, want) {
		t.Errorf("sent ranges = %v, want %v", c.Sent, want)
	}
	if !reflect.DeepEqual(c.Recv, []ByteRange{{0, len(recv)}}) {
		t.Errorf("recv ranges = %v, want whole transcript", c.Recv)
	}

	masked := Mask(sent, c.Sent, 'X')
	if bytes.Contains(masked, []byte("secret123")) {
		t.Error("secret still visible after masking")
	}
}

func TestBuildCommitmentOverlappingSecretsMerged(t *testing.T) {
	recv := []byte("HTTP/1.1 200 OK\r\n\r\nbalance=1000;owner=alice")
	c, err := BuildCommitment(Secrets{Resps: []string{"balance=1000", "1000;owner"}}, nil, recv)
	if err != nil {
		t.Fatalf("overlapping located secrets should be merged, got %v", err)
	}
	hidden := len(recv) - TotalLen(c.Recv)
	if hidden != len("balance=1000;owner") {
		t.Errorf("hidden %d bytes, want %d", hidden, len("balance=1000;owner"))
	}
}

func TestBuildCommitmentJSONPath(t *testing.T) {
	recv := []byte("HTTP/1.1 200 OK\r\n\r\n{\"balance\":\"9000\",\"name\":\"bob\"}")
	c, err := BuildCommitment(Secrets{JSONPaths: []string{"$.balance"}}, []byte("GET / HTTP/1.1\r\n\r\n"), recv)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if bytes.Contains(Mask(recv, c.Recv, '*'), []byte("9000")) {
		t.Error("JSONPath secret still disclosed")
	}
	if !bytes.Contains(Mask(recv, c.Recv, '*'), []byte("bob")) {
		t.Error("non-secret value was hidden")
	}
}

func TestBuildCommitmentInvalidJSONPathBody(t *testing.T) {
	_, err := BuildCommitment(Secrets{JSONPaths: []string{"$.a"}}, nil, []byte("no headers"))
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, ErrRangeIntegrity) {
		t.Error("parse failures are not integrity faults")
	}
}
