package redaction

import (
	"reflect"
	"strings"
	"testing"
)

func TestLocate(t *testing.T) {
	t.Run("ByteOffsetsWithMultiByteText", func(t *testing.T) {
		transcript := []byte("name=Jürgen 🚀 token=secret123&x=1")
		got := Locate([]string{"secret123"}, transcript)

		want := strings.Index(string(transcript), "secret123")
		if len([]rune(string(transcript[:want]))) == want {
			t.Fatal("fixture should contain multi-byte characters before the secret")
		}
		if len(got) != 1 {
			t.Fatalf("expected 1 range, got %v", got)
		}
		if got[0] != (ByteRange{Start: want, End: want + len("secret123")}) {
			t.Errorf("got %v, want start %d", got[0], want)
		}
		if string(transcript[got[0].Start:got[0].End]) != "secret123" {
			t.Errorf("range does not cover the secret: %q", transcript[got[0].Start:got[0].End])
		}
	})

	t.Run("MultiByteSecret", func(t *testing.T) {
		transcript := []byte(`{"owner":"Zoë Ünal"}`)
		got := Locate([]string{"Zoë Ünal"}, transcript)
		if len(got) != 1 || got[0].Len() != len("Zoë Ünal") {
			t.Fatalf("unexpected ranges %v", got)
		}
	})

	t.Run("MissingSecretsOmitted", func(t *testing.T) {
		got := Locate([]string{"absent", "", "b"}, []byte("abc"))
		want := []ByteRange{{1, 2}}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("got %v, want %v", got, want)
		}
	})

	t.Run("FirstOccurrenceOnly", func(t *testing.T) {
		got := Locate([]string{"ab"}, []byte("xxabyyab"))
		if !reflect.DeepEqual(got, []ByteRange{{2, 4}}) {
			t.Errorf("got %v", got)
		}
	})

	t.Run("NotSorted", func(t *testing.T) {
		got := Locate([]string{"z", "a"}, []byte("a...z"))
		if !reflect.DeepEqual(got, []ByteRange{{4, 5}, {0, 1}}) {
			t.Errorf("got %v", got)
		}
	})
}

func TestLocateFold(t *testing.T) {
	transcript := []byte("GET /a HTTP/1.1\r\nAuthorization: secret123\r\n\r\n")
	got := LocateFold([]string{"authorization: secret123"}, transcript)
	if len(got) != 1 {
		t.Fatalf("expected 1 range, got %v", got)
	}
	if string(transcript[got[0].Start:got[0].End]) != "Authorization: secret123" {
		t.Errorf("range covers %q", transcript[got[0].Start:got[0].End])
	}

	// exact locator must not fold
	if len(Locate([]string{"authorization: secret123"}, transcript)) != 0 {
		t.Error("Locate should be case-sensitive")
	}
}

func TestLocateJSONPath(t *testing.T) {
	body := `{"account":{"id":"acc-1","balance":1234.56},"currency":"EUR"}`
	transcript := []byte("HTTP/1.1 200 OK\r\nContent-Type: application/json\r\n\r\n" + body)

	got, err := LocateJSONPath(transcript, []string{"$.account.balance"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 range, got %v", got)
	}

	idx := strings.Index(string(transcript), "1234.56")
	if got[0].Start > idx || got[0].End < idx+len("1234.56") {
		t.Errorf("range %v does not cover balance at %d", got[0], idx)
	}
	if got[0].End > len(transcript) {
		t.Errorf("range %v exceeds transcript", got[0])
	}

	if _, err := LocateJSONPath([]byte("HTTP/1.1 200 OK\r\n\r\nnot json"), []string{"$.a"}); err == nil {
		t.Error("expected error for non-JSON body")
	}
	if r, err := LocateJSONPath(transcript, nil); err != nil || r != nil {
		t.Errorf("no expressions should yield nothing, got %v %v", r, err)
	}
}

func TestJSONPathToSegments(t *testing.T) {
	tests := map[string][]string{
		"$.a[1].b":          {"a", "1", "b"},
		"$['a'][0]['b c']":  {"a", "0", "b c"},
		"$":                 nil,
		"$.account.balance": {"account", "balance"},
	}
	for in, want := range tests {
		if got := jsonPathToSegments(in); !reflect.DeepEqual(got, want) {
			t.Errorf("jsonPathToSegments(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestLocateXPath(t *testing.T) {
	body := "<html><body><div id=\"content\">Hello World</div><span class=\"info\">Important info</span></body></html>"
	head := "HTTP/1.1 200 OK\r\nContent-Type: text/html\r\n\r\n"
	transcript := []byte(head + body)

	got, err := LocateXPath(transcript, []string{"//span[@class='info']"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) == 0 {
		t.Fatal("expected at least one range")
	}
	for _, r := range got {
		if r.Start < len(head) || r.End > len(transcript) || r.Start >= r.End {
			t.Errorf("range %v outside body [%d,%d)", r, len(head), len(transcript))
		}
	}
	if !strings.Contains(string(transcript[got[0].Start:got[0].End]), "Important info") {
		t.Errorf("range covers %q", transcript[got[0].Start:got[0].End])
	}

	if _, err := LocateXPath([]byte("<html></html>"), []string{"//html"}); err == nil {
		t.Error("expected error without header terminator")
	}
	if r, err := LocateXPath(transcript, nil); err != nil || r != nil {
		t.Errorf("no expressions should yield nothing, got %v %v", r, err)
	}
}
