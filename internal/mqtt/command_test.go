package mqtt

import (
	"context"
	"testing"

	"github.com/nugget/envnode/internal/diaglog"
)

func TestExtractURL(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    string
	}{
		{"plain", `{"url":"http://fw.lan/node.bin"}`, "http://fw.lan/node.bin"},
		{"with other fields", `{"cmd":"ota","url":"https://fw.lan/a.bin","force":true}`, "https://fw.lan/a.bin"},
		{"spaces", `{ "url" : "http://x/y" }`, "http://x/y"},
		{"empty url", `{"cmd":"ota","url":""}`, ""},
		{"no url key", `{"cmd":"ota"}`, ""},
		{"unterminated", `{"url":"http://x`, ""},
		{"no value", `{"url"}`, ""},
		{"not json", `reboot now`, ""},
		{"empty", ``, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractURL([]byte(tt.payload)); got != tt.want {
				t.Errorf("ExtractURL(%q) = %q, want %q", tt.payload, got, tt.want)
			}
		})
	}
}

func TestUpdateCommandHandler_IgnoresEmptyURL(t *testing.T) {
	diag := &diaglog.Memory{}
	kick := &countKicker{}
	invoked := 0
	h := UpdateCommandHandler(func(context.Context, string) { invoked++ }, kick, diag, discardLogger())

	h(context.Background(), Message{Topic: "cmd/envnode/ota", Payload: []byte(`{"cmd":"ota","url":""}`)})

	if invoked != 0 {
		t.Errorf("update invoked %d times, want 0", invoked)
	}
	lines := diag.Lines()
	if len(lines) != 1 || lines[0] != "OTA ignored: no url" {
		t.Errorf("diag lines = %q, want one ignored line", lines)
	}
	if kick.n != 1 {
		t.Errorf("watchdog resets = %d, want 1", kick.n)
	}
}

func TestUpdateCommandHandler_RunsUpdate(t *testing.T) {
	diag := &diaglog.Memory{}
	var got []string
	h := UpdateCommandHandler(func(_ context.Context, url string) { got = append(got, url) }, nil, diag, nil)

	h(context.Background(), Message{Topic: "cmd/envnode/ota", Payload: []byte(`{"url":"http://fw.lan/n.bin"}`)})

	if len(got) != 1 || got[0] != "http://fw.lan/n.bin" {
		t.Errorf("update calls = %v", got)
	}
	if lines := diag.Lines(); len(lines) != 1 || lines[0] != "OTA request URL=http://fw.lan/n.bin" {
		t.Errorf("diag lines = %q", lines)
	}
	if diag.Counter.Value() != 0 {
		t.Errorf("error counter = %d, want 0 for a request line", diag.Counter.Value())
	}
}
