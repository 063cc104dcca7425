package connection

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestProtocolSchemaDescribesEnvelopes(t *testing.T) {
	server := httptest.NewServer(SchemaHandler())
	defer server.Close()

	resp, err := http.Get(server.URL)
	if err != nil {
		t.Fatalf("failed to fetch schema: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read schema: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("schema is not JSON: %v", err)
	}
	properties, ok := decoded["properties"].(map[string]any)
	if !ok || properties["inbound"] == nil || properties["outbound"] == nil {
		t.Fatalf("expected inbound and outbound properties, got %v", decoded["properties"])
	}
	for _, want := range []string{"AUDIO_DATA", "PING", "AUDIO_CHUNK", "COMPLETE", "isFinal"} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("expected schema to mention %s", want)
		}
	}
}
