package connection

import (
	"encoding/json"
	"net/http"

	"github.com/invopop/jsonschema"
)

type protocol struct {
	Inbound  InboundMessage  `json:"inbound" jsonschema:"description=Text frames sent by the client"`
	Outbound OutboundMessage `json:"outbound" jsonschema:"description=Text frames sent by the server"`
}

// ProtocolSchema describes the text frames exchanged on a voice connection.
func ProtocolSchema() *jsonschema.Schema {
	reflector := jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	schema := reflector.Reflect(&protocol{})
	schema.Title = "ema-voice session protocol"
	return schema
}

func SchemaHandler() http.Handler {
	body, err := json.MarshalIndent(ProtocolSchema(), "", "  ")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err != nil {
			http.Error(w, "schema unavailable", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/schema+json")
		_, _ = w.Write(body)
	})
}
