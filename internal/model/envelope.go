package model

import "encoding/json"

// Envelope is one message on the upstream stream; Data holds the raw record.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}
