package model

// Content is the channel-ready payload produced by a Renderer.
// Adapters read only the fields that make sense for their surface.
type Content struct {
	Title string            `json:"title,omitempty"`
	Text  string            `json:"text"`
	Link  string            `json:"link,omitempty"`
	Extra map[string]string `json:"extra,omitempty"`
}
