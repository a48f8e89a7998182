// Package protocol defines the wire message types exchanged between
// oh_db and its clients, and the length-prefixed binary framing they
// travel over (spec §4.5, §6).
//
// A request carries a client-chosen id and a variant body; a response
// echoes that id and carries either a concrete success variant or an
// Error. Event messages carry a subscription id and a coalesced
// value -> paths map, and no request id -- they are not responses to
// any particular request.
package protocol

import "encoding/json"

// Request/response/event type tags. These travel in the "type" field
// of an envelope and select how Body is decoded.
const (
	TypePing            = "ping"
	TypeCreateNode      = "create_node"
	TypeCreateFormula   = "create_formula"
	TypeRemoveNode      = "remove_node"
	TypeListDirectory   = "list_directory"
	TypeGetFileContent  = "get_file_content"
	TypeSetFileContent  = "set_file_content"
	TypeSubscribe       = "subscribe"
	TypeUnsubscribe     = "unsubscribe"

	TypePong           = "pong"
	TypeOk             = "ok"
	TypeChildren       = "children"
	TypeData           = "data"
	TypeSubscriptionID = "subscription_id"
	TypeError          = "error"
	TypeEvent          = "event"
)

// Envelope is the outer shape of every request and response. Body is
// decoded according to Type once the envelope itself has been parsed,
// mirroring how the teacher keeps Operation/Args separate so unknown
// fields in one operation's payload never leak into another's.
type Envelope struct {
	ID   int64           `json:"id,omitempty"`
	Type string          `json:"type"`
	Body json.RawMessage `json:"body,omitempty"`
}

// Request bodies, one per spec §4.5 request variant.

type PingBody struct {
	Data string `json:"data"`
}

type NodeKind string

const (
	KindDirectory NodeKind = "directory"
	KindFile      NodeKind = "file"
)

type CreateNodeBody struct {
	Parent string   `json:"parent"`
	Name   string   `json:"name"`
	Kind   NodeKind `json:"kind"`
}

type CreateFormulaBody struct {
	Parent     string            `json:"parent"`
	Name       string            `json:"name"`
	Inputs     map[string]string `json:"inputs"` // param -> absolute path
	Expression string            `json:"expression"`
}

type RemoveNodeBody struct {
	Parent string `json:"parent"`
	Name   string `json:"name"`
}

type ListDirectoryBody struct {
	Path string `json:"path"`
}

type GetFileContentBody struct {
	Path string `json:"path"`
}

type SetFileContentBody struct {
	Glob string `json:"glob"`
	Data string `json:"data"`
}

type SubscribeBody struct {
	Glob string `json:"glob"`
}

type UnsubscribeBody struct {
	ID int64 `json:"id"`
}

// Response bodies.

type PongBody struct {
	Data string `json:"data"`
}

// OkBody carries no fields; its presence alone signals success.
type OkBody struct{}

type ChildrenBody struct {
	Names []string `json:"names"`
}

type DataBody struct {
	Value string `json:"value"`
}

type SubscriptionIDBody struct {
	ID int64 `json:"id"`
}

// ErrorBody mirrors ohdberr.Error across the wire (spec §7: "each error
// crosses the wire as {name, context-string}").
type ErrorBody struct {
	Name    string `json:"name"`
	Context string `json:"context"`
}

// EventBody is a coalesced change notification for one subscription:
// one entry per distinct resulting value, each listing every path that
// now holds it (spec §4.4).
type EventBody struct {
	SubscriptionID int64               `json:"subscription_id"`
	Values         map[string][]string `json:"values"`
}
