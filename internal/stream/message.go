// Package stream implements the client side of the nutrition analysis
// streaming protocol: one persistent WebSocket connection, one analysis
// request per session, and an ordered reduction of partial-result frames
// into a single final artifact.
package stream

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ChunkType classifies an inbound frame.
type ChunkType int

const (
	// ChunkUnknown is any frame type the reducer does not act on.
	ChunkUnknown ChunkType = iota
	// ChunkPartial carries one incremental fragment of the artifact.
	ChunkPartial
	// ChunkComplete carries the entire final artifact.
	ChunkComplete
	// ChunkError carries a server-side failure message.
	ChunkError
)

// Wire values of the "type" field.
const (
	TypeStreamChunk    = "stream_chunk"
	TypeStreamComplete = "stream_complete"
	TypeError          = "error"
)

func (t ChunkType) String() string {
	switch t {
	case ChunkPartial:
		return TypeStreamChunk
	case ChunkComplete:
		return TypeStreamComplete
	case ChunkError:
		return TypeError
	default:
		return "unknown"
	}
}

// wireMessage is the inbound JSON frame.
type wireMessage struct {
	Type    string         `json:"type"`
	Content string         `json:"content"`
	Data    map[string]any `json:"data,omitempty"`
	Section string         `json:"section,omitempty"`
	Seq     uint64         `json:"seq,omitempty"`
}

// InboundMessage is a single decoded frame. It is consumed by the reducer
// and not retained afterwards.
type InboundMessage struct {
	Kind      ChunkType
	RawType   string
	Payload   string
	Section   string
	Auxiliary map[string]any
	// Seq is the per-session sequence number, 0 when the server does not
	// number its frames.
	Seq uint64
}

// DecodeMessage parses one inbound frame. Unknown types decode successfully
// with Kind ChunkUnknown; only malformed JSON is an error.
func DecodeMessage(data []byte) (InboundMessage, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return InboundMessage{}, fmt.Errorf("decode frame: %w", err)
	}

	msg := InboundMessage{
		RawType:   w.Type,
		Payload:   w.Content,
		Section:   w.Section,
		Auxiliary: w.Data,
		Seq:       w.Seq,
	}
	switch w.Type {
	case TypeStreamChunk:
		msg.Kind = ChunkPartial
	case TypeStreamComplete:
		msg.Kind = ChunkComplete
	case TypeError:
		msg.Kind = ChunkError
	default:
		msg.Kind = ChunkUnknown
	}
	return msg, nil
}

// Preferences is the user's dietary and health context sent with a request.
type Preferences struct {
	HealthGoals         []string `json:"health_goals"`
	DietaryPreferences  []string `json:"dietary_preferences"`
	NutritionPriorities []string `json:"nutrition_priorities"`
	UserName            string   `json:"user_name,omitempty"`
}

// clone returns a deep copy so a session's preferences cannot be mutated
// by the caller after the session starts.
func (p *Preferences) clone() *Preferences {
	if p == nil {
		return nil
	}
	return &Preferences{
		HealthGoals:         cloneStrings(p.HealthGoals),
		DietaryPreferences:  cloneStrings(p.DietaryPreferences),
		NutritionPriorities: cloneStrings(p.NutritionPriorities),
		UserName:            p.UserName,
	}
}

// cloneStrings copies s; nil becomes an empty slice so it encodes as [].
func cloneStrings(s []string) []string {
	return append(make([]string, 0, len(s)), s...)
}

// AnalysisRequest is the single outbound message of a session.
type AnalysisRequest struct {
	Barcode         string       `json:"barcode"`
	UserPreferences *Preferences `json:"user_preferences,omitempty"`
}

// EncodeRequest serializes the request for barcode and prefs. The barcode
// is trimmed; an empty result is rejected with KindInvalidRequest.
func EncodeRequest(barcode string, prefs *Preferences) ([]byte, error) {
	barcode = strings.TrimSpace(barcode)
	if barcode == "" {
		return nil, newError(KindInvalidRequest, "barcode is required", nil)
	}
	data, err := json.Marshal(AnalysisRequest{
		Barcode:         barcode,
		UserPreferences: prefs,
	})
	if err != nil {
		return nil, newError(KindInvalidRequest, "encode request", err)
	}
	return data, nil
}
