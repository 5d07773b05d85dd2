// Package protocol implements the JSON array envelopes exchanged over a
// relay connection.
//
// Client to relay:
//
//	["EVENT", <event>]
//	["REQ", <subscription id>, <filter>, <filter>...]
//	["CLOSE", <subscription id>]
//
// Relay to client:
//
//	["EVENT", <subscription id>, <event>]
//	["EOSE", <subscription id>]
//	["OK", <event id>, <accepted>, <message>]
//	["NOTICE", <message>]
//	["CLOSED", <subscription id>, <message>]
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/starcom-labs/relaynode/pkg/event"
)

// ErrMalformedMessage marks a protocol framing violation. The offending
// message is dropped with a notice; the connection stays open.
var ErrMalformedMessage = errors.New("malformed message")

// MaxSubscriptionIDLen bounds the client-chosen subscription id.
const MaxSubscriptionIDLen = 64

// MaxFiltersPerSubscribe bounds the OR-set of one subscription.
const MaxFiltersPerSubscribe = 16

// filterSchema constrains inbound filter objects before they reach the
// decoder: typed field sets plus "#key" tag constraints, nothing else.
const filterSchema = `{
	"type": "object",
	"properties": {
		"ids":     {"type": "array", "items": {"type": "string"}},
		"authors": {"type": "array", "items": {"type": "string"}},
		"kinds":   {"type": "array", "items": {"type": "integer"}},
		"since":   {"type": "integer"},
		"until":   {"type": "integer"},
		"limit":   {"type": "integer", "minimum": 0}
	},
	"patternProperties": {
		"^#[a-zA-Z_]+$": {"type": "array", "items": {"type": "string"}}
	},
	"additionalProperties": false
}`

var compiledFilterSchema = jsonschema.MustCompileString("filter.json", filterSchema)

// MessageKind discriminates inbound client messages.
type MessageKind int

const (
	MsgPublish MessageKind = iota
	MsgSubscribe
	MsgUnsubscribe
)

// ClientMessage is one decoded inbound frame. For MsgPublish, RawEvent holds
// the undecoded event object so the validator can parse it strictly.
type ClientMessage struct {
	Kind           MessageKind
	RawEvent       json.RawMessage
	SubscriptionID string
	Filters        []event.Filter
}

// ParseClientMessage decodes one inbound frame.
func ParseClientMessage(raw []byte) (*ClientMessage, error) {
	var frame []json.RawMessage
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, fmt.Errorf("%w: not a JSON array", ErrMalformedMessage)
	}
	if len(frame) < 2 {
		return nil, fmt.Errorf("%w: array too short", ErrMalformedMessage)
	}

	var verb string
	if err := json.Unmarshal(frame[0], &verb); err != nil {
		return nil, fmt.Errorf("%w: verb is not a string", ErrMalformedMessage)
	}

	switch verb {
	case "EVENT":
		if len(frame) != 2 {
			return nil, fmt.Errorf("%w: EVENT takes exactly one event", ErrMalformedMessage)
		}
		return &ClientMessage{Kind: MsgPublish, RawEvent: frame[1]}, nil

	case "REQ":
		subID, err := parseSubscriptionID(frame[1])
		if err != nil {
			return nil, err
		}
		if len(frame) < 3 {
			return nil, fmt.Errorf("%w: REQ carries no filters", ErrMalformedMessage)
		}
		if len(frame)-2 > MaxFiltersPerSubscribe {
			return nil, fmt.Errorf("%w: more than %d filters", ErrMalformedMessage, MaxFiltersPerSubscribe)
		}
		filters := make([]event.Filter, 0, len(frame)-2)
		for _, rawFilter := range frame[2:] {
			f, err := parseFilter(rawFilter)
			if err != nil {
				return nil, err
			}
			filters = append(filters, *f)
		}
		return &ClientMessage{Kind: MsgSubscribe, SubscriptionID: subID, Filters: filters}, nil

	case "CLOSE":
		if len(frame) != 2 {
			return nil, fmt.Errorf("%w: CLOSE takes exactly one subscription id", ErrMalformedMessage)
		}
		subID, err := parseSubscriptionID(frame[1])
		if err != nil {
			return nil, err
		}
		return &ClientMessage{Kind: MsgUnsubscribe, SubscriptionID: subID}, nil

	default:
		return nil, fmt.Errorf("%w: unknown verb %q", ErrMalformedMessage, verb)
	}
}

func parseSubscriptionID(raw json.RawMessage) (string, error) {
	var subID string
	if err := json.Unmarshal(raw, &subID); err != nil {
		return "", fmt.Errorf("%w: subscription id is not a string", ErrMalformedMessage)
	}
	if subID == "" || len(subID) > MaxSubscriptionIDLen {
		return "", fmt.Errorf("%w: subscription id length out of range", ErrMalformedMessage)
	}
	return subID, nil
}

func parseFilter(raw json.RawMessage) (*event.Filter, error) {
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("%w: filter is not an object", ErrMalformedMessage)
	}
	if err := compiledFilterSchema.Validate(generic); err != nil {
		return nil, fmt.Errorf("%w: filter schema: %v", ErrMalformedMessage, err)
	}
	var f event.Filter
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return &f, nil
}

func encodeFrame(parts ...any) ([]byte, error) {
	return json.Marshal(parts)
}

// EventPush encodes a relay→client event frame.
func EventPush(subscriptionID string, ev *event.Event) ([]byte, error) {
	return encodeFrame("EVENT", subscriptionID, ev)
}

// EndOfBacklog encodes the end-of-stored-events marker.
func EndOfBacklog(subscriptionID string) ([]byte, error) {
	return encodeFrame("EOSE", subscriptionID)
}

// OK encodes the acknowledgement of a publish.
func OK(eventID string, accepted bool, message string) ([]byte, error) {
	return encodeFrame("OK", eventID, accepted, message)
}

// Notice encodes a human-readable notice.
func Notice(message string) ([]byte, error) {
	return encodeFrame("NOTICE", message)
}

// Closed encodes the termination of a subscription.
func Closed(subscriptionID, message string) ([]byte, error) {
	return encodeFrame("CLOSED", subscriptionID, message)
}
