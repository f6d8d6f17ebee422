package fhir

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

// MessageEventHandler processes one message event. It receives the
// MessageHeader (the first entry) and the whole message Bundle.
type MessageEventHandler func(ctx context.Context, header Resource, message Resource) error

// MessageProcessor dispatches FHIR message Bundles to handlers registered
// per event. Handlers are registered at startup and read concurrently
// afterwards.
type MessageProcessor struct {
	handlers map[string]MessageEventHandler
	source   string
}

// NewMessageProcessor creates a processor whose responses name source as
// their MessageHeader.source.endpoint.
func NewMessageProcessor(source string) *MessageProcessor {
	return &MessageProcessor{
		handlers: make(map[string]MessageEventHandler),
		source:   source,
	}
}

// RegisterHandler registers a handler for a message event code or URI.
func (p *MessageProcessor) RegisterHandler(event string, handler MessageEventHandler) {
	p.handlers[event] = handler
}

// ProcessMessage validates a message Bundle, runs the handler for its
// event and returns the response message Bundle.
func (p *MessageProcessor) ProcessMessage(ctx context.Context, message Resource) (Resource, error) {
	header, err := MessageHeader(message)
	if err != nil {
		return nil, err
	}

	event := EventCode(header)
	handler, ok := p.handlers[event]
	if !ok {
		return nil, UnprocessableEntity("message event not supported")
	}

	if err := handler(ctx, header, message); err != nil {
		return nil, err
	}

	return NewMessageResponse(header, p.source), nil
}

// MessageHeader returns the MessageHeader that must open a message Bundle.
func MessageHeader(message Resource) (Resource, error) {
	if ResourceType(message) != "Bundle" {
		return nil, UnprocessableEntity("bundle not provided to $process-message")
	}
	if BundleType(message) != BundleTypeMessage {
		return nil, UnprocessableEntity("$process-message bundle must have type 'message'")
	}

	entries := Entries(message)
	if len(entries) == 0 {
		return nil, UnprocessableEntity("message Bundle must have at least a MessageHeader entry")
	}

	header := EntryResource(entries[0])
	if ResourceType(header) != "MessageHeader" {
		return nil, UnprocessableEntity("First entry of the message Bundle must be a MessageHeader instance")
	}
	return header, nil
}

// EventCode obtains the event of a MessageHeader: eventCoding.code first,
// then eventUri.
func EventCode(header Resource) string {
	if code := String(Object(header, "eventCoding"), "code"); code != "" {
		return code
	}
	return String(header, "eventUri")
}

// SourceEndpoint returns header.source.endpoint.
func SourceEndpoint(header Resource) string {
	return String(Object(header, "source"), "endpoint")
}

// NewMessageResponse builds the acknowledgement for a processed message:
// a message Bundle holding a single MessageHeader with response code "ok",
// addressed back to the original sender.
func NewMessageResponse(request Resource, serverAddress string) Resource {
	header := Resource{
		"resourceType": "MessageHeader",
		"id":           uuid.New().String(),
		"source": map[string]interface{}{
			"endpoint": strings.TrimSuffix(serverAddress, "/") + "/$process-message",
		},
		"response": map[string]interface{}{
			"identifier": ResourceID(request),
			"code":       "ok",
		},
	}
	if ec, ok := request["eventCoding"]; ok {
		header["eventCoding"] = Clone(ec)
	} else if eu, ok := request["eventUri"]; ok {
		header["eventUri"] = eu
	}
	if dest := SourceEndpoint(request); dest != "" {
		header["destination"] = []interface{}{
			map[string]interface{}{"endpoint": dest},
		}
	}

	bundle := NewBundle(BundleTypeMessage)
	bundle["id"] = uuid.New().String()
	AddEntry(bundle, map[string]interface{}{
		"fullUrl":  "urn:uuid:" + ResourceID(header),
		"resource": header,
	})
	return bundle
}
