package github

import "go.uber.org/zap"

// Event is a preprocessed GitHub webhook event.
type Event struct {
	// DeliveryID is the unique github ID of the delivery
	DeliveryID string
	// Type is the github webhook event type returned by github.WebHookType()
	Type string
	// JSON is the raw event payload
	JSON []byte
	// Event is the parsed payload as struct type returned by github.ParseWebHook()
	Event     any
	LogFields []zap.Field
}
