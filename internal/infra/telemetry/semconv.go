package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys for platform telemetry.
// Following OpenTelemetry naming conventions: namespace.attribute_name

const (
	// AttrEnvironment specifies the deployment environment (dev/staging/prod) for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrComponent names the emitting component instance (a batcher name, a service name).
	AttrComponent = attribute.Key("component")
	// AttrEventType annotates bus metrics with the event type string.
	AttrEventType = attribute.Key("event.type")
	// AttrOperation differentiates specific operations (query, fetch, trigger).
	AttrOperation = attribute.Key("operation")
	// AttrResult records the outcome of an operation (success, error class, etc.).
	AttrResult = attribute.Key("result")
	// AttrErrorType categorizes failures by error code.
	AttrErrorType = attribute.Key("error.type")
	// AttrDelivery distinguishes channel from callback subscriptions.
	AttrDelivery = attribute.Key("delivery")
	// AttrCache records hit or miss for cache lookups.
	AttrCache = attribute.Key("cache")
)

// ComponentAttributes returns the base attributes for a named component.
func ComponentAttributes(environment, component string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrComponent.String(component),
	}
}

// OperationResultAttributes returns attributes for operation metrics with result classification.
func OperationResultAttributes(environment, component, operation, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrComponent.String(component),
		AttrOperation.String(operation),
		AttrResult.String(result),
	}
}

// EventAttributes returns common attributes for event bus metrics.
func EventAttributes(environment, eventType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrEventType.String(eventType),
	}
}

// ErrorAttributes returns attributes for error metrics.
func ErrorAttributes(environment, component, errorType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrComponent.String(component),
		AttrErrorType.String(errorType),
	}
}
