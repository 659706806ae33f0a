package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys for sigma telemetry.
// Following OpenTelemetry naming conventions: namespace.attribute_name

const (
	// AttrEnvironment specifies the deployment environment (dev/staging/prod) for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrJob names the collection job (contracts, snapshot, margins).
	AttrJob = attribute.Key("job")
	// AttrInstrument captures the chain's underlying symbol (e.g. CL).
	AttrInstrument = attribute.Key("instrument")
	// AttrRequestKind differentiates wire request types sharing one batch.
	AttrRequestKind = attribute.Key("request.kind")
	// AttrEventKind classifies inbound broker events (field, error, ids, end).
	AttrEventKind = attribute.Key("event.kind")
	// AttrOutcome records the final partition a record landed in.
	AttrOutcome = attribute.Key("outcome")
	// AttrReason explains why completion detection stopped waiting.
	AttrReason = attribute.Key("reason")
	// AttrResult records the outcome of an operation (success, error class, etc.).
	AttrResult = attribute.Key("result")
	// AttrErrorType categorizes failures by canonical error family.
	AttrErrorType = attribute.Key("error.type")
	// AttrPoolName labels database pool gauges.
	AttrPoolName = attribute.Key("pool.name")
)

// Outcome values.
const (
	OutcomeComplete   = "complete"
	OutcomeIncomplete = "incomplete"
	OutcomeErrored    = "errored"
)

// BatchAttributes returns common attributes for batch-scoped metrics.
func BatchAttributes(environment, job, instrument string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(environment),
	}
	if job != "" {
		attrs = append(attrs, AttrJob.String(job))
	}
	if instrument != "" {
		attrs = append(attrs, AttrInstrument.String(instrument))
	}
	return attrs
}

// RequestAttributes returns attributes for dispatch metrics.
func RequestAttributes(environment, kind, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrRequestKind.String(kind),
		AttrResult.String(result),
	}
}

// EventAttributes returns attributes for demultiplexer metrics.
func EventAttributes(environment, kind string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrEventKind.String(kind),
	}
}

// OutcomeAttributes returns attributes for completion partition sizes.
func OutcomeAttributes(environment, job, outcome, reason string) []attribute.KeyValue {
	attrs := BatchAttributes(environment, job, "")
	attrs = append(attrs, AttrOutcome.String(outcome))
	if reason != "" {
		attrs = append(attrs, AttrReason.String(reason))
	}
	return attrs
}

// ErrorAttributes returns attributes for error metrics.
func ErrorAttributes(environment, errorType, reason string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrErrorType.String(errorType),
		AttrReason.String(reason),
	}
}

// PoolAttributes returns attributes for connection pool gauges.
func PoolAttributes(environment, poolName string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrPoolName.String(poolName),
	}
}
