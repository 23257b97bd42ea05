package telemetry

import "go.opentelemetry.io/otel/attribute"

// Attribute keys shared by Wayfare metrics.
const (
	// AttrEnvironment specifies the deployment environment (dev/staging/prod).
	AttrEnvironment = attribute.Key("environment")
	// AttrTable labels metrics with the registry table the operation targeted.
	AttrTable = attribute.Key("table")
	// AttrOperation differentiates CRUD operations (list, get, create, update, delete).
	AttrOperation = attribute.Key("operation")
	// AttrBackend identifies the active record store (postgres, local).
	AttrBackend = attribute.Key("backend")
	// AttrResult records the outcome of an operation (success, error kind).
	AttrResult = attribute.Key("result")
)

// OperationAttributes returns the common attribute set for CRUD metrics.
func OperationAttributes(table, operation, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrTable.String(table),
		AttrOperation.String(operation),
		AttrResult.String(result),
	}
}
