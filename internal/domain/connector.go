package domain

import "context"

// ConnectorResult is the normalized record returned by one source lookup.
// Field names in NormalizedFields use the data-model spellings
// (given_name, family_name, identifier, phone, email, address, license,
// license_status, place_id, geometry_accuracy, ...).
type ConnectorResult struct {
	NormalizedFields map[string]string
	FieldConfidence  map[string]float64
	Metadata         map[string]string
}

// Connector is the contract every validation source implements. The engine
// never issues outbound HTTP itself; it drives connectors that do.
type Connector interface {
	// Type names the source; one connector is registered per task type.
	Type() TaskType
	// Execute performs the lookup for the task payload. The context carries
	// the per-task timeout.
	Execute(ctx context.Context, p Provider) (ConnectorResult, error)
	// Classify maps a connector error into the retry taxonomy.
	Classify(err error) ErrorCategory
	// Weight is the source's declared contribution to weighted fusion.
	Weight() float64
}

// ConnectorRegistry looks connectors up by task type.
type ConnectorRegistry struct {
	byType map[TaskType]Connector
}

// NewConnectorRegistry builds a registry from the given connectors; the
// last connector registered for a type wins.
func NewConnectorRegistry(cs ...Connector) *ConnectorRegistry {
	r := &ConnectorRegistry{byType: make(map[TaskType]Connector, len(cs))}
	for _, c := range cs {
		r.byType[c.Type()] = c
	}
	return r
}

// Lookup returns the connector for a task type.
func (r *ConnectorRegistry) Lookup(tt TaskType) (Connector, bool) {
	c, ok := r.byType[tt]
	return c, ok
}

// Types returns the registered task types.
func (r *ConnectorRegistry) Types() []TaskType {
	out := make([]TaskType, 0, len(r.byType))
	for _, tt := range TaskTypes {
		if _, ok := r.byType[tt]; ok {
			out = append(out, tt)
		}
	}
	return out
}
