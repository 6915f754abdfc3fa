package domain

import "time"

// RetryMethod selects the backoff shape applied between a failed attempt
// and its retry sibling.
type RetryMethod string

const (
	RetryFixed       RetryMethod = "FIXED"
	RetryLinear      RetryMethod = "LINEAR"
	RetryExponential RetryMethod = "EXPONENTIAL"
)

// RetryPolicy is the graph-wide backoff configuration referenced by the
// dispatcher's errored() path.
type RetryPolicy struct {
	MaxRetries    int         `bson:"max_retries" json:"max_retries"`
	Method        RetryMethod `bson:"method" json:"method"`
	BackoffFactor float64     `bson:"backoff_factor" json:"backoff_factor"`
}

// NodeTemplate is one node instance declared inside a GraphTemplate.
type NodeTemplate struct {
	Identifier string            `bson:"identifier" json:"identifier"`
	NodeName   string            `bson:"node_name" json:"node_name"`
	Namespace  string            `bson:"namespace" json:"namespace"`
	Inputs     map[string]string `bson:"inputs" json:"inputs"`
	NextNodes  []string          `bson:"next_nodes,omitempty" json:"next_nodes,omitempty"`
	Unites     *UnitesSpec       `bson:"unites,omitempty" json:"unites,omitempty"`
}

// UnitesSpec names the single ancestor identifier a node joins on.
type UnitesSpec struct {
	Identifier string `bson:"identifier" json:"identifier"`
}

// GraphValidationStatus tracks asynchronous validation of a graph template.
type GraphValidationStatus string

const (
	GraphPending GraphValidationStatus = "PENDING"
	GraphOngoing GraphValidationStatus = "ONGOING"
	GraphValid   GraphValidationStatus = "VALID"
	GraphInvalid GraphValidationStatus = "INVALID"
)

// ExospherehostNamespace is the reserved namespace holding built-in nodes
// any graph template may reference regardless of its own namespace.
const ExospherehostNamespace = "exospherehost"

// BuiltinNodes returns the registered-node definitions the state-manager
// seeds into the registered-node store at startup, so a graph template can
// reference the exospherehost namespace without a prior /nodes/
// registration call. RegisteredAt is left zero; the seeding caller stamps
// it before inserting.
func BuiltinNodes() []RegisteredNode {
	return []RegisteredNode{
		{
			Name:          "passthrough",
			Namespace:     ExospherehostNamespace,
			InputsSchema:  map[string]FieldSchema{"value": {Type: "string"}},
			OutputsSchema: map[string]FieldSchema{"value": {Type: "string"}},
		},
		{
			Name:          "delay",
			Namespace:     ExospherehostNamespace,
			InputsSchema:  map[string]FieldSchema{"seconds": {Type: "string"}},
			OutputsSchema: map[string]FieldSchema{"seconds": {Type: "string"}},
		},
	}
}

// StoreConfig declares the keys a run must or may supply through the Store.
type StoreConfig struct {
	RequiredKeys  []string          `bson:"required_keys,omitempty" json:"required_keys,omitempty"`
	DefaultValues map[string]string `bson:"default_values,omitempty" json:"default_values,omitempty"`
}

// TriggerType distinguishes the kinds of automatic firing a graph template
// can declare. Cron is the only kind this service implements.
type TriggerType string

const TriggerTypeCron TriggerType = "cron"

// TriggerSpec is one cron declaration inside a GraphTemplate.
type TriggerSpec struct {
	Type       TriggerType `bson:"type" json:"type"`
	Expression string      `bson:"expression" json:"expression"`
	Timezone   string      `bson:"timezone" json:"timezone"`
}

// GraphTemplate is the versioned, named DAG definition a namespace owns.
type GraphTemplate struct {
	Name             string                `bson:"name" json:"name"`
	Namespace        string                `bson:"namespace" json:"namespace"`
	Nodes            []NodeTemplate        `bson:"nodes" json:"nodes"`
	RetryPolicy      RetryPolicy           `bson:"retry_policy" json:"retry_policy"`
	StoreConfig      StoreConfig           `bson:"store_config" json:"store_config"`
	Secrets          map[string][]byte     `bson:"secrets,omitempty" json:"-"`
	Triggers         []TriggerSpec         `bson:"triggers,omitempty" json:"triggers,omitempty"`
	ValidationStatus GraphValidationStatus `bson:"validation_status" json:"validation_status"`
	ValidationErrors []string              `bson:"validation_errors,omitempty" json:"validation_errors,omitempty"`
	Version          int                   `bson:"version" json:"version"`
	CreatedAt        time.Time             `bson:"created_at" json:"created_at"`
	UpdatedAt        time.Time             `bson:"updated_at" json:"updated_at"`
}

// SecretPresence renders Secrets as a {name: true} map for API responses,
// since values are never returned.
func (g *GraphTemplate) SecretPresence() map[string]bool {
	out := make(map[string]bool, len(g.Secrets))
	for name := range g.Secrets {
		out[name] = true
	}
	return out
}

// FieldSchema is the narrow slice of JSON-schema this service understands:
// enough to tell whether a declared field is string-typed.
type FieldSchema struct {
	Type string `bson:"type" json:"type"`
}

// RegisteredNode is a node runtime's self-declared input/output contract.
type RegisteredNode struct {
	Name           string                 `bson:"name" json:"name"`
	Namespace      string                 `bson:"namespace" json:"namespace"`
	InputsSchema   map[string]FieldSchema `bson:"inputs_schema" json:"inputs_schema"`
	OutputsSchema  map[string]FieldSchema `bson:"outputs_schema" json:"outputs_schema"`
	Secrets        []string               `bson:"secrets,omitempty" json:"secrets,omitempty"`
	TimeoutMinutes int                    `bson:"timeout_minutes,omitempty" json:"timeout_minutes,omitempty"`
	RegisteredAt   time.Time              `bson:"registered_at" json:"registered_at"`
}

// TriggerStatus tracks a scheduled cron trigger's lifecycle.
type TriggerStatus string

const (
	TriggerPending    TriggerStatus = "PENDING"
	TriggerTriggering TriggerStatus = "TRIGGERING"
	TriggerTriggered  TriggerStatus = "TRIGGERED"
	TriggerFailed     TriggerStatus = "FAILED"
	TriggerCancelled  TriggerStatus = "CANCELLED"
)

// DatabaseTrigger is one scheduled firing of a cron-configured graph.
type DatabaseTrigger struct {
	ID          string        `bson:"_id,omitempty" json:"id,omitempty"`
	Type        TriggerType   `bson:"type" json:"type"`
	GraphName   string        `bson:"graph_name" json:"graph_name"`
	Namespace   string        `bson:"namespace" json:"namespace"`
	Expression  string        `bson:"expression" json:"expression"`
	Timezone    string        `bson:"timezone" json:"timezone"`
	TriggerTime time.Time     `bson:"trigger_time" json:"trigger_time"`
	Status      TriggerStatus `bson:"trigger_status" json:"trigger_status"`
	Error       string        `bson:"error,omitempty" json:"error,omitempty"`
	ExpiresAt   *time.Time    `bson:"expires_at,omitempty" json:"expires_at,omitempty"`
}

// CronTrigger is the hashable (expression, timezone) pair used to diff the
// set of crons a graph template declares against the set persisted as
// pending triggers.
type CronTrigger struct {
	Expression string
	Timezone   string
}

// CronSet returns the distinct (expression, timezone) pairs declared on the
// template, collapsing identical duplicates to one entry.
func (g *GraphTemplate) CronSet() map[CronTrigger]struct{} {
	set := make(map[CronTrigger]struct{}, len(g.Triggers))
	for _, t := range g.Triggers {
		if t.Type != TriggerTypeCron {
			continue
		}
		tz := t.Timezone
		if tz == "" {
			tz = "UTC"
		}
		set[CronTrigger{Expression: t.Expression, Timezone: tz}] = struct{}{}
	}
	return set
}
