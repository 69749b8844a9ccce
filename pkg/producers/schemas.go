package producers

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/b1e55ed/engine/pkg/events"
)

// Payload contracts for producer-published signal types. Contracts pin the
// fields the brain's feature extraction reads; extra fields pass through.
var signalSchemas = map[events.Type]string{
	events.SignalTAV1: `{
		"type": "object",
		"required": ["symbol"],
		"properties": {
			"symbol": {"type": "string", "minLength": 1},
			"rsi_14": {"type": "number", "minimum": 0, "maximum": 100},
			"trend_strength": {"type": "number"},
			"volume_ratio": {"type": "number", "minimum": 0}
		}
	}`,
	events.SignalOnchainV1: `{
		"type": "object",
		"required": ["symbol"],
		"properties": {
			"symbol": {"type": "string", "minLength": 1},
			"whale_netflow": {"type": "number"},
			"exchange_flow": {"type": "number"},
			"price_momentum_24h": {"type": "number"}
		}
	}`,
	events.SignalTradFiV1: `{
		"type": "object",
		"required": ["symbol"],
		"properties": {
			"symbol": {"type": "string", "minLength": 1},
			"funding_annualized": {"type": "number"},
			"basis_annualized": {"type": "number"},
			"oi_change_pct": {"type": "number"}
		}
	}`,
	events.SignalSocialV1: `{
		"type": "object",
		"required": ["symbol"],
		"properties": {
			"symbol": {"type": "string", "minLength": 1},
			"score": {"type": "number", "minimum": -10, "maximum": 10},
			"direction": {"enum": ["bullish", "bearish", "neutral"]}
		}
	}`,
	events.SignalSentimentV1: `{
		"type": "object",
		"properties": {
			"fear_greed": {"type": "number", "minimum": 0, "maximum": 100}
		}
	}`,
	events.SignalEventsV1: `{
		"type": "object",
		"required": ["symbol"],
		"properties": {
			"symbol": {"type": "string", "minLength": 1},
			"headline_sentiment": {"type": "number", "minimum": -1, "maximum": 1},
			"impact_score": {"type": "number", "minimum": 0, "maximum": 1}
		}
	}`,
	events.SignalCuratorV1: `{
		"type": "object",
		"required": ["symbol", "direction"],
		"properties": {
			"symbol": {"type": "string", "minLength": 1},
			"direction": {"enum": ["bullish", "bearish", "neutral"]},
			"conviction": {"type": "number", "minimum": 0, "maximum": 10}
		}
	}`,
	events.SignalPriceWSV1: `{
		"type": "object",
		"required": ["symbol", "price"],
		"properties": {
			"symbol": {"type": "string", "minLength": 1},
			"price": {"type": "number", "exclusiveMinimum": 0},
			"venue": {"type": "string"}
		}
	}`,
}

// SchemaViolation is the validator verdict for a payload that breaks its
// contract. It is a hard producer error, never silently dropped.
type SchemaViolation struct {
	Type events.Type
	Err  error
}

func (e *SchemaViolation) Error() string {
	return fmt.Sprintf("schema violation for %s: %v", e.Type, e.Err)
}

func (e *SchemaViolation) Unwrap() error { return e.Err }

// Validator checks producer payloads against the per-type contracts.
// Types without a contract pass unchecked.
type Validator struct {
	compiled map[events.Type]*jsonschema.Schema
}

func NewValidator() (*Validator, error) {
	v := &Validator{compiled: make(map[events.Type]*jsonschema.Schema, len(signalSchemas))}
	for typ, raw := range signalSchemas {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		url := fmt.Sprintf("https://engine.schemas.local/signals/%s.schema.json", typ)
		if err := c.AddResource(url, strings.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("producers: load schema %s: %w", typ, err)
		}
		compiled, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("producers: compile schema %s: %w", typ, err)
		}
		v.compiled[typ] = compiled
	}
	return v, nil
}

// Validate checks one payload against its type's contract.
func (v *Validator) Validate(typ events.Type, payload map[string]interface{}) error {
	schema, ok := v.compiled[typ]
	if !ok {
		return nil
	}
	// The validator expects json.Unmarshal output; payloads built in Go
	// may carry int fields, so round-trip first.
	raw, err := json.Marshal(payload)
	if err != nil {
		return &SchemaViolation{Type: typ, Err: err}
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return &SchemaViolation{Type: typ, Err: err}
	}
	if err := schema.Validate(doc); err != nil {
		return &SchemaViolation{Type: typ, Err: err}
	}
	return nil
}
