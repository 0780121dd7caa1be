package normalize

import (
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/cellmark/cellmark/model"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/mitchellh/mapstructure"
	"github.com/shopspring/decimal"
)

// EventSpec describes how one ledger event-type name becomes a LifecycleEvent.
type EventSpec struct {
	Kind model.EventKind
	// Required lists payload keys (after mapping) that must be present. Strings must also
	// be non-empty; a zero quantity is a valid value.
	Required []string
	// Mapping renames or flattens ledger arguments into payload keys.
	Mapping map[string]string
}

// Schema is the event contract of one record-keeper.
type Schema struct {
	RecordKeeper string
	Events       map[string]EventSpec
}

// Supports reports whether eventType is part of the record-keeper's contract.
func (s Schema) Supports(eventType string) bool {
	_, ok := s.Events[eventType]
	return ok
}

// Normalize converts a raw ledger event into a LifecycleEvent. It has no side effects.
// Fields not known to the payload are ignored.
func (s Schema) Normalize(raw model.RawEvent, ts time.Time) (model.LifecycleEvent, error) {
	schemaErr := func(err error) error {
		return &model.SchemaError{StreamID: raw.StreamID, EventType: raw.EventType, Sequence: raw.Sequence, Err: err}
	}

	spec, ok := s.Events[raw.EventType]
	if !ok {
		return model.LifecycleEvent{}, schemaErr(fmt.Errorf("%w: %s.%s", model.ErrUnknownEventType, s.RecordKeeper, raw.EventType))
	}
	if raw.AssetID == "" {
		return model.LifecycleEvent{}, schemaErr(fmt.Errorf("event has no asset id"))
	}

	fields := applyMapping(raw.Fields, spec.Mapping)
	if err := checkRequired(fields, spec.Required); err != nil {
		return model.LifecycleEvent{}, schemaErr(fmt.Errorf("malformed payload: %w", err))
	}

	payload, err := decodePayload(spec.Kind, fields)
	if err != nil {
		return model.LifecycleEvent{}, schemaErr(err)
	}

	return model.LifecycleEvent{
		Kind:           spec.Kind,
		AssetID:        raw.AssetID,
		SourceStream:   raw.StreamID,
		SequenceNumber: raw.Sequence,
		Timestamp:      ts.UTC(),
		TransactionID:  raw.TransactionID,
		Payload:        payload,
	}, nil
}

func checkRequired(fields map[string]interface{}, required []string) error {
	if len(required) == 0 {
		return nil
	}
	keys := make([]*validation.KeyRules, 0, len(required))
	for _, name := range required {
		rules := []validation.Rule{validation.NotNil}
		if _, ok := fields[name].(string); ok {
			rules = append(rules, validation.Required)
		}
		keys = append(keys, validation.Key(name, rules...))
	}
	return validation.Validate(fields, validation.Map(keys...).AllowExtraKeys())
}

func decodePayload(kind model.EventKind, fields map[string]interface{}) (model.Payload, error) {
	payload, err := model.NewPayload(kind)
	if err != nil {
		return nil, err
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       decimalHook,
		WeaklyTypedInput: true,
		Result:           payload,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(fields); err != nil {
		return nil, fmt.Errorf("decoding %s payload: %w", kind, err)
	}
	return model.DerefPayload(payload), nil
}

var decimalType = reflect.TypeOf(decimal.Decimal{})

// decimalHook lets ledger quantities arrive as strings, JSON numbers or integers.
func decimalHook(_ reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
	if to != decimalType {
		return data, nil
	}
	switch v := data.(type) {
	case string:
		return decimal.NewFromString(v)
	case json.Number:
		return decimal.NewFromString(v.String())
	case float64:
		return decimal.NewFromFloat(v), nil
	case float32:
		return decimal.NewFromFloat32(v), nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int64:
		return decimal.NewFromInt(v), nil
	case uint64:
		return decimal.NewFromString(fmt.Sprintf("%d", v))
	case nil:
		return decimal.Zero, nil
	}
	return data, nil
}
