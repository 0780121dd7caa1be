package normalize

import (
	"fmt"
	"time"

	"github.com/cellmark/cellmark/config"
	"github.com/cellmark/cellmark/model"
)

// Registry dispatches raw events to the schema of their record-keeper.
type Registry struct {
	schemas map[string]Schema
}

// NewRegistry returns a registry holding the given schemas, keyed by record-keeper.
func NewRegistry(schemas ...Schema) *Registry {
	r := &Registry{schemas: make(map[string]Schema, len(schemas))}
	for _, s := range schemas {
		r.schemas[s.RecordKeeper] = s
	}
	return r
}

// DefaultRegistry knows every built-in record-keeper.
func DefaultRegistry() *Registry {
	return NewRegistry(
		BatteryRegistry(),
		OwnershipRegistry(),
		DataVault(),
		SecondLifeManager(),
		RecyclingTracker(),
		CarbonFootprint(),
	)
}

func (r *Registry) Supports(recordKeeper, eventType string) bool {
	s, ok := r.schemas[recordKeeper]
	return ok && s.Supports(eventType)
}

// ValidateStreams fails when a configured stream has no schema to normalize it.
func (r *Registry) ValidateStreams(streams []config.StreamConfig) error {
	for _, st := range streams {
		if !r.Supports(st.RecordKeeper, st.EventType) {
			return fmt.Errorf("stream %s: %w: %s.%s", st.ID, model.ErrUnknownEventType, st.RecordKeeper, st.EventType)
		}
	}
	return nil
}

// Normalize converts raw using the schema of raw.RecordKeeper.
func (r *Registry) Normalize(raw model.RawEvent, ts time.Time) (model.LifecycleEvent, error) {
	s, ok := r.schemas[raw.RecordKeeper]
	if !ok {
		return model.LifecycleEvent{}, &model.SchemaError{
			StreamID:  raw.StreamID,
			EventType: raw.EventType,
			Sequence:  raw.Sequence,
			Err:       fmt.Errorf("%w: no schema for record keeper %s", model.ErrUnknownEventType, raw.RecordKeeper),
		}
	}
	return s.Normalize(raw, ts)
}

func BatteryRegistry() Schema {
	return Schema{
		RecordKeeper: "BatteryRegistry",
		Events: map[string]EventSpec{
			"BatteryRegistered": {
				Kind:     model.KindRegistered,
				Required: []string{"manufacturer", "owner"},
			},
			"BatteryStateChanged": {
				Kind:     model.KindStateChanged,
				Required: []string{"newState"},
				Mapping:  map[string]string{"previousState": "{oldState}"},
			},
			"BatteryIntegrated": {
				Kind:     model.KindIntegrated,
				Required: []string{"vehicleId"},
				Mapping:  map[string]string{"vehicleId": "{vin}"},
			},
			"SOHUpdated": {
				Kind:     model.KindSOHUpdated,
				Required: []string{"soh"},
				Mapping:  map[string]string{"soh": "{newSOH}"},
			},
			"BatteryOwnershipTransferred": {
				Kind:     model.KindOwnershipTransferred,
				Required: []string{"from", "to"},
				Mapping:  map[string]string{"from": "{previousOwner}", "to": "{newOwner}"},
			},
		},
	}
}

func OwnershipRegistry() Schema {
	parties := map[string]string{"from": "{proposer}", "to": "{recipient}"}
	return Schema{
		RecordKeeper: "OwnershipRegistry",
		Events: map[string]EventSpec{
			"TransferInitiated": {
				Kind:     model.KindOwnershipTransferInitiated,
				Required: []string{"from", "to"},
				Mapping:  parties,
			},
			"TransferAccepted": {
				Kind:     model.KindOwnershipTransferAccepted,
				Required: []string{"from", "to"},
				Mapping:  parties,
			},
			"TransferRejected": {
				Kind:     model.KindOwnershipTransferRejected,
				Required: []string{"from", "to"},
				Mapping:  parties,
			},
			"TransferCancelled": {
				Kind:     model.KindOwnershipTransferCancelled,
				Required: []string{"from", "to"},
				Mapping:  parties,
			},
			"TransferExpired": {
				Kind:    model.KindOwnershipTransferExpired,
				Mapping: parties,
			},
		},
	}
}

func DataVault() Schema {
	return Schema{
		RecordKeeper: "DataVault",
		Events: map[string]EventSpec{
			"TelemetryRecorded": {
				Kind:     model.KindTelemetryRecorded,
				Required: []string{"dataHash"},
			},
			"MaintenanceRecorded": {
				Kind:     model.KindMaintenancePerformed,
				Required: []string{"technician"},
			},
			"CriticalEventRecorded": {
				Kind:     model.KindCriticalEventRaised,
				Required: []string{"severity"},
			},
		},
	}
}

func SecondLifeManager() Schema {
	return Schema{
		RecordKeeper: "SecondLifeManager",
		Events: map[string]EventSpec{
			"SecondLifeStarted": {
				Kind:     model.KindSecondLifeStarted,
				Required: []string{"operator"},
			},
			"SecondLifeEnded": {
				Kind:     model.KindSecondLifeEnded,
				Required: []string{"operator"},
			},
		},
	}
}

func RecyclingTracker() Schema {
	return Schema{
		RecordKeeper: "RecyclingTracker",
		Events: map[string]EventSpec{
			"RecyclingStarted": {
				Kind:     model.KindRecyclingStarted,
				Required: []string{"recycler"},
			},
			"RecyclingCompleted": {
				Kind:     model.KindRecyclingCompleted,
				Required: []string{"recycler"},
			},
		},
	}
}

func CarbonFootprint() Schema {
	return Schema{
		RecordKeeper: "CarbonFootprint",
		Events: map[string]EventSpec{
			"EmissionRecorded": {
				Kind:     model.KindCarbonEmissionRecorded,
				Required: []string{"phase", "kgCO2e"},
				Mapping:  map[string]string{"kgCO2e": "{emission.kgCO2e}", "phase": "{emission.phase}"},
			},
		},
	}
}
