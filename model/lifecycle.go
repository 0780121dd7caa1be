/*
Copyright 2024 Cellmark Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// EventKind tags the variant of a LifecycleEvent.
type EventKind string

const (
	KindRegistered                 EventKind = "Registered"
	KindOwnershipTransferInitiated EventKind = "OwnershipTransferInitiated"
	KindOwnershipTransferAccepted  EventKind = "OwnershipTransferAccepted"
	KindOwnershipTransferRejected  EventKind = "OwnershipTransferRejected"
	KindOwnershipTransferCancelled EventKind = "OwnershipTransferCancelled"
	KindOwnershipTransferExpired   EventKind = "OwnershipTransferExpired"
	// KindOwnershipTransferred is the single-step transfer emitted by older
	// registry deployments. It coexists with the two-party family above.
	KindOwnershipTransferred   EventKind = "OwnershipTransferred"
	KindStateChanged           EventKind = "StateChanged"
	KindIntegrated             EventKind = "Integrated"
	KindSOHUpdated             EventKind = "SOHUpdated"
	KindSecondLifeStarted      EventKind = "SecondLifeStarted"
	KindSecondLifeEnded        EventKind = "SecondLifeEnded"
	KindRecyclingStarted       EventKind = "RecyclingStarted"
	KindRecyclingCompleted     EventKind = "RecyclingCompleted"
	KindTelemetryRecorded      EventKind = "TelemetryRecorded"
	KindMaintenancePerformed   EventKind = "MaintenancePerformed"
	KindCriticalEventRaised    EventKind = "CriticalEventRaised"
	KindCarbonEmissionRecorded EventKind = "CarbonEmissionRecorded"
)

// IsTransfer reports whether the kind belongs to the custody-transfer protocol.
func (k EventKind) IsTransfer() bool {
	switch k {
	case KindOwnershipTransferInitiated, KindOwnershipTransferAccepted, KindOwnershipTransferRejected,
		KindOwnershipTransferCancelled, KindOwnershipTransferExpired, KindOwnershipTransferred:
		return true
	}
	return false
}

// Payload is the variant-specific part of a LifecycleEvent.
type Payload interface {
	Kind() EventKind
}

type RegisteredPayload struct {
	Manufacturer string          `json:"manufacturer" mapstructure:"manufacturer"`
	Chemistry    string          `json:"chemistry" mapstructure:"chemistry"`
	CapacityKWh  decimal.Decimal `json:"capacity_kwh" mapstructure:"capacityKwh"`
	Owner        string          `json:"owner" mapstructure:"owner"`
}

type TransferInitiatedPayload struct {
	From     string `json:"from" mapstructure:"from"`
	To       string `json:"to" mapstructure:"to"`
	NewState string `json:"new_state" mapstructure:"newState"`
}

type TransferAcceptedPayload struct {
	From     string `json:"from" mapstructure:"from"`
	To       string `json:"to" mapstructure:"to"`
	NewState string `json:"new_state" mapstructure:"newState"`
}

type TransferRejectedPayload struct {
	From   string `json:"from" mapstructure:"from"`
	To     string `json:"to" mapstructure:"to"`
	Reason string `json:"reason,omitempty" mapstructure:"reason"`
}

type TransferCancelledPayload struct {
	From string `json:"from" mapstructure:"from"`
	To   string `json:"to" mapstructure:"to"`
}

type TransferExpiredPayload struct {
	From string `json:"from" mapstructure:"from"`
	To   string `json:"to" mapstructure:"to"`
}

type OwnershipTransferredPayload struct {
	From string `json:"from" mapstructure:"from"`
	To   string `json:"to" mapstructure:"to"`
}

type StateChangedPayload struct {
	PreviousState string `json:"previous_state" mapstructure:"previousState"`
	NewState      string `json:"new_state" mapstructure:"newState"`
	ChangedBy     string `json:"changed_by,omitempty" mapstructure:"changedBy"`
}

type IntegratedPayload struct {
	VehicleID  string `json:"vehicle_id" mapstructure:"vehicleId"`
	Integrator string `json:"integrator" mapstructure:"integrator"`
}

type SOHUpdatedPayload struct {
	StateOfHealth decimal.Decimal `json:"state_of_health" mapstructure:"soh"`
	CycleCount    uint64          `json:"cycle_count" mapstructure:"cycleCount"`
	Reporter      string          `json:"reporter,omitempty" mapstructure:"reporter"`
}

type SecondLifeStartedPayload struct {
	Operator    string `json:"operator" mapstructure:"operator"`
	Application string `json:"application" mapstructure:"application"`
}

type SecondLifeEndedPayload struct {
	Operator string `json:"operator" mapstructure:"operator"`
	Reason   string `json:"reason,omitempty" mapstructure:"reason"`
}

type RecyclingStartedPayload struct {
	Recycler string `json:"recycler" mapstructure:"recycler"`
	Method   string `json:"method,omitempty" mapstructure:"method"`
}

type RecyclingCompletedPayload struct {
	Recycler        string          `json:"recycler" mapstructure:"recycler"`
	RecoveredMassKg decimal.Decimal `json:"recovered_mass_kg" mapstructure:"recoveredMassKg"`
	CertificateHash string          `json:"certificate_hash,omitempty" mapstructure:"certificateHash"`
}

type TelemetryRecordedPayload struct {
	Reporter string `json:"reporter" mapstructure:"reporter"`
	DataHash string `json:"data_hash" mapstructure:"dataHash"`
}

type MaintenancePerformedPayload struct {
	Technician  string `json:"technician" mapstructure:"technician"`
	Description string `json:"description,omitempty" mapstructure:"description"`
}

type CriticalEventRaisedPayload struct {
	Severity    string `json:"severity" mapstructure:"severity"`
	Description string `json:"description,omitempty" mapstructure:"description"`
	Reporter    string `json:"reporter,omitempty" mapstructure:"reporter"`
}

type CarbonEmissionRecordedPayload struct {
	Phase    string          `json:"phase" mapstructure:"phase"`
	KgCO2e   decimal.Decimal `json:"kg_co2e" mapstructure:"kgCO2e"`
	Reporter string          `json:"reporter,omitempty" mapstructure:"reporter"`
}

func (RegisteredPayload) Kind() EventKind             { return KindRegistered }
func (TransferInitiatedPayload) Kind() EventKind      { return KindOwnershipTransferInitiated }
func (TransferAcceptedPayload) Kind() EventKind       { return KindOwnershipTransferAccepted }
func (TransferRejectedPayload) Kind() EventKind       { return KindOwnershipTransferRejected }
func (TransferCancelledPayload) Kind() EventKind      { return KindOwnershipTransferCancelled }
func (TransferExpiredPayload) Kind() EventKind        { return KindOwnershipTransferExpired }
func (OwnershipTransferredPayload) Kind() EventKind   { return KindOwnershipTransferred }
func (StateChangedPayload) Kind() EventKind           { return KindStateChanged }
func (IntegratedPayload) Kind() EventKind             { return KindIntegrated }
func (SOHUpdatedPayload) Kind() EventKind             { return KindSOHUpdated }
func (SecondLifeStartedPayload) Kind() EventKind      { return KindSecondLifeStarted }
func (SecondLifeEndedPayload) Kind() EventKind        { return KindSecondLifeEnded }
func (RecyclingStartedPayload) Kind() EventKind       { return KindRecyclingStarted }
func (RecyclingCompletedPayload) Kind() EventKind     { return KindRecyclingCompleted }
func (TelemetryRecordedPayload) Kind() EventKind      { return KindTelemetryRecorded }
func (MaintenancePerformedPayload) Kind() EventKind   { return KindMaintenancePerformed }
func (CriticalEventRaisedPayload) Kind() EventKind    { return KindCriticalEventRaised }
func (CarbonEmissionRecordedPayload) Kind() EventKind { return KindCarbonEmissionRecorded }

// NewPayload returns a zero payload for kind, ready to be decoded into.
func NewPayload(kind EventKind) (Payload, error) {
	switch kind {
	case KindRegistered:
		return &RegisteredPayload{}, nil
	case KindOwnershipTransferInitiated:
		return &TransferInitiatedPayload{}, nil
	case KindOwnershipTransferAccepted:
		return &TransferAcceptedPayload{}, nil
	case KindOwnershipTransferRejected:
		return &TransferRejectedPayload{}, nil
	case KindOwnershipTransferCancelled:
		return &TransferCancelledPayload{}, nil
	case KindOwnershipTransferExpired:
		return &TransferExpiredPayload{}, nil
	case KindOwnershipTransferred:
		return &OwnershipTransferredPayload{}, nil
	case KindStateChanged:
		return &StateChangedPayload{}, nil
	case KindIntegrated:
		return &IntegratedPayload{}, nil
	case KindSOHUpdated:
		return &SOHUpdatedPayload{}, nil
	case KindSecondLifeStarted:
		return &SecondLifeStartedPayload{}, nil
	case KindSecondLifeEnded:
		return &SecondLifeEndedPayload{}, nil
	case KindRecyclingStarted:
		return &RecyclingStartedPayload{}, nil
	case KindRecyclingCompleted:
		return &RecyclingCompletedPayload{}, nil
	case KindTelemetryRecorded:
		return &TelemetryRecordedPayload{}, nil
	case KindMaintenancePerformed:
		return &MaintenancePerformedPayload{}, nil
	case KindCriticalEventRaised:
		return &CriticalEventRaisedPayload{}, nil
	case KindCarbonEmissionRecorded:
		return &CarbonEmissionRecordedPayload{}, nil
	}
	return nil, fmt.Errorf("unknown event kind %q", kind)
}

// EventKey is the deduplication key of a LifecycleEvent.
type EventKey struct {
	SourceStream   string
	SequenceNumber uint64
}

func (k EventKey) String() string {
	return fmt.Sprintf("%s#%d", k.SourceStream, k.SequenceNumber)
}

// LifecycleEvent is one normalized, immutable fact about an asset.
type LifecycleEvent struct {
	Kind           EventKind `json:"kind"`
	AssetID        string    `json:"asset_id"`
	SourceStream   string    `json:"source_stream"`
	SequenceNumber uint64    `json:"sequence_number"`
	Timestamp      time.Time `json:"timestamp"`
	TransactionID  string    `json:"transaction_id"`
	Payload        Payload   `json:"payload"`
}

func (e LifecycleEvent) Key() EventKey {
	return EventKey{SourceStream: e.SourceStream, SequenceNumber: e.SequenceNumber}
}

// Less orders events by (Timestamp, SourceStream, SequenceNumber).
func (e LifecycleEvent) Less(o LifecycleEvent) bool {
	if !e.Timestamp.Equal(o.Timestamp) {
		return e.Timestamp.Before(o.Timestamp)
	}
	if e.SourceStream != o.SourceStream {
		return e.SourceStream < o.SourceStream
	}
	return e.SequenceNumber < o.SequenceNumber
}

type lifecycleEventJSON struct {
	Kind           EventKind       `json:"kind"`
	AssetID        string          `json:"asset_id"`
	SourceStream   string          `json:"source_stream"`
	SequenceNumber uint64          `json:"sequence_number"`
	Timestamp      time.Time       `json:"timestamp"`
	TransactionID  string          `json:"transaction_id"`
	Payload        json.RawMessage `json:"payload"`
}

// UnmarshalJSON restores the concrete payload type from the kind tag.
func (e *LifecycleEvent) UnmarshalJSON(b []byte) error {
	var raw lifecycleEventJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	payload, err := NewPayload(raw.Kind)
	if err != nil {
		return err
	}
	if len(raw.Payload) > 0 && string(raw.Payload) != "null" {
		if err := json.Unmarshal(raw.Payload, payload); err != nil {
			return fmt.Errorf("decoding %s payload: %w", raw.Kind, err)
		}
	}
	*e = LifecycleEvent{
		Kind:           raw.Kind,
		AssetID:        raw.AssetID,
		SourceStream:   raw.SourceStream,
		SequenceNumber: raw.SequenceNumber,
		Timestamp:      raw.Timestamp,
		TransactionID:  raw.TransactionID,
		Payload:        DerefPayload(payload),
	}
	return nil
}

// DerefPayload returns the value form of a pointer payload, so decoded and
// constructed events compare equal.
func DerefPayload(p Payload) Payload {
	switch v := p.(type) {
	case *RegisteredPayload:
		return *v
	case *TransferInitiatedPayload:
		return *v
	case *TransferAcceptedPayload:
		return *v
	case *TransferRejectedPayload:
		return *v
	case *TransferCancelledPayload:
		return *v
	case *TransferExpiredPayload:
		return *v
	case *OwnershipTransferredPayload:
		return *v
	case *StateChangedPayload:
		return *v
	case *IntegratedPayload:
		return *v
	case *SOHUpdatedPayload:
		return *v
	case *SecondLifeStartedPayload:
		return *v
	case *SecondLifeEndedPayload:
		return *v
	case *RecyclingStartedPayload:
		return *v
	case *RecyclingCompletedPayload:
		return *v
	case *TelemetryRecordedPayload:
		return *v
	case *MaintenancePerformedPayload:
		return *v
	case *CriticalEventRaisedPayload:
		return *v
	case *CarbonEmissionRecordedPayload:
		return *v
	}
	return p
}

// RawEvent is an event as returned by the Ledger Query Service, before normalization.
type RawEvent struct {
	StreamID      string                 `json:"stream_id"`
	RecordKeeper  string                 `json:"record_keeper"`
	EventType     string                 `json:"event_type"`
	AssetID       string                 `json:"asset_id"`
	Sequence      uint64                 `json:"sequence"`
	TransactionID string                 `json:"transaction_id"`
	Fields        map[string]interface{} `json:"fields"`
}

// EventQuery selects events of one stream, filtered by indexed fields, over an inclusive sequence range.
type EventQuery struct {
	StreamID  string
	EventType string
	Filter    map[string]string
	From      uint64
	To        uint64
}
