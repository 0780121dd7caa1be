package normalize

import (
	"errors"
	"testing"
	"time"

	"github.com/cellmark/cellmark/config"
	"github.com/cellmark/cellmark/model"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ts = time.Unix(1700000000, 0)

func TestNormalize_Registered(t *testing.T) {
	raw := model.RawEvent{
		StreamID:      "BatteryRegistry.BatteryRegistered",
		RecordKeeper:  "BatteryRegistry",
		EventType:     "BatteryRegistered",
		AssetID:       "A1",
		Sequence:      7,
		TransactionID: "0x01",
		Fields: map[string]interface{}{
			"manufacturer": "Northvolt",
			"chemistry":    "NMC811",
			"capacityKwh":  "75.5",
			"owner":        "0xowner",
			"futureField":  true,
		},
	}

	ev, err := DefaultRegistry().Normalize(raw, ts)
	require.NoError(t, err)
	assert.Equal(t, model.KindRegistered, ev.Kind)
	assert.Equal(t, "A1", ev.AssetID)
	assert.Equal(t, uint64(7), ev.SequenceNumber)
	assert.Equal(t, ts.UTC(), ev.Timestamp)

	payload, ok := ev.Payload.(model.RegisteredPayload)
	require.True(t, ok)
	assert.Equal(t, "Northvolt", payload.Manufacturer)
	assert.True(t, payload.CapacityKWh.Equal(decimal.RequireFromString("75.5")))
}

func TestNormalize_MappingRenamesAndFlattens(t *testing.T) {
	reg := DefaultRegistry()

	ev, err := reg.Normalize(model.RawEvent{
		StreamID: "OwnershipRegistry.TransferInitiated", RecordKeeper: "OwnershipRegistry",
		EventType: "TransferInitiated", AssetID: "A1", Sequence: 1,
		Fields: map[string]interface{}{"proposer": "alice", "recipient": "bob", "newState": "SecondLife"},
	}, ts)
	require.NoError(t, err)
	assert.Equal(t, model.TransferInitiatedPayload{From: "alice", To: "bob", NewState: "SecondLife"}, ev.Payload)

	ev, err = reg.Normalize(model.RawEvent{
		StreamID: "CarbonFootprint.EmissionRecorded", RecordKeeper: "CarbonFootprint",
		EventType: "EmissionRecorded", AssetID: "A1", Sequence: 3,
		Fields: map[string]interface{}{"emission": map[string]interface{}{"phase": "manufacturing", "kgCO2e": 1250.25}},
	}, ts)
	require.NoError(t, err)
	carbon := ev.Payload.(model.CarbonEmissionRecordedPayload)
	assert.Equal(t, "manufacturing", carbon.Phase)
	assert.True(t, carbon.KgCO2e.Equal(decimal.RequireFromString("1250.25")))
}

func TestNormalize_WeaklyTypedNumbers(t *testing.T) {
	ev, err := DefaultRegistry().Normalize(model.RawEvent{
		StreamID: "BatteryRegistry.SOHUpdated", RecordKeeper: "BatteryRegistry",
		EventType: "SOHUpdated", AssetID: "A1", Sequence: 9,
		Fields: map[string]interface{}{"newSOH": 91, "cycleCount": "140"},
	}, ts)
	require.NoError(t, err)
	soh := ev.Payload.(model.SOHUpdatedPayload)
	assert.True(t, soh.StateOfHealth.Equal(decimal.NewFromInt(91)))
	assert.Equal(t, uint64(140), soh.CycleCount)
}

func TestNormalize_UnknownEventType(t *testing.T) {
	_, err := DefaultRegistry().Normalize(model.RawEvent{
		StreamID: "DataVault.Teleported", RecordKeeper: "DataVault", EventType: "Teleported", AssetID: "A1",
	}, ts)
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrUnknownEventType))

	var schemaErr *model.SchemaError
	assert.True(t, errors.As(err, &schemaErr))

	_, err = DefaultRegistry().Normalize(model.RawEvent{RecordKeeper: "Nobody", EventType: "X", AssetID: "A1"}, ts)
	assert.True(t, errors.Is(err, model.ErrUnknownEventType))
}

func TestNormalize_MissingRequiredField(t *testing.T) {
	_, err := DefaultRegistry().Normalize(model.RawEvent{
		StreamID: "DataVault.TelemetryRecorded", RecordKeeper: "DataVault",
		EventType: "TelemetryRecorded", AssetID: "A1", Sequence: 2,
		Fields: map[string]interface{}{"reporter": "0xabc"},
	}, ts)
	var schemaErr *model.SchemaError
	require.True(t, errors.As(err, &schemaErr))
	assert.Equal(t, uint64(2), schemaErr.Sequence)
	assert.False(t, errors.Is(err, model.ErrUnknownEventType))
}

func TestNormalize_ZeroQuantitiesAreKept(t *testing.T) {
	ev, err := CarbonFootprint().Normalize(model.RawEvent{
		StreamID: "CarbonFootprint.EmissionRecorded", RecordKeeper: "CarbonFootprint",
		EventType: "EmissionRecorded", AssetID: "A1", Sequence: 4,
		Fields: map[string]interface{}{"emission": map[string]interface{}{"phase": "transport", "kgCO2e": 0.0}},
	}, ts)
	require.NoError(t, err)
	carbon := ev.Payload.(model.CarbonEmissionRecordedPayload)
	assert.True(t, carbon.KgCO2e.IsZero())
	assert.Equal(t, "transport", carbon.Phase)

	ev, err = DefaultRegistry().Normalize(model.RawEvent{
		StreamID: "BatteryRegistry.SOHUpdated", RecordKeeper: "BatteryRegistry",
		EventType: "SOHUpdated", AssetID: "A1", Sequence: 5,
		Fields: map[string]interface{}{"newSOH": 0},
	}, ts)
	require.NoError(t, err)
	assert.True(t, ev.Payload.(model.SOHUpdatedPayload).StateOfHealth.IsZero())
}

func TestNormalize_BlankOrNullRequiredValues(t *testing.T) {
	tests := []struct {
		name   string
		fields map[string]interface{}
	}{
		{name: "empty string", fields: map[string]interface{}{"emission": map[string]interface{}{"phase": "", "kgCO2e": 1.5}}},
		{name: "null quantity", fields: map[string]interface{}{"emission": map[string]interface{}{"phase": "use", "kgCO2e": nil}}},
		{name: "missing quantity", fields: map[string]interface{}{"emission": map[string]interface{}{"phase": "use"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := CarbonFootprint().Normalize(model.RawEvent{
				StreamID: "CarbonFootprint.EmissionRecorded", RecordKeeper: "CarbonFootprint",
				EventType: "EmissionRecorded", AssetID: "A1", Sequence: 6, Fields: tt.fields,
			}, ts)
			var schemaErr *model.SchemaError
			assert.True(t, errors.As(err, &schemaErr))
		})
	}
}

func TestNormalize_MissingAssetID(t *testing.T) {
	_, err := DefaultRegistry().Normalize(model.RawEvent{
		RecordKeeper: "SecondLifeManager", EventType: "SecondLifeStarted",
		Fields: map[string]interface{}{"operator": "grid-co"},
	}, ts)
	assert.Error(t, err)
}

func TestRegistry_ValidateStreams(t *testing.T) {
	reg := DefaultRegistry()
	assert.NoError(t, reg.ValidateStreams(config.DefaultStreams()))

	err := reg.ValidateStreams([]config.StreamConfig{{ID: "x", RecordKeeper: "DataVault", EventType: "Nope"}})
	assert.True(t, errors.Is(err, model.ErrUnknownEventType))
}
