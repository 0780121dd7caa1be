package config

import (
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Configuration {
	return Configuration{
		ProjectName: "Test Project",
		DataSource:  DataSourceConfig{Dns: "postgres://localhost:5432/cellmark"},
		Redis:       RedisConfig{Dns: "localhost:6379"},
		Ledger:      LedgerConfig{Url: "http://ledger.local/"},
	}
}

func TestValidateAndAddDefaults(t *testing.T) {
	cnf := validConfig()
	cnf.DataSource.Dns = ""
	err := cnf.validateAndAddDefaults()
	if err == nil || err.Error() != "data source DNS is required" {
		t.Errorf("Expected data source DNS required error, got %v", err)
	}

	cnf = validConfig()
	cnf.Redis.Dns = ""
	err = cnf.validateAndAddDefaults()
	if err == nil || err.Error() != "redis DNS is required" {
		t.Errorf("Expected redis DNS required error, got %v", err)
	}

	cnf = validConfig()
	cnf.Ledger.Url = ""
	err = cnf.validateAndAddDefaults()
	if err == nil || err.Error() != "ledger URL is required" {
		t.Errorf("Expected ledger URL required error, got %v", err)
	}

	cnf = validConfig()
	err = cnf.validateAndAddDefaults()
	require.NoError(t, err)
	assert.Equal(t, DEFAULT_PORT, cnf.Server.Port)
	assert.Equal(t, "http://ledger.local", cnf.Ledger.Url)
	assert.Equal(t, DefaultPollInterval, cnf.Sync.PollInterval.Std())
	assert.Equal(t, DefaultFetchTimeout, cnf.Sync.FetchTimeout.Std())
	assert.Equal(t, DefaultExpirationWindow, cnf.Sync.ExpirationWindow.Std())
	assert.Equal(t, DefaultLookbackHorizon, cnf.Sync.LookbackHorizon)
	assert.Equal(t, len(DefaultStreams()), len(cnf.Sync.Streams))
	assert.Equal(t, 25, cnf.DataSource.MaxOpenConns)
	assert.Equal(t, 30*time.Minute, cnf.DataSource.ConnMaxLifetime.Std())
	assert.Equal(t, "webhook_queue", cnf.Queue.WebhookQueue)
	assert.Equal(t, "transfer_expiry_check", cnf.Queue.ExpiryCheckQueue)
}

func TestValidateStreams_RejectsDuplicatesAndIncomplete(t *testing.T) {
	cnf := validConfig()
	cnf.Sync.Streams = []StreamConfig{
		{RecordKeeper: "BatteryRegistry", EventType: "BatteryRegistered"},
		{RecordKeeper: "BatteryRegistry", EventType: "BatteryRegistered"},
	}
	err := cnf.validateAndAddDefaults()
	assert.EqualError(t, err, `stream "BatteryRegistry.BatteryRegistered" is configured twice`)

	cnf = validConfig()
	cnf.Sync.Streams = []StreamConfig{{ID: "broken", RecordKeeper: "DataVault"}}
	err = cnf.validateAndAddDefaults()
	assert.EqualError(t, err, `stream "broken" needs both record_keeper and event_type`)
}

func TestDuration_UnmarshalJSON(t *testing.T) {
	var s SyncConfig
	err := json.Unmarshal([]byte(`{"poll_interval":"3s","fetch_timeout":2,"expiration_window":"168h"}`), &s)
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, s.PollInterval.Std())
	assert.Equal(t, 2*time.Second, s.FetchTimeout.Std())
	assert.Equal(t, 7*24*time.Hour, s.ExpirationWindow.Std())

	err = json.Unmarshal([]byte(`{"poll_interval":true}`), &s)
	assert.Error(t, err)
}

func TestLoadConfigFromFile(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "cellmark.json")
	if err != nil {
		t.Fatalf("Unable to create temporary file: %v", err)
	}
	defer os.Remove(tmpFile.Name())

	sampleConfig := validConfig()
	sampleConfig.ProjectName = "Temp Project"
	sampleConfig.Sync.ExpirationWindow = Duration(48 * time.Hour)
	if err := json.NewEncoder(tmpFile).Encode(sampleConfig); err != nil {
		t.Fatalf("Unable to write to temporary file: %v", err)
	}
	tmpFile.Close()

	os.Setenv("CELLMARK_PROJECT_NAME", "Env Project")
	defer os.Unsetenv("CELLMARK_PROJECT_NAME")
	os.Setenv("CELLMARK_SYNC_POLL_INTERVAL", "750ms")
	defer os.Unsetenv("CELLMARK_SYNC_POLL_INTERVAL")

	if err := loadConfigFromFile(tmpFile.Name()); err != nil {
		t.Fatalf("loadConfigFromFile failed: %v", err)
	}

	loadedConfig, err := Fetch()
	require.NoError(t, err)
	assert.Equal(t, "Env Project", loadedConfig.ProjectName)
	assert.Equal(t, "postgres://localhost:5432/cellmark", loadedConfig.DataSource.Dns)
	assert.Equal(t, 48*time.Hour, loadedConfig.Sync.ExpirationWindow.Std())
	assert.Equal(t, 750*time.Millisecond, loadedConfig.Sync.PollInterval.Std())
}

func TestMockConfigFillsSyncDefaults(t *testing.T) {
	MockConfig(&Configuration{})
	cnf, err := Fetch()
	require.NoError(t, err)
	assert.Equal(t, DefaultPollInterval, cnf.Sync.PollInterval.Std())
	assert.NotEmpty(t, cnf.Sync.Streams)
}
