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

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/sirupsen/logrus"
)

const (
	DEFAULT_PORT            = "5002"
	DEFAULT_MONITORING_PORT = "5004"

	DefaultPollInterval     = 5 * time.Second
	DefaultFetchTimeout     = 10 * time.Second
	DefaultExpirationWindow = 7 * 24 * time.Hour
	DefaultLookbackHorizon  = uint64(100000)
	DefaultMaxConcurrency   = 8
	DefaultLeaseDuration    = 30 * time.Second
)

var ConfigStore atomic.Value

type ServerConfig struct {
	Secure    bool   `json:"secure" envconfig:"CELLMARK_SERVER_SECURE"`
	SecretKey string `json:"secret_key" envconfig:"CELLMARK_SERVER_SECRET_KEY"`
	Port      string `json:"port" envconfig:"CELLMARK_SERVER_PORT"`
	SSL       bool   `json:"ssl" envconfig:"CELLMARK_SERVER_SSL"`
	Domain    string `json:"domain" envconfig:"CELLMARK_SERVER_DOMAIN"`
	Email     string `json:"email" envconfig:"CELLMARK_SERVER_EMAIL"`
	// MonitoringPort serves /metrics from the workers process.
	MonitoringPort string `json:"monitoring_port" envconfig:"CELLMARK_SERVER_MONITORING_PORT"`
}

type DataSourceConfig struct {
	Dns             string   `json:"dns" envconfig:"CELLMARK_DATA_SOURCE_DNS"`
	MaxOpenConns    int      `json:"max_open_conns" envconfig:"CELLMARK_DATA_SOURCE_MAX_OPEN_CONNS"`
	MaxIdleConns    int      `json:"max_idle_conns" envconfig:"CELLMARK_DATA_SOURCE_MAX_IDLE_CONNS"`
	ConnMaxLifetime Duration `json:"conn_max_lifetime" envconfig:"CELLMARK_DATA_SOURCE_CONN_MAX_LIFETIME"`
	ConnMaxIdleTime Duration `json:"conn_max_idle_time" envconfig:"CELLMARK_DATA_SOURCE_CONN_MAX_IDLE_TIME"`
}

type RedisConfig struct {
	Dns           string `json:"dns" envconfig:"CELLMARK_REDIS_DNS"`
	SkipTLSVerify bool   `json:"skip_tls_verify" envconfig:"CELLMARK_REDIS_SKIP_TLS_VERIFY"`
}

// LedgerConfig points at the Ledger Query Service shared by every watched asset.
type LedgerConfig struct {
	Url               string  `json:"url" envconfig:"CELLMARK_LEDGER_URL"`
	ApiKey            string  `json:"api_key" envconfig:"CELLMARK_LEDGER_API_KEY"`
	RequestsPerSecond float64 `json:"requests_per_second" envconfig:"CELLMARK_LEDGER_RPS"`
	Burst             int     `json:"burst" envconfig:"CELLMARK_LEDGER_BURST"`
}

type SubmissionConfig struct {
	Url     string `json:"url" envconfig:"CELLMARK_SUBMISSION_URL"`
	ApiKey  string `json:"api_key" envconfig:"CELLMARK_SUBMISSION_API_KEY"`
	Timeout int    `json:"timeout" envconfig:"CELLMARK_SUBMISSION_TIMEOUT"`
}

// StreamConfig registers one (record-keeper, event-type) stream. AssetField is the
// indexed event argument used to filter the stream down to a single asset.
type StreamConfig struct {
	ID           string `json:"id"`
	RecordKeeper string `json:"record_keeper"`
	EventType    string `json:"event_type"`
	AssetField   string `json:"asset_field"`
}

// SyncConfig holds the per-deployment timing knobs of the resync loop and the
// transfer protocol. Durations are read as Go duration strings ("5s", "168h").
type SyncConfig struct {
	PollInterval     Duration       `json:"poll_interval" envconfig:"CELLMARK_SYNC_POLL_INTERVAL"`
	FetchTimeout     Duration       `json:"fetch_timeout" envconfig:"CELLMARK_SYNC_FETCH_TIMEOUT"`
	ExpirationWindow Duration       `json:"expiration_window" envconfig:"CELLMARK_SYNC_EXPIRATION_WINDOW"`
	LookbackHorizon  uint64         `json:"lookback_horizon" envconfig:"CELLMARK_SYNC_LOOKBACK_HORIZON"`
	MaxConcurrency   int            `json:"max_concurrency" envconfig:"CELLMARK_SYNC_MAX_CONCURRENCY"`
	LeaseDuration    Duration       `json:"lease_duration" envconfig:"CELLMARK_SYNC_LEASE_DURATION"`
	Streams          []StreamConfig `json:"streams"`
}

type QueueConfig struct {
	WebhookQueue     string `json:"webhook_queue" envconfig:"CELLMARK_QUEUE_WEBHOOK"`
	ExpiryCheckQueue string `json:"expiry_check_queue" envconfig:"CELLMARK_QUEUE_EXPIRY_CHECK"`
	Concurrency      int    `json:"concurrency" envconfig:"CELLMARK_QUEUE_CONCURRENCY"`
}

type SlackWebhook struct {
	WebhookUrl string `json:"webhook_url"`
}

type Notification struct {
	Slack   SlackWebhook `json:"slack"`
	Webhook struct {
		Url     string            `json:"url"`
		Headers map[string]string `json:"headers"`
	} `json:"webhook"`
}

type RateLimitConfig struct {
	RequestsPerSecond  *float64 `json:"requests_per_second" envconfig:"CELLMARK_RATE_LIMIT_RPS"`
	Burst              *int     `json:"burst" envconfig:"CELLMARK_RATE_LIMIT_BURST"`
	CleanupIntervalSec *int     `json:"cleanup_interval_sec" envconfig:"CELLMARK_RATE_LIMIT_CLEANUP_INTERVAL_SEC"`
}

type Configuration struct {
	ProjectName     string           `json:"project_name" envconfig:"CELLMARK_PROJECT_NAME"`
	EnableTelemetry bool             `json:"enable_telemetry" envconfig:"CELLMARK_ENABLE_TELEMETRY"`
	Server          ServerConfig     `json:"server"`
	DataSource      DataSourceConfig `json:"data_source"`
	Redis           RedisConfig      `json:"redis"`
	Ledger          LedgerConfig     `json:"ledger"`
	Submission      SubmissionConfig `json:"submission"`
	Sync            SyncConfig       `json:"sync"`
	Queue           QueueConfig      `json:"queue"`
	Notification    Notification     `json:"notification"`
	RateLimit       RateLimitConfig  `json:"rate_limit"`
}

// Duration decodes both JSON strings ("30s") and envconfig values.
type Duration time.Duration

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var raw interface{}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case float64:
		*d = Duration(time.Duration(v) * time.Second)
		return nil
	case string:
		return d.Decode(v)
	default:
		return fmt.Errorf("invalid duration %s", string(b))
	}
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Decode implements envconfig.Decoder.
func (d *Duration) Decode(value string) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// DefaultStreams is the stream set of the observed deployment: one stream per
// record-keeper event type, filtered by the battery identifier.
func DefaultStreams() []StreamConfig {
	streams := []StreamConfig{}
	add := func(recordKeeper, assetField string, eventTypes ...string) {
		for _, et := range eventTypes {
			streams = append(streams, StreamConfig{
				ID:           fmt.Sprintf("%s.%s", recordKeeper, et),
				RecordKeeper: recordKeeper,
				EventType:    et,
				AssetField:   assetField,
			})
		}
	}
	add("BatteryRegistry", "bin", "BatteryRegistered", "BatteryStateChanged", "BatteryIntegrated", "SOHUpdated", "BatteryOwnershipTransferred")
	add("OwnershipRegistry", "bin", "TransferInitiated", "TransferAccepted", "TransferRejected", "TransferCancelled", "TransferExpired")
	add("DataVault", "bin", "TelemetryRecorded", "MaintenanceRecorded", "CriticalEventRecorded")
	add("SecondLifeManager", "bin", "SecondLifeStarted", "SecondLifeEnded")
	add("RecyclingTracker", "bin", "RecyclingStarted", "RecyclingCompleted")
	add("CarbonFootprint", "bin", "EmissionRecorded")
	return streams
}

func loadConfigFromFile(file string) error {
	var cnf Configuration
	_, err := os.Stat(file)
	if err == nil {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		defer f.Close()
		err = json.NewDecoder(f).Decode(&cnf)
		if err != nil {
			return err
		}

	} else if errors.Is(err, os.ErrNotExist) {
		log.Println("config json not passed, will use env variables")
	}

	// override config from environment variables
	err = envconfig.Process("cellmark", &cnf)
	if err != nil {
		return err
	}

	err = cnf.validateAndAddDefaults()
	if err != nil {
		return err
	}

	ConfigStore.Store(&cnf)
	return err
}

func InitConfig(configFile string) error {
	logger()
	return loadConfigFromFile(configFile)
}

func Fetch() (*Configuration, error) {
	config := ConfigStore.Load()
	c, ok := config.(*Configuration)
	if !ok {
		return nil, errors.New("config not loaded from file. Create a json file called cellmark.json with your config ❌")
	}
	return c, nil
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		log.Println("Warning: Project name is empty. Setting a default name.")
		cnf.ProjectName = "Cellmark"
	}

	if cnf.DataSource.Dns == "" {
		log.Println("Error: Data source DNS is empty. It's a required field.")
		return errors.New("data source DNS is required")
	}

	if cnf.Redis.Dns == "" {
		log.Println("Error: Redis DNS is empty. It's a required field.")
		return errors.New("redis DNS is required")
	}

	if cnf.Ledger.Url == "" {
		log.Println("Error: Ledger URL is empty. It's a required field.")
		return errors.New("ledger URL is required")
	}

	// Trim white spaces from fields
	cnf.ProjectName = strings.TrimSpace(cnf.ProjectName)
	cnf.Server.Port = strings.TrimSpace(cnf.Server.Port)
	cnf.DataSource.Dns = strings.TrimSpace(cnf.DataSource.Dns)
	cnf.Redis.Dns = strings.TrimSpace(cnf.Redis.Dns)
	cnf.Ledger.Url = strings.TrimRight(strings.TrimSpace(cnf.Ledger.Url), "/")
	cnf.Submission.Url = strings.TrimRight(strings.TrimSpace(cnf.Submission.Url), "/")

	cnf.DataSource.addDefaults()

	if cnf.Server.Port == "" {
		cnf.Server.Port = DEFAULT_PORT
		log.Printf("Warning: Port not specified in config. Setting default port: %s", DEFAULT_PORT)
	}
	if cnf.Server.MonitoringPort == "" {
		cnf.Server.MonitoringPort = DEFAULT_MONITORING_PORT
	}

	cnf.Sync.addDefaults()
	if err := cnf.Sync.validateStreams(); err != nil {
		return err
	}

	if cnf.Submission.Timeout <= 0 {
		cnf.Submission.Timeout = 30
	}

	if cnf.Queue.WebhookQueue == "" {
		cnf.Queue.WebhookQueue = "webhook_queue"
	}
	if cnf.Queue.ExpiryCheckQueue == "" {
		cnf.Queue.ExpiryCheckQueue = "transfer_expiry_check"
	}
	if cnf.Queue.Concurrency <= 0 {
		cnf.Queue.Concurrency = 4
	}

	// Rate limiting is disabled by default (when both RPS and Burst are nil)
	if cnf.RateLimit.RequestsPerSecond != nil && cnf.RateLimit.Burst == nil {
		defaultBurst := 2 * int(*cnf.RateLimit.RequestsPerSecond)
		cnf.RateLimit.Burst = &defaultBurst
		log.Printf("Warning: Rate limit burst not specified. Setting default value: %d", defaultBurst)
	}
	if cnf.RateLimit.RequestsPerSecond == nil && cnf.RateLimit.Burst != nil {
		defaultRPS := float64(*cnf.RateLimit.Burst) / 2
		cnf.RateLimit.RequestsPerSecond = &defaultRPS
		log.Printf("Warning: Rate limit RPS not specified. Setting default value: %.2f", defaultRPS)
	}
	if cnf.RateLimit.CleanupIntervalSec == nil {
		defaultCleanup := 10800 // 3 hours in seconds
		cnf.RateLimit.CleanupIntervalSec = &defaultCleanup
	}

	return nil
}

func (d *DataSourceConfig) addDefaults() {
	if d.MaxOpenConns <= 0 {
		d.MaxOpenConns = 25
	}
	if d.MaxIdleConns <= 0 {
		d.MaxIdleConns = 10
	}
	if d.ConnMaxLifetime <= 0 {
		d.ConnMaxLifetime = Duration(30 * time.Minute)
	}
	if d.ConnMaxIdleTime <= 0 {
		d.ConnMaxIdleTime = Duration(5 * time.Minute)
	}
}

func (s *SyncConfig) addDefaults() {
	if s.PollInterval <= 0 {
		s.PollInterval = Duration(DefaultPollInterval)
	}
	if s.FetchTimeout <= 0 {
		s.FetchTimeout = Duration(DefaultFetchTimeout)
	}
	if s.ExpirationWindow <= 0 {
		s.ExpirationWindow = Duration(DefaultExpirationWindow)
	}
	if s.LookbackHorizon == 0 {
		s.LookbackHorizon = DefaultLookbackHorizon
	}
	if s.MaxConcurrency <= 0 {
		s.MaxConcurrency = DefaultMaxConcurrency
	}
	if s.LeaseDuration <= 0 {
		s.LeaseDuration = Duration(DefaultLeaseDuration)
	}
	if len(s.Streams) == 0 {
		log.Println("Warning: no streams configured. Using the default record-keeper stream set.")
		s.Streams = DefaultStreams()
	}
	for i := range s.Streams {
		if s.Streams[i].ID == "" {
			s.Streams[i].ID = fmt.Sprintf("%s.%s", s.Streams[i].RecordKeeper, s.Streams[i].EventType)
		}
		if s.Streams[i].AssetField == "" {
			s.Streams[i].AssetField = "bin"
		}
	}
}

func (s *SyncConfig) validateStreams() error {
	seen := make(map[string]bool, len(s.Streams))
	for _, st := range s.Streams {
		if st.RecordKeeper == "" || st.EventType == "" {
			return fmt.Errorf("stream %q needs both record_keeper and event_type", st.ID)
		}
		if seen[st.ID] {
			return fmt.Errorf("stream %q is configured twice", st.ID)
		}
		seen[st.ID] = true
	}
	return nil
}

// MockConfig sets a mock configuration for testing purposes.
func MockConfig(mockConfig *Configuration) {
	mockConfig.Sync.addDefaults()
	ConfigStore.Store(mockConfig)
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}
