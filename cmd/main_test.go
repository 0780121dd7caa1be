package main

import (
	"testing"

	"github.com/cellmark/cellmark/config"
	"github.com/stretchr/testify/assert"
)

func TestNewCLIRegistersCommands(t *testing.T) {
	cli := NewCLI()
	var names []string
	for _, c := range cli.cmd.Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"start", "workers", "migrate", "config"})

	flag := cli.cmd.PersistentFlags().Lookup("config")
	if assert.NotNil(t, flag) {
		assert.Equal(t, "./cellmark.json", flag.DefValue)
	}
}

func TestMigrateHasUpAndDown(t *testing.T) {
	cmd := migrateCommands(nil)
	var names []string
	for _, c := range cmd.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"up", "down"}, names)
}

func TestInitializeQueues(t *testing.T) {
	cfg := &config.Configuration{Queue: config.QueueConfig{WebhookQueue: "webhook_queue", ExpiryCheckQueue: "transfer_expiry_check"}}
	queues := initializeQueues(cfg)
	assert.Equal(t, 3, queues["webhook_queue"])
	assert.Equal(t, 1, queues["transfer_expiry_check"])
}

func TestMask(t *testing.T) {
	assert.Equal(t, "", mask(""))
	assert.Equal(t, "********", mask("s3cret"))
}
