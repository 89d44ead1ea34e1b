package cfg

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withConfig(t *testing.T, mutate func(c *Configuration)) {
	t.Helper()
	saved := *Config
	mutate(Config)
	t.Cleanup(func() { *Config = saved })
}

func TestValidateDefaults(t *testing.T) {
	withConfig(t, func(c *Configuration) {
		c.Target.DSN = "file:test.db"
	})
	assert.NoError(t, Validate())
}

func TestValidateRejectsMissingDSN(t *testing.T) {
	withConfig(t, func(c *Configuration) {
		c.Target.DSN = ""
	})
	assert.ErrorContains(t, Validate(), "target DSN")
}

func TestValidateRejectsBadDriver(t *testing.T) {
	withConfig(t, func(c *Configuration) {
		c.Target.DSN = "x"
		c.Target.Driver = "postgres"
	})
	assert.ErrorContains(t, Validate(), "invalid target driver")
}

func TestValidateRejectsBadBatchSize(t *testing.T) {
	withConfig(t, func(c *Configuration) {
		c.Target.DSN = "x"
		c.Importer.BatchSize = 0
	})
	assert.ErrorContains(t, Validate(), "batch size")
}

func TestValidateRejectsNegativeRateLimit(t *testing.T) {
	withConfig(t, func(c *Configuration) {
		c.Target.DSN = "x"
		c.RateLimit.UpdateQPS = -1
	})
	assert.ErrorContains(t, Validate(), "rate limits")
}

func TestValidateNATSBackendNeedsStream(t *testing.T) {
	withConfig(t, func(c *Configuration) {
		c.Target.DSN = "x"
		c.Channel.Backend = ChannelNATS
		c.Channel.NATS.Stream = ""
	})
	assert.ErrorContains(t, Validate(), "stream and subject")
}

func TestValidateRejectsUnknownBackend(t *testing.T) {
	withConfig(t, func(c *Configuration) {
		c.Target.DSN = "x"
		c.Channel.Backend = "kafka"
	})
	assert.ErrorContains(t, Validate(), "invalid channel backend")
}

func TestLoadDecodesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
data_dir = "` + dir + `/data"

[importer]
batch_size = 250
retry_times = 5

[target]
driver = "mysql"
dsn = "user:pass@tcp(localhost:3306)/orders"
schema = "orders"

[channel]
backend = "pebble"

[tables]
include = ["t_order_*"]

[tables.sharding_columns]
t_order_item = ["order_id"]

[rate_limit]
insert_qps = 500.0
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	withConfig(t, func(c *Configuration) {})
	require.NoError(t, Load(path))

	assert.Equal(t, 250, Config.Importer.BatchSize)
	assert.Equal(t, 5, Config.Importer.RetryTimes)
	assert.Equal(t, "mysql", Config.Target.Driver)
	assert.Equal(t, "orders", Config.Target.Schema)
	assert.Equal(t, ChannelPebble, Config.Channel.Backend)
	assert.Equal(t, []string{"t_order_*"}, Config.Tables.Include)
	assert.Equal(t, []string{"order_id"}, Config.Tables.ShardingColumns["t_order_item"])
	assert.Equal(t, 500.0, Config.RateLimit.InsertQPS)
	// Untouched sections keep their defaults
	assert.Equal(t, 3000, Config.Importer.FetchTimeoutMS)
	assert.NoError(t, Validate())
}

func TestLoadMissingFileKeepsDefaults(t *testing.T) {
	withConfig(t, func(c *Configuration) {
		c.DataDir = filepath.Join(t.TempDir(), "data")
	})
	require.NoError(t, Load(filepath.Join(t.TempDir(), "nope.toml")))
	assert.Equal(t, 1000, Config.Importer.BatchSize)
	assert.DirExists(t, Config.DataDir)
}
