package application

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/boardlink-go/internal/network/acceptor"
	"github.com/lk2023060901/boardlink-go/internal/network/connector"
)

const sampleConfig = `
connector:
  address: http://printer.local
  password: secret
  requestTimeout: 2s
  maxRetries: 5
  observeModel: true
server:
  address: 127.0.0.1:9090
  sessionIdleTimeout: 30s
logging:
  connector:
    level: debug
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestResolveConfigPath(t *testing.T) {
	t.Setenv(envConfigPath, "")

	path, explicit, err := resolveConfigPath(nil)
	require.NoError(t, err)
	assert.Equal(t, defaultConfigPath, path)
	assert.False(t, explicit)

	t.Setenv(envConfigPath, "/etc/boardlink.yaml")
	path, explicit, err = resolveConfigPath(nil)
	require.NoError(t, err)
	assert.Equal(t, "/etc/boardlink.yaml", path)
	assert.True(t, explicit)

	path, _, err = resolveConfigPath([]string{"--config", "a.yaml"})
	require.NoError(t, err)
	assert.Equal(t, "a.yaml", path)

	path, _, err = resolveConfigPath([]string{"--config=b.yaml"})
	require.NoError(t, err)
	assert.Equal(t, "b.yaml", path)

	path, _, err = resolveConfigPath([]string{"-config", "c.yaml", "--", "--config", "ignored.yaml"})
	require.NoError(t, err)
	assert.Equal(t, "c.yaml", path)

	_, _, err = resolveConfigPath([]string{"--config"})
	assert.Error(t, err)
}

func TestBindFlags(t *testing.T) {
	t.Setenv(envConfigPath, "")
	path := writeConfig(t, sampleConfig)
	args := []string{"-verbose", "--config", path}

	fs := flag.NewFlagSet("boardlink", flag.ContinueOnError)
	verbose := fs.Bool("verbose", false, "")
	app := New()
	app.BindFlags(fs)
	require.NoError(t, fs.Parse(args))
	assert.True(t, *verbose)

	resolved, explicit, err := resolveConfigPath(args)
	require.NoError(t, err)
	assert.Equal(t, path, resolved)
	assert.True(t, explicit)

	require.NoError(t, app.run(nil))
	assert.Equal(t, path, app.ConfigPath())
	sc, err := app.ServerConfig()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9090", sc.Address)
}

func TestRunWithConfigFile(t *testing.T) {
	t.Setenv(envConfigPath, "")
	path := writeConfig(t, sampleConfig)

	app := New()
	require.NoError(t, app.run([]string{"--config", path}))
	assert.Equal(t, path, app.ConfigPath())

	cc, err := app.ConnectorConfig()
	require.NoError(t, err)
	assert.Equal(t, "http://printer.local", cc.Address)
	assert.Equal(t, "secret", cc.Password)
	assert.Equal(t, 2*time.Second, cc.RequestTimeout)
	assert.Equal(t, 5, cc.MaxRetries)
	assert.True(t, cc.ObserveModel)
	assert.Equal(t, connector.DefaultPingInterval, cc.PingInterval)

	sc, err := app.ServerConfig()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9090", sc.Address)
	assert.Equal(t, 30*time.Second, sc.SessionIdleTimeout)
	assert.Equal(t, acceptor.DefaultConfig().SweepInterval, sc.SweepInterval)

	assert.NotNil(t, app.Logger("connector"))
	assert.NotNil(t, app.Logger("unknown"))
}

func TestRunWithoutConfigFile(t *testing.T) {
	t.Setenv(envConfigPath, "")
	t.Chdir(t.TempDir())

	app := New()
	require.NoError(t, app.run(nil))

	cc, err := app.ConnectorConfig()
	require.NoError(t, err)
	assert.Equal(t, defaultConnectorAddress, cc.Address)
	assert.Equal(t, connector.DefaultRequestTimeout, cc.RequestTimeout)

	sc, err := app.ServerConfig()
	require.NoError(t, err)
	assert.Equal(t, acceptor.DefaultConfig(), sc)
}

func TestRunMissingExplicitConfig(t *testing.T) {
	t.Setenv(envConfigPath, "")
	app := New()
	assert.Error(t, app.run([]string{"--config", filepath.Join(t.TempDir(), "absent.yaml")}))
}

func TestEnvOverridesConfig(t *testing.T) {
	t.Setenv(envConfigPath, "")
	t.Setenv("BOARDLINK_SERVER_PASSWORD", "from-env")
	t.Setenv("BOARDLINK_CONNECTOR_MAXRETRIES", "7")
	path := writeConfig(t, sampleConfig)

	app := New()
	require.NoError(t, app.run([]string{"--config", path}))

	sc, err := app.ServerConfig()
	require.NoError(t, err)
	assert.Equal(t, "from-env", sc.Password)

	cc, err := app.ConnectorConfig()
	require.NoError(t, err)
	assert.Equal(t, 7, cc.MaxRetries)
}

func TestGetenvBool(t *testing.T) {
	t.Setenv("BOARDLINK_TEST_FLAG", "on")
	assert.True(t, getenvBool("BOARDLINK_TEST_FLAG", false))
	t.Setenv("BOARDLINK_TEST_FLAG", "off")
	assert.False(t, getenvBool("BOARDLINK_TEST_FLAG", true))
	t.Setenv("BOARDLINK_TEST_FLAG", "maybe")
	assert.True(t, getenvBool("BOARDLINK_TEST_FLAG", true))
}
