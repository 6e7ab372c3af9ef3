package brokerconfig

import (
	"os"
	"path/filepath"
	"testing"

	"go.viam.com/test"
)

func TestLoadAppliesSpeedDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "spi-hub.json")
	test.That(t, os.WriteFile(path, []byte(`{"buses":[{"path":"/dev/spi0"},{"path":"/dev/spi1","speed":2000000}]}`), 0o600), test.ShouldBeNil)

	cfg, err := Load(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(cfg.Buses), test.ShouldEqual, 2)
	test.That(t, cfg.Buses[0].Speed, test.ShouldEqual, int64(DefaultSpeedHz))
	test.That(t, cfg.Buses[1].Speed, test.ShouldEqual, int64(2000000))
}

func TestLoadPreservesLogFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "spi-hub.json")
	test.That(t, os.WriteFile(path, []byte(`{"buses":[{"path":"/dev/spi0"}],"logFile":"/var/log/spi-hub.log"}`), 0o600), test.ShouldBeNil)

	cfg, err := Load(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg.LogFile, test.ShouldEqual, "/var/log/spi-hub.log")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path.json")
	test.That(t, err, test.ShouldNotBeNil)
}

func TestActiveLow(t *testing.T) {
	test.That(t, BusConfig{IRQActive: "low"}.ActiveLow(), test.ShouldBeTrue)
	test.That(t, BusConfig{IRQActive: "high"}.ActiveLow(), test.ShouldBeFalse)
	test.That(t, BusConfig{}.ActiveLow(), test.ShouldBeFalse)
}
