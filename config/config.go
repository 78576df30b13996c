package config

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/codingpa-ws/siprtmp/constants"
)

// Config is the gateway's option surface. Flags override file values.
type Config struct {
	// Host is the listening address for both engines.
	Host string `yaml:"host"`
	// Port is the listening port (TCP and UDP).
	Port int `yaml:"port"`
	// IntIP binds signaling and media sockets.
	IntIP string `yaml:"int-ip"`
	// ExtIP is advertised inside session descriptions.
	ExtIP string `yaml:"ext-ip"`
	// Fork is the number of parallel scheduler processes.
	Fork int `yaml:"fork"`
	// NoRTMP disables the streaming engine, leaving only rendezvous.
	NoRTMP bool `yaml:"no-rtmp"`
	// Middle enables man-in-middle rendezvous mode.
	Middle bool `yaml:"middle"`
	// FreqManage is the session-manager sweep interval in seconds.
	FreqManage int `yaml:"freq-manage"`
	// KeepAliveServer is the keepalive interval with peers, seconds.
	KeepAliveServer int `yaml:"keep-alive-server"`
	// KeepAlivePeer is the keepalive interval advertised to peers.
	KeepAlivePeer int `yaml:"keep-alive-peer"`
}

func Default() Config {
	return Config{
		Port:            constants.DefaultPort,
		Fork:            1,
		FreqManage:      constants.ManageInterval,
		KeepAliveServer: 15,
		KeepAlivePeer:   10,
	}
}

// Load reads a YAML file over the defaults. A missing path keeps the
// defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "config: reading file")
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrap(err, "config: parsing yaml")
	}
	return cfg, cfg.Validate()
}

func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return errors.Errorf("config: invalid port %d", c.Port)
	}
	if c.FreqManage < 1 {
		return errors.Errorf("config: freq-manage must be at least 1 second, got %d", c.FreqManage)
	}
	if c.Fork < 1 {
		c.Fork = 1
	}
	return nil
}
