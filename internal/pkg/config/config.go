package config

import (
	"io"
	"strings"
	"time"

	"github.com/lucheng0127/portrelay/pkg/relay"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v2"
)

const EnvPrefix = "RELAYD"

// RelayConf is one relay record as written in the config file
type RelayConf struct {
	Name             string `mapstructure:"name" yaml:"name"`
	Listen           string `mapstructure:"listen" yaml:"listen"`
	Target           string `mapstructure:"target" yaml:"target"`
	TCP              bool   `mapstructure:"tcp" yaml:"tcp"`
	UDP              bool   `mapstructure:"udp" yaml:"udp"`
	BufferSize       int    `mapstructure:"buffer_size" yaml:"buffer_size"`
	TimeoutMs        int    `mapstructure:"timeout_ms" yaml:"timeout_ms"`
	UDPIdleTimeoutMs int    `mapstructure:"udp_idle_timeout_ms" yaml:"udp_idle_timeout_ms"`
}

type RelayConfigSet struct {
	LogLevel string      `mapstructure:"log_level" yaml:"log_level"`
	Relays   []RelayConf `mapstructure:"relays" yaml:"relays"`
}

// Endpoint converts the record into a relay config, omitted buffer size
// and udp idle timeout take the relay defaults
func (rc RelayConf) Endpoint() relay.EndpointConfig {
	conf := relay.EndpointConfig{
		Name:           rc.Name,
		ListenAddress:  rc.Listen,
		TargetAddress:  rc.Target,
		TCP:            rc.TCP,
		UDP:            rc.UDP,
		BufferSize:     rc.BufferSize,
		IOTimeout:      time.Duration(rc.TimeoutMs) * time.Millisecond,
		UDPIdleTimeout: time.Duration(rc.UDPIdleTimeoutMs) * time.Millisecond,
	}
	if conf.BufferSize == 0 {
		conf.BufferSize = relay.DefaultBufferSize
	}
	if conf.UDPIdleTimeout == 0 {
		conf.UDPIdleTimeout = relay.DefaultUDPIdleTimeout
	}
	return conf
}

func (s *RelayConfigSet) Endpoints() []relay.EndpointConfig {
	confs := make([]relay.EndpointConfig, 0, len(s.Relays))
	for _, rc := range s.Relays {
		confs = append(confs, rc.Endpoint())
	}
	return confs
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetDefault("log_level", "info")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// ReadConfigFile loads path as format (yaml, toml or json), top level keys
// can be overridden with RELAYD_ prefixed environment variables
func ReadConfigFile(path, format string) (*RelayConfigSet, error) {
	v := newViper()
	v.SetConfigFile(path)
	v.SetConfigType(format)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	return decode(v)
}

// ReadConfig loads the config from r, used when the config does not come
// from a file
func ReadConfig(r io.Reader, format string) (*RelayConfigSet, error) {
	v := newViper()
	v.SetConfigType(format)

	if err := v.ReadConfig(r); err != nil {
		return nil, err
	}
	return decode(v)
}

func decode(v *viper.Viper) (*RelayConfigSet, error) {
	set := new(RelayConfigSet)
	if err := v.Unmarshal(set); err != nil {
		return nil, err
	}
	set.LogLevel = v.GetString("log_level")
	return set, nil
}

// Dump writes set as yaml with the relay defaults filled in
func Dump(w io.Writer, set *RelayConfigSet) error {
	out := RelayConfigSet{LogLevel: set.LogLevel}
	for _, rc := range set.Relays {
		conf := rc.Endpoint()
		rc.BufferSize = conf.BufferSize
		rc.UDPIdleTimeoutMs = int(conf.UDPIdleTimeout / time.Millisecond)
		out.Relays = append(out.Relays, rc)
	}

	data, err := yaml.Marshal(&out)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}
