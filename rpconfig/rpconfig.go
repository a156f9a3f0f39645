// Package rpconfig loads every environment variable restpipe recognizes
// through viper so a future config file or flag binding is a small
// addition rather than a rewrite.
package rpconfig

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is the fully-resolved set of options either binary needs.
// Fields are grouped by which side of the pipe consumes them; both
// sides load the same Config type since most fields are shared (TLS
// material, timing, reserved codes).
type Config struct {
	ClientTargetHostname string
	ClientTargetPort     int

	ServerBindInterface string
	ServerBindPort       int

	ClientCertPath    string
	ClientKeyFilename string
	ClientCrtFilename string

	ServerCertPath    string
	ServerKeyFilename string
	ServerCrtFilename string

	CACrtFilename string

	HeartbeatInterval              time.Duration
	HeartbeatTimeout                time.Duration
	MinimalReattemptWait            time.Duration
	MessageLoopReadTimeout          time.Duration
	DefaultConnectionWaitTimeout    time.Duration

	UnhandledEventCode     int32
	UnhandledExceptionCode int32

	// EtcdEndpoints, when non-empty, turns on the catalog's optional
	// cross-process mirror, giving an outside process visibility into
	// who is connected without participating in membership decisions.
	EtcdEndpoints []string
	// StatsDAddr, when non-empty, turns on UDP StatsD metrics emission.
	StatsDAddr string
}

// Load reads every recognized variable from the environment (and, if
// present, a config file discovered by viper's normal search path),
// applying the documented defaults for anything unset.
func Load() (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("") // several variables are deliberately unprefixed
	v.AutomaticEnv()

	v.SetDefault("RP_CLIENT_TARGET_HOSTNAME", "localhost")
	v.SetDefault("RP_CLIENT_TARGET_PORT", 9443)
	v.SetDefault("RP_SERVER_BIND_INTERFACE", "0.0.0.0")
	v.SetDefault("RP_SERVER_BIND_PORT", 9443)

	v.SetDefault("RP_CLIENT_CERT_PATH", "/etc/restpipe/certs")
	v.SetDefault("RP_CLIENT_KEY_FILENAME", "restpipe.client.key.pem")
	v.SetDefault("RP_CLIENT_CRT_FILENAME", "restpipe.client.crt.pem")

	v.SetDefault("RP_SERVER_CERT_PATH", "/etc/restpipe/certs")
	v.SetDefault("RP_SERVER_KEY_FILENAME", "restpipe.server.key.pem")
	v.SetDefault("RP_SERVER_CRT_FILENAME", "restpipe.server.crt.pem")

	v.SetDefault("RP_CA_CRT_FILENAME", "ca.crt.pem")

	v.SetDefault("HEARTBEAT_INTERVAL_S", 10)
	v.SetDefault("HEARTBEAT_TIMEOUT_S", 5)
	v.SetDefault("MINIMAL_CONNECTION_FAIL_REATTEMPT_WAIT_TIME_S", 10)
	v.SetDefault("MESSAGE_LOOP_READ_TIMEOUT_S", 1)
	v.SetDefault("DEFAULT_CONNECTION_WAIT_TIMEOUT_S", 30)

	v.SetDefault("UNHANDLED_EVENT_CODE", -1)
	v.SetDefault("UNHANDLED_EXCEPTION_CODE", -2)

	v.SetDefault("RP_ETCD_ENDPOINTS", []string{})
	v.SetDefault("RP_STATSD_ADDR", "")

	v.SetConfigName("restpipe")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/restpipe")
	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return Config{}, fmt.Errorf("rpconfig: reading config file: %w", err)
		}
	}

	cfg := Config{
		ClientTargetHostname: v.GetString("RP_CLIENT_TARGET_HOSTNAME"),
		ClientTargetPort:     v.GetInt("RP_CLIENT_TARGET_PORT"),

		ServerBindInterface: v.GetString("RP_SERVER_BIND_INTERFACE"),
		ServerBindPort:      v.GetInt("RP_SERVER_BIND_PORT"),

		ClientCertPath:    v.GetString("RP_CLIENT_CERT_PATH"),
		ClientKeyFilename: v.GetString("RP_CLIENT_KEY_FILENAME"),
		ClientCrtFilename: v.GetString("RP_CLIENT_CRT_FILENAME"),

		ServerCertPath:    v.GetString("RP_SERVER_CERT_PATH"),
		ServerKeyFilename: v.GetString("RP_SERVER_KEY_FILENAME"),
		ServerCrtFilename: v.GetString("RP_SERVER_CRT_FILENAME"),

		CACrtFilename: v.GetString("RP_CA_CRT_FILENAME"),

		HeartbeatInterval:           time.Duration(v.GetInt64("HEARTBEAT_INTERVAL_S")) * time.Second,
		HeartbeatTimeout:            time.Duration(v.GetInt64("HEARTBEAT_TIMEOUT_S")) * time.Second,
		MinimalReattemptWait:        time.Duration(v.GetInt64("MINIMAL_CONNECTION_FAIL_REATTEMPT_WAIT_TIME_S")) * time.Second,
		MessageLoopReadTimeout:      time.Duration(v.GetInt64("MESSAGE_LOOP_READ_TIMEOUT_S")) * time.Second,
		DefaultConnectionWaitTimeout: time.Duration(v.GetInt64("DEFAULT_CONNECTION_WAIT_TIMEOUT_S")) * time.Second,

		UnhandledEventCode:     int32(v.GetInt("UNHANDLED_EVENT_CODE")),
		UnhandledExceptionCode: int32(v.GetInt("UNHANDLED_EXCEPTION_CODE")),

		EtcdEndpoints: v.GetStringSlice("RP_ETCD_ENDPOINTS"),
		StatsDAddr:    v.GetString("RP_STATSD_ADDR"),
	}

	return cfg, nil
}

// ClientCertFiles returns the (key, crt, ca) paths for the client side.
func (c Config) ClientCertFiles() (key, crt, ca string) {
	return c.ClientCertPath + "/" + c.ClientKeyFilename,
		c.ClientCertPath + "/" + c.ClientCrtFilename,
		c.ClientCertPath + "/" + c.CACrtFilename
}

// ServerCertFiles returns the (key, crt, ca) paths for the server side.
func (c Config) ServerCertFiles() (key, crt, ca string) {
	return c.ServerCertPath + "/" + c.ServerKeyFilename,
		c.ServerCertPath + "/" + c.ServerCrtFilename,
		c.ServerCertPath + "/" + c.CACrtFilename
}

// ClientTargetAddr formats the client's dial target as host:port.
func (c Config) ClientTargetAddr() string {
	return fmt.Sprintf("%s:%d", c.ClientTargetHostname, c.ClientTargetPort)
}

// ServerBindAddr formats the server's listen address as interface:port.
func (c Config) ServerBindAddr() string {
	return fmt.Sprintf("%s:%d", c.ServerBindInterface, c.ServerBindPort)
}
