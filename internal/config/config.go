// Package config gathers the server settings from defaults, an optional
// TOML file and the environment, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/1ureka/adbhost/internal/protocol"
)

// Config is everything the server needs to start.
type Config struct {
	// ServerSocket is the smart socket spec, "tcp:5037" by default.
	ServerSocket string
	// ListenAll binds the server and tcp: forwards on every interface.
	ListenAll bool

	Trace      string
	VendorKeys string
	// Serial is the default target of client commands (ANDROID_SERIAL).
	Serial string
	// OneDevice restricts the server to one device.
	OneDevice string

	Libusb     bool
	RejectKill bool
	BurstMode  bool
	// LegacyChecksum verifies payload checksums from legacy peers instead
	// of rejecting them.
	LegacyChecksum bool

	TCPKeepAlive time.Duration

	EmulatorScan bool
	// EmulatorHost is dialed before loopback when probing (ADBHOST).
	EmulatorHost string
	// EmulatorMaxPort is the last adb port probed.
	EmulatorMaxPort int

	Mdns            bool
	MdnsAutoConnect string
	MdnsTTL         time.Duration

	ReconnectAttempts int
	ReconnectInterval time.Duration

	MetricsListen string
	LogFile       string
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		ServerSocket:    fmt.Sprintf("tcp:%d", protocol.DefaultServerPort),
		LegacyChecksum:  true,
		TCPKeepAlive:    time.Second,
		EmulatorScan:    true,
		EmulatorMaxPort: protocol.DefaultLocalTransportPort + 16*2 - 1,
		Mdns:            true,
		MdnsTTL:         2 * time.Minute,
	}
}

// DefaultPath is $HOME/.android/adb_server.toml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".android", "adb_server.toml")
}

type fileConfig struct {
	ServerSocket      string `toml:"server_socket"`
	ListenAll         bool   `toml:"listen_all"`
	Trace             string `toml:"trace"`
	VendorKeys        string `toml:"vendor_keys"`
	OneDevice         string `toml:"one_device"`
	Libusb            bool   `toml:"libusb"`
	RejectKill        bool   `toml:"reject_kill_server"`
	BurstMode         bool   `toml:"burst_mode"`
	LegacyChecksum    bool   `toml:"legacy_checksum"`
	TCPKeepAlive      string `toml:"tcp_keepalive_interval"`
	EmulatorScan      bool   `toml:"emulator_scan"`
	EmulatorMaxPort   int    `toml:"emulator_max_port"`
	Mdns              bool   `toml:"mdns"`
	MdnsAutoConnect   string `toml:"mdns_auto_connect"`
	MdnsTTL           string `toml:"mdns_ttl"`
	ReconnectAttempts int    `toml:"reconnect_attempts"`
	ReconnectInterval string `toml:"reconnect_interval"`
	MetricsListen     string `toml:"metrics_listen"`
	LogFile           string `toml:"log_file"`
}

// Load starts from Default, applies the file at path and then the
// environment. An empty path reads DefaultPath when that file exists.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		if p := DefaultPath(); p != "" {
			if _, err := os.Stat(p); err == nil {
				path = p
			}
		}
	}
	if path != "" {
		if err := cfg.ApplyFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyFile overrides the keys the file defines.
func (c *Config) ApplyFile(path string) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("load config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("server_socket") {
		c.ServerSocket = strings.TrimSpace(raw.ServerSocket)
	}
	if meta.IsDefined("listen_all") {
		c.ListenAll = raw.ListenAll
	}
	if meta.IsDefined("trace") {
		c.Trace = raw.Trace
	}
	if meta.IsDefined("vendor_keys") {
		c.VendorKeys = raw.VendorKeys
	}
	if meta.IsDefined("one_device") {
		c.OneDevice = strings.TrimSpace(raw.OneDevice)
	}
	if meta.IsDefined("libusb") {
		c.Libusb = raw.Libusb
	}
	if meta.IsDefined("reject_kill_server") {
		c.RejectKill = raw.RejectKill
	}
	if meta.IsDefined("burst_mode") {
		c.BurstMode = raw.BurstMode
	}
	if meta.IsDefined("legacy_checksum") {
		c.LegacyChecksum = raw.LegacyChecksum
	}
	if meta.IsDefined("tcp_keepalive_interval") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.TCPKeepAlive))
		if err != nil {
			return fmt.Errorf("parse tcp_keepalive_interval: %w", err)
		}
		c.TCPKeepAlive = d
	}
	if meta.IsDefined("emulator_scan") {
		c.EmulatorScan = raw.EmulatorScan
	}
	if meta.IsDefined("emulator_max_port") {
		c.EmulatorMaxPort = raw.EmulatorMaxPort
	}
	if meta.IsDefined("mdns") {
		c.Mdns = raw.Mdns
	}
	if meta.IsDefined("mdns_auto_connect") {
		c.MdnsAutoConnect = strings.TrimSpace(raw.MdnsAutoConnect)
	}
	if meta.IsDefined("mdns_ttl") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.MdnsTTL))
		if err != nil {
			return fmt.Errorf("parse mdns_ttl: %w", err)
		}
		c.MdnsTTL = d
	}
	if meta.IsDefined("reconnect_attempts") {
		c.ReconnectAttempts = raw.ReconnectAttempts
	}
	if meta.IsDefined("reconnect_interval") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.ReconnectInterval))
		if err != nil {
			return fmt.Errorf("parse reconnect_interval: %w", err)
		}
		c.ReconnectInterval = d
	}
	if meta.IsDefined("metrics_listen") {
		c.MetricsListen = strings.TrimSpace(raw.MetricsListen)
	}
	if meta.IsDefined("log_file") {
		c.LogFile = strings.TrimSpace(raw.LogFile)
	}
	return nil
}

// ApplyEnv overrides settings from the adb environment variables. lookup
// is os.LookupEnv outside of tests.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []error

	if v, ok := lookup("ADB_TRACE"); ok {
		c.Trace = v
	}
	if v, ok := lookup("ADB_VENDOR_KEYS"); ok {
		c.VendorKeys = v
	}
	if v, ok := lookup("ANDROID_SERIAL"); ok {
		c.Serial = v
	}

	// ADB_SERVER_SOCKET wins over the address and port pair.
	if v, ok := lookup("ADB_SERVER_SOCKET"); ok && v != "" {
		c.ServerSocket = v
	} else {
		addr, hasAddr := lookup("ANDROID_ADB_SERVER_ADDRESS")
		port, hasPort := lookup("ANDROID_ADB_SERVER_PORT")
		if hasAddr || hasPort {
			p := protocol.DefaultServerPort
			if hasPort && port != "" {
				n, err := strconv.Atoi(port)
				if err != nil || n <= 0 || n > 65535 {
					errs = append(errs, fmt.Errorf("ANDROID_ADB_SERVER_PORT: invalid port %q", port))
				} else {
					p = n
				}
			}
			if addr != "" {
				c.ServerSocket = fmt.Sprintf("tcp:%s:%d", addr, p)
			} else {
				c.ServerSocket = fmt.Sprintf("tcp:%d", p)
			}
		}
	}

	if v, ok := lookup("ADB_LOCAL_TRANSPORT_MAX_PORT"); ok {
		// Values below the first emulator port disable the scan range,
		// which mimics ADB_EMU=0.
		if n, err := strconv.ParseUint(v, 10, 32); err == nil && n < 65536 {
			c.EmulatorMaxPort = int(n)
		}
	}
	if v, ok := lookup("ADB_EMU"); ok && v == "0" {
		c.EmulatorScan = false
	}
	if v, ok := lookup("ADBHOST"); ok {
		c.EmulatorHost = v
	}
	if v, ok := lookup("ADB_MDNS_AUTO_CONNECT"); ok {
		c.MdnsAutoConnect = v
	}
	if v, ok := lookup("ADB_MDNS"); ok && v == "0" {
		c.Mdns = false
	}
	if v, ok := lookup("ADB_LIBUSB"); ok {
		c.Libusb = v == "1"
	}
	if v, ok := lookup("ADB_REJECT_KILL_SERVER"); ok {
		c.RejectKill = v == "1"
	}
	if v, ok := lookup("ADB_BURST_MODE"); ok {
		c.BurstMode = v == "1"
	}
	if v, ok := lookup("ADB_TCP_KEEPALIVE_INTERVAL"); ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			errs = append(errs, fmt.Errorf("ADB_TCP_KEEPALIVE_INTERVAL: invalid value %q", v))
		} else {
			c.TCPKeepAlive = time.Duration(n) * time.Second
		}
	}
	return errors.Join(errs...)
}
