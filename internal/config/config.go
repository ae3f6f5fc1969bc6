package config

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

const (
	DefaultOBSURL        = "ws://127.0.0.1:4455"
	DefaultTunnelServer  = "tunnel.obsrelay.dev:7000"
	DefaultRelayPort     = 4456
	DefaultAPIPort       = 4457
	MinRelayPort         = 1024
	MaxRelayPort         = 65535
	settingsFileName     = "settings.json"
	defaultConfigDirName = ".obsrelay"
)

// Keys persisted in the settings store.
const (
	KeyAuthToken      = "tunnelAuthToken"
	KeyRelayPort      = "relayPort"
	KeyRelayAutostart = "relayAutostart"
)

// GetOBSURL returns the control-plane address of the local OBS instance.
func GetOBSURL() string {
	if v := os.Getenv("OBS_URL"); v != "" {
		return v
	}
	return DefaultOBSURL
}

// GetOBSPassword returns the obs-websocket server password, if any.
func GetOBSPassword() string {
	return os.Getenv("OBS_PASSWORD")
}

func GetTunnelServer() string {
	if v := os.Getenv("TUNNEL_SERVER"); v != "" {
		return v
	}
	return DefaultTunnelServer
}

// GetConfigDir returns the directory holding persisted settings, creating it
// when missing. OBSRELAY_HOME overrides the default of ~/.obsrelay.
func GetConfigDir() (string, error) {
	dir := os.Getenv("OBSRELAY_HOME")
	if dir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", errors.Wrap(err, "failed to get user home directory")
		}
		dir = filepath.Join(homeDir, defaultConfigDirName)
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", errors.Wrap(err, "failed to create config directory")
	}
	return dir, nil
}

// OpenDefaultStore opens the settings file under GetConfigDir.
func OpenDefaultStore() (*FileStore, error) {
	dir, err := GetConfigDir()
	if err != nil {
		return nil, err
	}
	return OpenFileStore(filepath.Join(dir, settingsFileName))
}

// ValidRelayPort reports whether port may be used for the relay listener.
func ValidRelayPort(port int) bool {
	return port >= MinRelayPort && port <= MaxRelayPort
}
