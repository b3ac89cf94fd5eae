package commands

import (
	"github.com/joho/godotenv"

	"notary-mpc/requests"
	"notary-mpc/shared"
)

// Config is the process configuration. Values come from the environment
// (optionally a .env file) and are overridden by flags.
type Config struct {
	ListenAddr      string
	RelayListenAddr string
	DataDir         string
	Passphrase      string

	RelayURL        string
	EngineURL       string
	NotaryURL       string
	ProxyURL        string
	MaxSentData     int
	MaxRecvData     int
	RequireApproval bool
	Reconnect       bool

	SignAttestations bool
}

// LoadConfig reads .env when present and fills Config from the environment.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !isNotExist(err) {
		return nil, err
	}
	return &Config{
		ListenAddr:      shared.GetEnvOrDefault("LISTEN_ADDR", "127.0.0.1:7070"),
		RelayListenAddr: shared.GetEnvOrDefault("RELAY_LISTEN_ADDR", ":7080"),
		DataDir:         shared.GetEnvOrDefault("DATA_DIR", defaultDataDir()),
		Passphrase:      shared.GetEnvOrDefault("STORE_PASSPHRASE", ""),
		RelayURL:        shared.GetEnvOrDefault("RELAY_URL", "ws://localhost:7080/signal"),
		EngineURL:       shared.GetEnvOrDefault("ENGINE_URL", "ws://localhost:7090/engine"),
		NotaryURL:       shared.GetEnvOrDefault("NOTARY_URL", ""),
		ProxyURL:        shared.GetEnvOrDefault("WEBSOCKET_PROXY_URL", ""),
		MaxSentData:     shared.GetEnvIntOrDefault("MAX_SENT_DATA", requests.DefaultMaxSentData),
		MaxRecvData:     shared.GetEnvIntOrDefault("MAX_RECV_DATA", requests.DefaultMaxRecvData),
		RequireApproval: shared.GetEnvBoolOrDefault("REQUIRE_APPROVAL", true),
		Reconnect:       shared.GetEnvBoolOrDefault("RELAY_RECONNECT", true),

		SignAttestations: shared.GetEnvBoolOrDefault("SIGN_ATTESTATIONS", true),
	}, nil
}

// Endpoints returns the request defaults derived from the config.
func (c *Config) Endpoints() requests.EndpointConfig {
	return requests.EndpointConfig{
		NotaryURL:         c.NotaryURL,
		WebsocketProxyURL: c.ProxyURL,
		MaxSentData:       c.MaxSentData,
		MaxRecvData:       c.MaxRecvData,
	}
}
