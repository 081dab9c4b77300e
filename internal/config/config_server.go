package config

// ServerConfig configures the HTTP surface (internal/transport) exposing
// /chat, the SSE stream, /history, and /approval.
type ServerConfig struct {
	Host     string `yaml:"host"`
	HTTPPort int    `yaml:"http_port"`
}
