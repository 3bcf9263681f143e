// Package types provides configuration types for the options trade
// lifecycle engine.
package types

import "time"

// ServerConfig configures the HTTP control plane and WebSocket reporting
// stream.
type ServerConfig struct {
	Host           string        `json:"host"`
	Port           int           `json:"port"`
	WebSocketPath  string        `json:"websocketPath"`
	ReadTimeout    time.Duration `json:"readTimeout"`
	WriteTimeout   time.Duration `json:"writeTimeout"`
	MaxConnections int           `json:"maxConnections"`
	EnableMetrics  bool          `json:"enableMetrics"`
	MetricsPort    int           `json:"metricsPort"`
}

// DataConfig configures the durable store's on-disk layout.
type DataConfig struct {
	DataDir string `json:"dataDir"`
}
