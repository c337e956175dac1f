package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Gateway represents gateway server configuration
type Gateway struct {
	// Server configuration
	Server GatewayServer `yaml:"server"`

	// External account/character store configuration
	Store Store `yaml:"store"`

	// Security configuration
	Security Security `yaml:"security"`

	// Tracing configuration
	Tracing Tracing `yaml:"tracing"`

	// Graceful shutdown timeout
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout"`
}

// GatewayServer represents the gateway's listeners and loop settings
type GatewayServer struct {
	// Listen address for game clients
	ClientListenAddr string `yaml:"client_listen_addr"`

	// Listen address for square host control links
	SquareListenAddr string `yaml:"square_listen_addr"`

	// Address advertised to clients in the handshake
	AdvertiseAddr string `yaml:"advertise_addr"`

	// Server loop tick interval
	TickInterval time.Duration `yaml:"tick_interval"`

	// Metrics port
	MetricsPort int `yaml:"metrics_port"`

	// Dump unhandled client packets to .bin files for analysis
	DebugPacketDump bool `yaml:"debug_packet_dump"`

	// Directory for packet dumps
	PacketDumpDir string `yaml:"packet_dump_dir"`
}

// Square represents square (zone host) server configuration
type Square struct {
	// Server configuration
	Server SquareServer `yaml:"server"`

	// Control link to the gateway
	Gateway GatewayLink `yaml:"gateway"`

	// External account/character store configuration
	Store Store `yaml:"store"`

	// Security configuration
	Security Security `yaml:"security"`

	// Tracing configuration
	Tracing Tracing `yaml:"tracing"`

	// Graceful shutdown timeout
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout"`
}

// SquareServer represents the square host's identity and listeners
type SquareServer struct {
	// Name shown in the lobby square list
	Name string `yaml:"name"`

	// Maximum number of players
	Capacity uint32 `yaml:"capacity"`

	// Listen address for game clients
	ClientListenAddr string `yaml:"client_listen_addr"`

	// Host and port advertised through the gateway to clients
	AdvertiseHost string `yaml:"advertise_host"`
	AdvertisePort uint16 `yaml:"advertise_port"`

	// Server loop tick interval
	TickInterval time.Duration `yaml:"tick_interval"`

	// Metrics port
	MetricsPort int `yaml:"metrics_port"`

	// Per-stage player capacity
	StageCapacity int `yaml:"stage_capacity"`

	// Optional NPC spawn list for the hub stage
	NPCFile string `yaml:"npc_file"`

	// Dump unhandled client packets to .bin files for analysis
	DebugPacketDump bool `yaml:"debug_packet_dump"`

	// Directory for packet dumps
	PacketDumpDir string `yaml:"packet_dump_dir"`
}

// GatewayLink represents the square-to-gateway control connection
type GatewayLink struct {
	// Gateway control address
	Addr string `yaml:"addr"`

	// Delay before redialing a dropped link
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`

	// Interval between load report packets
	UpdateInterval time.Duration `yaml:"update_interval"`
}

// Store represents the account/character store configuration
type Store struct {
	// Driver selects the backend: sqlite, redis or memory
	Driver string `yaml:"driver"`

	// Path of the sqlite database file
	Path string `yaml:"path"`

	// Redis configuration, used when driver is redis
	Redis Redis `yaml:"redis"`
}

// Redis represents Redis store configuration
type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`

	// Key prefix for Redis keys
	KeyPrefix string `yaml:"key_prefix"`

	// Connection pool configuration
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// Security represents per-IP connection limits
type Security struct {
	// Maximum connections per IP address
	MaxConnectionsPerIP int `yaml:"max_connections_per_ip"`

	// Connection rate limit (connections per second per IP)
	ConnectionRateLimit int `yaml:"connection_rate_limit"`
}

// Tracing represents tracing configuration
type Tracing struct {
	// Enable span export
	Enabled bool `yaml:"enabled"`

	// Collector endpoint
	Endpoint string `yaml:"endpoint"`
}

// LoadGateway loads gateway configuration from file
func LoadGateway(path string) (*Gateway, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Gateway
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	setGatewayDefaults(&cfg)

	if err := validateGateway(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// LoadSquare loads square host configuration from file
func LoadSquare(path string) (*Square, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Square
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	setSquareDefaults(&cfg)

	if err := validateSquare(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func validateGateway(cfg *Gateway) error {
	if cfg.Server.ClientListenAddr == "" {
		return fmt.Errorf("server.client_listen_addr is required")
	}
	if cfg.Server.SquareListenAddr == "" {
		return fmt.Errorf("server.square_listen_addr is required")
	}
	if cfg.Server.TickInterval <= 0 {
		return fmt.Errorf("server.tick_interval must be greater than 0")
	}
	if cfg.Server.MetricsPort <= 0 || cfg.Server.MetricsPort > 65535 {
		return fmt.Errorf("server.metrics_port must be between 1 and 65535")
	}
	if err := validateStore(&cfg.Store); err != nil {
		return err
	}
	if cfg.GracefulShutdownTimeout <= 0 {
		return fmt.Errorf("graceful_shutdown_timeout must be greater than 0")
	}
	return nil
}

func validateSquare(cfg *Square) error {
	if cfg.Server.Name == "" {
		return fmt.Errorf("server.name is required")
	}
	if cfg.Server.Capacity == 0 {
		return fmt.Errorf("server.capacity must be greater than 0")
	}
	if cfg.Server.ClientListenAddr == "" {
		return fmt.Errorf("server.client_listen_addr is required")
	}
	if cfg.Server.AdvertisePort == 0 {
		return fmt.Errorf("server.advertise_port is required")
	}
	if cfg.Server.TickInterval <= 0 {
		return fmt.Errorf("server.tick_interval must be greater than 0")
	}
	if cfg.Server.StageCapacity <= 0 {
		return fmt.Errorf("server.stage_capacity must be greater than 0")
	}
	if cfg.Gateway.Addr == "" {
		return fmt.Errorf("gateway.addr is required")
	}
	if err := validateStore(&cfg.Store); err != nil {
		return err
	}
	if cfg.GracefulShutdownTimeout <= 0 {
		return fmt.Errorf("graceful_shutdown_timeout must be greater than 0")
	}
	return nil
}

func validateStore(cfg *Store) error {
	switch cfg.Driver {
	case "sqlite":
		if cfg.Path == "" {
			return fmt.Errorf("store.path is required for the sqlite driver")
		}
	case "redis":
		if cfg.Redis.Addr == "" {
			return fmt.Errorf("store.redis.addr is required for the redis driver")
		}
		if cfg.Redis.PoolSize <= 0 {
			return fmt.Errorf("store.redis.pool_size must be greater than 0")
		}
	case "memory":
	default:
		return fmt.Errorf("store.driver must be sqlite, redis or memory")
	}
	return nil
}

func setGatewayDefaults(cfg *Gateway) {
	if cfg.Server.ClientListenAddr == "" {
		cfg.Server.ClientListenAddr = ":15550"
	}
	if cfg.Server.SquareListenAddr == "" {
		cfg.Server.SquareListenAddr = ":14440"
	}
	if cfg.Server.AdvertiseAddr == "" {
		cfg.Server.AdvertiseAddr = "127.0.0.1"
	}
	if cfg.Server.TickInterval == 0 {
		cfg.Server.TickInterval = 20 * time.Millisecond
	}
	if cfg.Server.MetricsPort == 0 {
		cfg.Server.MetricsPort = 9091
	}
	if cfg.Server.PacketDumpDir == "" {
		cfg.Server.PacketDumpDir = "."
	}

	setStoreDefaults(&cfg.Store)
	setSecurityDefaults(&cfg.Security)

	if cfg.GracefulShutdownTimeout == 0 {
		cfg.GracefulShutdownTimeout = 30 * time.Second
	}
}

func setSquareDefaults(cfg *Square) {
	if cfg.Server.Name == "" {
		cfg.Server.Name = "Square 1"
	}
	if cfg.Server.Capacity == 0 {
		cfg.Server.Capacity = 100
	}
	if cfg.Server.ClientListenAddr == "" {
		cfg.Server.ClientListenAddr = ":15560"
	}
	if cfg.Server.AdvertiseHost == "" {
		cfg.Server.AdvertiseHost = "127.0.0.1"
	}
	if cfg.Server.AdvertisePort == 0 {
		cfg.Server.AdvertisePort = 15560
	}
	if cfg.Server.TickInterval == 0 {
		cfg.Server.TickInterval = 20 * time.Millisecond
	}
	if cfg.Server.MetricsPort == 0 {
		cfg.Server.MetricsPort = 9092
	}
	if cfg.Server.StageCapacity == 0 {
		cfg.Server.StageCapacity = 64
	}
	if cfg.Server.PacketDumpDir == "" {
		cfg.Server.PacketDumpDir = "."
	}
	if cfg.Gateway.Addr == "" {
		cfg.Gateway.Addr = "127.0.0.1:14440"
	}
	if cfg.Gateway.ReconnectInterval == 0 {
		cfg.Gateway.ReconnectInterval = 5 * time.Second
	}
	if cfg.Gateway.UpdateInterval == 0 {
		cfg.Gateway.UpdateInterval = 5 * time.Second
	}

	setStoreDefaults(&cfg.Store)
	setSecurityDefaults(&cfg.Security)

	if cfg.GracefulShutdownTimeout == 0 {
		cfg.GracefulShutdownTimeout = 30 * time.Second
	}
}

func setStoreDefaults(cfg *Store) {
	if cfg.Driver == "" {
		cfg.Driver = "sqlite"
	}
	if cfg.Path == "" && cfg.Driver == "sqlite" {
		cfg.Path = "soldin.db"
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Redis.KeyPrefix == "" {
		cfg.Redis.KeyPrefix = "soldin:"
	}
	if cfg.Redis.PoolSize == 0 {
		cfg.Redis.PoolSize = 10
	}
	if cfg.Redis.MinIdleConns == 0 {
		cfg.Redis.MinIdleConns = 5
	}
	if cfg.Redis.DialTimeout == 0 {
		cfg.Redis.DialTimeout = 5 * time.Second
	}
	if cfg.Redis.ReadTimeout == 0 {
		cfg.Redis.ReadTimeout = 3 * time.Second
	}
	if cfg.Redis.WriteTimeout == 0 {
		cfg.Redis.WriteTimeout = 3 * time.Second
	}
}

func setSecurityDefaults(cfg *Security) {
	if cfg.MaxConnectionsPerIP == 0 {
		cfg.MaxConnectionsPerIP = 10
	}
	if cfg.ConnectionRateLimit == 0 {
		cfg.ConnectionRateLimit = 5
	}
}
