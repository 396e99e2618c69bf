package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config estructura principal de configuración
type Config struct {
	AMI      AMIConfig      `yaml:"ami"`
	API      APIConfig      `yaml:"api"`
	Database DatabaseConfig `yaml:"database"`
	Engine   EngineConfig   `yaml:"engine"`
	Log      LogConfig      `yaml:"log"`
}

type AMIConfig struct {
	Host              string `yaml:"host"`
	Port              int    `yaml:"port"`
	Username          string `yaml:"username"`
	Secret            string `yaml:"secret"`
	SecretEncrypted   string `yaml:"secret_encrypted"` // AES-256-GCM, base64; tiene prioridad sobre secret
	PeerUsername      string `yaml:"peer_username"`    // usuario de la troncal SIP para el canal saliente
	Context           string `yaml:"context"`
	ReconnectInterval int    `yaml:"reconnect_interval"`
	MaxReconnectFails int    `yaml:"max_reconnect_failures"`
	ActionTimeout     int    `yaml:"action_timeout"`    // segundos de espera por respuesta a una acción
	KeepaliveInterval int    `yaml:"keepalive"`         // segundos entre Ping; 0 desactiva
	OriginateTimeout  int    `yaml:"originate_timeout"` // segundos que Asterisk intenta la llamada
}

type APIConfig struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	EnableCORS bool   `yaml:"enable_cors"`
	JWTSecret  string `yaml:"jwt_secret"`
}

type DatabaseConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	Database     string `yaml:"database"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

type EngineConfig struct {
	ShutdownTimeout    int    `yaml:"shutdown_timeout"`     // segundos de gracia al detener un dialer
	OrphanSweepEvery   int    `yaml:"orphan_sweep_every"`   // segundos entre barridos de llamadas huérfanas
	OrphanMaxAge       int    `yaml:"orphan_max_age"`       // segundos sin eventos antes de marcar huérfana
	MaxConcurrentCalls int    `yaml:"max_concurrent_calls"` // 0 = sin límite
	DailyResetCron     string `yaml:"daily_reset_cron"`     // expresión cron para reiniciar contadores diarios
	StatsPushEvery     int    `yaml:"stats_push_every"`     // segundos entre difusiones de stats; 0 desactiva
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// IsDebug indica si el nivel de log pedido habilita las líneas de depuración
func (l LogConfig) IsDebug() bool {
	return strings.EqualFold(l.Level, "debug")
}

// Load carga la configuración desde archivo YAML
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error leyendo archivo de configuración: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("error parseando YAML: %w", err)
	}

	applyDefaults(&cfg)
	overrideWithEnv(&cfg)

	return &cfg, nil
}

// applyDefaults completa los valores no especificados en el YAML
func applyDefaults(cfg *Config) {
	if cfg.AMI.Port == 0 {
		cfg.AMI.Port = 5038
	}
	if cfg.AMI.Context == "" {
		cfg.AMI.Context = "default"
	}
	if cfg.AMI.ReconnectInterval == 0 {
		cfg.AMI.ReconnectInterval = 5
	}
	if cfg.AMI.MaxReconnectFails == 0 {
		cfg.AMI.MaxReconnectFails = 10
	}
	if cfg.AMI.ActionTimeout == 0 {
		cfg.AMI.ActionTimeout = 15
	}
	if cfg.AMI.OriginateTimeout == 0 {
		cfg.AMI.OriginateTimeout = 30
	}
	if cfg.API.Host == "" {
		cfg.API.Host = "0.0.0.0"
	}
	if cfg.API.Port == 0 {
		cfg.API.Port = 8080
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 3306
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Engine.ShutdownTimeout == 0 {
		cfg.Engine.ShutdownTimeout = 5
	}
	if cfg.Engine.OrphanSweepEvery == 0 {
		cfg.Engine.OrphanSweepEvery = 60
	}
	if cfg.Engine.OrphanMaxAge == 0 {
		cfg.Engine.OrphanMaxAge = 600
	}
	if cfg.Engine.DailyResetCron == "" {
		cfg.Engine.DailyResetCron = "0 0 * * *"
	}
}

// overrideWithEnv permite sobrescribir configuración con variables de entorno
func overrideWithEnv(cfg *Config) {
	if v := os.Getenv("TELECRM_AMI_HOST"); v != "" {
		cfg.AMI.Host = v
	}
	if v := os.Getenv("TELECRM_AMI_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.AMI.Port = p
		}
	}
	if v := os.Getenv("TELECRM_AMI_USERNAME"); v != "" {
		cfg.AMI.Username = v
	}
	if v := os.Getenv("TELECRM_AMI_SECRET"); v != "" {
		cfg.AMI.Secret = v
	}
	if v := os.Getenv("TELECRM_DB_HOST"); v != "" {
		cfg.Database.Host = v
	}
	if v := os.Getenv("TELECRM_DB_USERNAME"); v != "" {
		cfg.Database.Username = v
	}
	if v := os.Getenv("TELECRM_DB_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}
	if v := os.Getenv("TELECRM_DB_DATABASE"); v != "" {
		cfg.Database.Database = v
	}
	if v := os.Getenv("TELECRM_JWT_SECRET"); v != "" {
		cfg.API.JWTSecret = v
	}
}

// Address devuelve la dirección completa del servidor API
func (a APIConfig) Address() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

// Address devuelve la dirección completa del servidor AMI
func (a AMIConfig) Address() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

// DSN devuelve el Data Source Name para MySQL
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&charset=utf8mb4",
		d.Username, d.Password, d.Host, d.Port, d.Database)
}
