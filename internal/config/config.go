package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type ICEServer struct {
	URLs       []string `mapstructure:"urls" json:"urls"`
	Username   string   `mapstructure:"username" json:"username,omitempty"`
	Credential string   `mapstructure:"credential" json:"credential,omitempty"`
}

// TrunkConfig points at the SIP registrar. An empty registrar disables trunk mode.
type TrunkConfig struct {
	Registrar string `mapstructure:"registrar" json:"registrar,omitempty"`
	Realm     string `mapstructure:"realm" json:"realm,omitempty"`

	// local user agent, never sent to browsers
	Transport      string        `mapstructure:"transport" json:"-"`
	ListenAddr     string        `mapstructure:"listen_addr" json:"-"`
	ContactHost    string        `mapstructure:"contact_host" json:"-"`
	RTPPort        int           `mapstructure:"rtp_port" json:"-"`
	RegisterExpiry time.Duration `mapstructure:"register_expiry" json:"-"`
}

func (t TrunkConfig) Enabled() bool { return t.Registrar != "" && t.Realm != "" }

// AgentConfig is read by cmd/agent only.
type AgentConfig struct {
	SignalURL   string `mapstructure:"signal_url"`
	AgentID     string `mapstructure:"agent_id"`
	Extension   string `mapstructure:"extension"`
	SIPUser     string `mapstructure:"sip_user"`
	SIPPassword string `mapstructure:"sip_password"`
	// RingTimeout bounds an unanswered peer call in either direction.
	RingTimeout time.Duration `mapstructure:"ring_timeout"`
}

type Config struct {
	Mode             string        `mapstructure:"mode"`
	Port             int           `mapstructure:"port"`
	Secret           string        `mapstructure:"secret"`
	ReadLimit        int64         `mapstructure:"read_limit"`
	PingPeriod       time.Duration `mapstructure:"ping_period"`
	SendBuffer       int           `mapstructure:"send_buffer"`
	SlowConsumer     string        `mapstructure:"slow_consumer"`
	JoinRateLimit    int           `mapstructure:"join_rate_limit"`
	JoinRateInterval time.Duration `mapstructure:"join_rate_interval"`
	ICEServers       []ICEServer   `mapstructure:"ice_servers"`
	Trunk            TrunkConfig   `mapstructure:"trunk"`
	Agent            AgentConfig   `mapstructure:"agent"`
}

// Load reads config/config.<CONFIG_ENV>.yaml, falling back to defaults when
// the file is missing. AGENTCALL_* environment variables override both.
func Load() (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env))
}

func LoadFile(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("AGENTCALL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("mode", "release")
	v.SetDefault("port", 3000)
	v.SetDefault("secret", "agentcall-dev-secret")
	v.SetDefault("read_limit", 65536)
	v.SetDefault("ping_period", "25s")
	v.SetDefault("send_buffer", 64)
	v.SetDefault("slow_consumer", "drop")
	v.SetDefault("join_rate_limit", 5)
	v.SetDefault("join_rate_interval", "10s")
	v.SetDefault("ice_servers", []map[string]any{
		{"urls": []string{"stun:stun.l.google.com:19302"}},
	})
	v.SetDefault("trunk.registrar", "")
	v.SetDefault("trunk.realm", "")
	v.SetDefault("trunk.transport", "udp")
	v.SetDefault("trunk.listen_addr", "0.0.0.0:5060")
	v.SetDefault("trunk.contact_host", "127.0.0.1")
	v.SetDefault("trunk.rtp_port", 40000)
	v.SetDefault("trunk.register_expiry", "300s")
	v.SetDefault("agent.signal_url", "ws://localhost:3000/api/ws/signal")
	v.SetDefault("agent.agent_id", "")
	v.SetDefault("agent.extension", "")
	v.SetDefault("agent.sip_user", "")
	v.SetDefault("agent.sip_password", "")
	v.SetDefault("agent.ring_timeout", "45s")

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.SendBuffer <= 0 {
		return nil, fmt.Errorf("send_buffer must be positive, got %d", cfg.SendBuffer)
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Bool("trunk", cfg.Trunk.Enabled()).Msg("config ready")
	return &cfg, nil
}
