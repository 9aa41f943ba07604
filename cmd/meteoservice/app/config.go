package app

import (
	"flag"
	"time"

	dslog "github.com/grafana/dskit/log"

	"github.com/sitscholl/MeteoService/meteodb"
	"github.com/sitscholl/MeteoService/modules/querier"
	"github.com/sitscholl/MeteoService/modules/workflow"
	"github.com/sitscholl/MeteoService/pkg/provider"
)

type ServerConfig struct {
	HTTPListenAddress string        `yaml:"http_listen_address"`
	HTTPListenPort    int           `yaml:"http_listen_port"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	// ShutdownGracePeriod bounds draining of requests and background cache
	// writes on termination.
	ShutdownGracePeriod time.Duration `yaml:"shutdown_grace_period"`

	LogLevel  dslog.Level `yaml:"log_level"`
	LogFormat string      `yaml:"log_format"`
}

type Config struct {
	Server    ServerConfig               `yaml:"server"`
	Database  meteodb.Config             `yaml:"database"`
	Providers map[string]provider.Config `yaml:"providers"`
	Querier   querier.Config             `yaml:"querier"`
	Workflow  workflow.Config            `yaml:"workflow"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Server.HTTPListenAddress, prefix+"server.http-listen-address", "", "HTTP server listen address.")
	f.IntVar(&cfg.Server.HTTPListenPort, prefix+"server.http-listen-port", 8080, "HTTP server listen port.")
	f.Var(&cfg.Server.LogLevel, prefix+"log.level", "Only log messages with the given severity or above.")
	f.StringVar(&cfg.Server.LogFormat, prefix+"log.format", dslog.LogfmtFormat, "Output log messages in the given format.")

	if cfg.Server.LogLevel.String() == "" {
		_ = cfg.Server.LogLevel.Set("info")
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		// Gap fetches against slow upstreams happen inside the request.
		cfg.Server.WriteTimeout = 5 * time.Minute
	}
	if cfg.Server.ShutdownGracePeriod == 0 {
		cfg.Server.ShutdownGracePeriod = 30 * time.Second
	}

	cfg.Database.RegisterFlagsAndApplyDefaults(prefix+"database.", f)
	cfg.Querier.RegisterFlagsAndApplyDefaults()
	cfg.Workflow.RegisterFlagsAndApplyDefaults()
}

// ConfigWarning bundles a warning with an explanation for startup logging.
type ConfigWarning struct {
	Message string
	Explain string
}

// CheckConfig returns warnings for suspect configurations. Warnings do not
// stop startup.
func (cfg *Config) CheckConfig() []ConfigWarning {
	var warnings []ConfigWarning

	enabled := 0
	for name, p := range cfg.Providers {
		if !p.Enabled {
			continue
		}
		enabled++
		if name == "open-meteo" && len(p.Locations) == 0 {
			warnings = append(warnings, ConfigWarning{
				Message: "open-meteo is enabled without locations",
				Explain: "the adapter resolves station ids through its locations map and will reject every query",
			})
		}
	}
	if enabled == 0 {
		warnings = append(warnings, ConfigWarning{
			Message: "no providers are enabled",
			Explain: "every query will fail with an unknown provider error",
		})
	}

	return warnings
}
