package config

import (
	"fmt"
	"os"
	"runtime/debug"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog/log"
)

// Prefix is prepended to every environment variable read by Parse.
const Prefix = "DEPLOYQ"

type Config struct {
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`
	LogPrettyPrint bool   `envconfig:"LOG_PRETTY" default:"false"`

	Port          int           `envconfig:"PORT" default:"8080" desc:"Port the webhook server listens on"`
	PipelineFile  string        `envconfig:"PIPELINE_FILE" default:"deployq.yaml" desc:"Pipeline definition"`
	WorkDir       string        `envconfig:"WORK_DIR" default:"" desc:"Parent directory for checkouts, empty means the OS temp dir"`
	LogDir        string        `envconfig:"LOG_DIR" default:"./logs" desc:"Directory for per-run stage logs"`
	LedgerFile    string        `envconfig:"LEDGER_FILE" default:"./ledger.jsonl" desc:"Provenance ledger (JSON lines)"`
	KeyDir        string        `envconfig:"KEY_DIR" default:"./keys" desc:"Directory holding the ledger signing key pair"`
	TrustDir      string        `envconfig:"TRUST_DIR" default:"" desc:"Directory for the SSH known_hosts trust store, empty means a per-deploy temp dir"`
	StepTimeout   time.Duration `envconfig:"STEP_TIMEOUT" default:"30m" desc:"Timeout applied to steps without their own"`
	QueueSize     int           `envconfig:"QUEUE_SIZE" default:"16" desc:"Pending runs accepted by the webhook server"`
	WebhookSecret string        `envconfig:"WEBHOOK_SECRET" default:"" desc:"HMAC secret for X-Hub-Signature-256, empty disables the check"`
	RepositoryURL string        `envconfig:"REPOSITORY_URL" default:"" desc:"Clone URL for every run, overriding the one in push events when set"`
	AgentID       string        `envconfig:"AGENT_ID" default:"local-agent" desc:"Identifies this runner in provenance records"`
}

// Parse reads the configuration from the environment.
func Parse() (Config, error) {
	var c Config
	if err := envconfig.Process(Prefix, &c); err != nil {
		return c, err
	}
	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

// MustParse is Parse for main packages: it prints usage and exits on error.
func MustParse() Config {
	c, err := Parse()
	if err != nil {
		_ = envconfig.Usage(Prefix, &c)
		log.Fatal().Msg(err.Error())
	}
	if c.WorkDir == "" {
		c.WorkDir = os.TempDir()
		log.Debug().Msgf("%s_WORK_DIR is not set, using %s", Prefix, c.WorkDir)
	}
	return c
}

func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.StepTimeout <= 0 {
		return fmt.Errorf("step timeout must be positive, got %s", c.StepTimeout)
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("queue size must be positive, got %d", c.QueueSize)
	}
	return nil
}

// ParseVersion describes the running binary from its embedded build info.
func ParseVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "dev (no build info)"
	}

	commit := "unknown"
	modified := ""
	version := "dev"

	if info.Main.Version != "" {
		version = info.Main.Version
	}

	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			commit = setting.Value
		case "vcs.modified":
			if setting.Value == "true" {
				modified = "-modified"
			}
		}
	}

	return fmt.Sprintf("%s (%s%s)", version, commit, modified)
}
