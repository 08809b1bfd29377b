package config

import (
	"os"

	"github.com/freelancehub/creditengine/internal/cache"
	"github.com/freelancehub/creditengine/internal/db"
	"github.com/freelancehub/creditengine/internal/log"
	"github.com/freelancehub/creditengine/internal/scheduler"
	httpserver "github.com/freelancehub/creditengine/internal/server/http"
	"github.com/freelancehub/creditengine/internal/service/ledger"
	"github.com/freelancehub/creditengine/internal/service/notification"
	"github.com/freelancehub/creditengine/internal/service/processing"
	"github.com/freelancehub/creditengine/internal/service/referral"
	"github.com/freelancehub/creditengine/internal/service/subscription"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

type Config struct {
	GitCommit  string
	GitVersion string

	Env    string     `yaml:"env" env:"APP_ENV" env-default:"production"`
	Logger log.Config `yaml:"logger"`

	Billing Billing `yaml:"billing"`
}

type Billing struct {
	Server       httpserver.Config       `yaml:"server"`
	Postgres     db.Config               `yaml:"postgres"`
	Cache        cache.Config            `yaml:"cache"`
	Scheduler    scheduler.Config        `yaml:"scheduler"`
	Ledger       ledger.Config           `yaml:"ledger"`
	Referral     referral.Config         `yaml:"referral"`
	Subscription subscription.Config     `yaml:"subscription"`
	SMTP         notification.SMTPConfig `yaml:"smtp"`
	Payments     processing.Config       `yaml:"payments"`
}

// Load reads an optional .env file, then the YAML file at path (when not
// empty), then the environment. Later sources win.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, errors.Wrap(err, "unable to load .env")
	}

	var cfg Config

	if path == "" {
		if err := cleanenv.ReadEnv(&cfg); err != nil {
			return nil, errors.Wrap(err, "unable to read config from env")
		}

		return &cfg, nil
	}

	if err := cleanenv.ReadConfig(path, &cfg); err != nil {
		return nil, errors.Wrapf(err, "unable to read config %q", path)
	}

	return &cfg, nil
}

// Describe returns the env variables the config understands.
func Describe() (string, error) {
	var cfg Config

	return cleanenv.GetDescription(&cfg, nil)
}
