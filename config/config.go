// Package config loads the endpoint settings from the environment.
package config

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/coalalib/coapcore"
)

const EnvPrefix = "COAP_"

type Config struct {
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":5683"`

	// Transmission parameters
	AckTimeout       time.Duration `env:"ACK_TIMEOUT"        envDefault:"2s"`
	BackoffPercent   int           `env:"BACKOFF_PERCENT"    envDefault:"200"`
	MaxRetransmit    int           `env:"MAX_RETRANSMIT"     envDefault:"4"`
	AckRandomPercent int           `env:"ACK_RANDOM_PERCENT" envDefault:"150"`

	// Pool sizes
	Pendings  int `env:"PENDINGS"  envDefault:"10"`
	Replies   int `env:"REPLIES"   envDefault:"10"`
	Observers int `env:"OBSERVERS" envDefault:"10"`

	ExchangeLifetime time.Duration `env:"EXCHANGE_LIFETIME" envDefault:"247s"`
	MaxPacketSize    int           `env:"MAX_PACKET_SIZE"   envDefault:"1280"`

	MetricsAddr string `env:"METRICS_ADDR"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
}

// Load reads an optional .env file and then the COAP_ prefixed variables.
func Load(files ...string) (Config, error) {
	if err := godotenv.Load(files...); err != nil {
		log.WithError(err).Debug("config: no .env file")
	}
	return Parse()
}

// Parse reads the COAP_ prefixed variables only.
func Parse() (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, errors.Wrap(err, "parse environment")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if err := c.TransmissionParameters().Validate(); err != nil {
		return err
	}
	if c.Pendings <= 0 || c.Replies <= 0 || c.Observers <= 0 {
		return errors.Wrapf(coapcore.ErrInvalid, "pool sizes %d/%d/%d", c.Pendings, c.Replies, c.Observers)
	}
	if c.ExchangeLifetime <= 0 {
		return errors.Wrapf(coapcore.ErrInvalid, "exchange lifetime %s", c.ExchangeLifetime)
	}
	if c.MaxPacketSize < coapcore.HEADER_SIZE+coapcore.TOKEN_MAX_LEN {
		return errors.Wrapf(coapcore.ErrInvalid, "max packet size %d", c.MaxPacketSize)
	}
	return nil
}

func (c Config) TransmissionParameters() coapcore.TransmissionParameters {
	return coapcore.TransmissionParameters{
		AckTimeout:        c.AckTimeout,
		BackoffPercent:    c.BackoffPercent,
		MaxRetransmission: c.MaxRetransmit,
		AckRandomPercent:  c.AckRandomPercent,
	}
}

// Level returns the configured logrus level, info when it does not parse.
func (c Config) Level() log.Level {
	lvl, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		return log.InfoLevel
	}
	return lvl
}
