package main

import (
	"fmt"
	"time"
)

type Config struct {
	Host           string `env:"HOST,required=true"`
	Port           int    `env:"PORT,required=true"`
	BadgerFilepath string `env:"BADGER_FILEPATH,required=true"`
	LogLevel       string `env:"LOG_LEVEL,default=info"`

	// Empty NATS_URL selects the in-process bus: fine for one instance,
	// required to be set as soon as a second instance exists.
	NatsURL string `env:"NATS_URL"`

	PersistenceMode      string        `env:"PERSISTENCE_MODE,default=sync" validate:"oneof=sync queued"`
	ConnectionBufferSize int           `env:"CONNECTION_BUFFER_SIZE,default=64" validate:"gt=0"`
	LimitMessages        int           `env:"LIMIT_MESSAGES,default=50" validate:"gt=0"`
	SinkTimeout          time.Duration `env:"SINK_TIMEOUT,default=5s"`
	RestartInterval      time.Duration `env:"RESTART_INTERVAL,default=200ms"`
	RetryInterval        time.Duration `env:"RETRY_INTERVAL,default=2s"`

	ModerationEnabled bool   `env:"MODERATION_ENABLED,default=true"`
	CharReplacement   string `env:"CHARACTER_REPLACEMENT,default=*" validate:"len=1"`

	// 0 disables the store inspector.
	DebugPort int `env:"DEBUG_PORT"`
}

func CharacterRune(str string) (rune, error) {
	r := []rune(str)
	if len(r) != 1 {
		return 0, fmt.Errorf(
			"CHARACTER_REPLACEMENT must be a single character, got %q",
			str,
		)
	}
	return r[0], nil
}
