package redisstream

// Settings holds the Watermill transport configuration for the event mirror.
type Settings struct {
	Enabled  bool   `mapstructure:"redis-enabled" yaml:"redis-enabled"`
	Addr     string `mapstructure:"redis-addr" yaml:"redis-addr"`
	Group    string `mapstructure:"redis-group" yaml:"redis-group"`
	Consumer string `mapstructure:"redis-consumer" yaml:"redis-consumer"`
	// Topic is the stream every bridge event is published to.
	Topic    string `mapstructure:"mirror-topic" yaml:"mirror-topic"`
}

const DefaultTopic = "studiobridge.events"

func DefaultSettings() Settings {
	return Settings{
		Addr:     "localhost:6379",
		Group:    "studiobridge",
		Consumer: "watch-1",
		Topic:    DefaultTopic,
	}
}
