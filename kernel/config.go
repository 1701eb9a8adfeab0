package kernel

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the demo kernel's YAML configuration: one origin to proxy, the
// cache store's root directory, and the rules applied to every response
// before it is written.
type Config struct {
	Listen        string        `yaml:"listen"`
	StoreDir      string        `yaml:"storeDir"`
	Origin        string        `yaml:"origin"`
	OriginHost    string        `yaml:"originHost"`
	DefaultTTL    time.Duration `yaml:"defaultTTL"`
	UpdateTimeout time.Duration `yaml:"updateTimeout"`
	SweepInterval time.Duration `yaml:"sweepInterval"`
	Rules         Rules         `yaml:"rules"`
}

func LoadConfig(filename string) (Config, error) {
	config := Config{
		Listen:     ":8080",
		StoreDir:   "./cache-data",
		DefaultTTL: time.Hour,
	}
	data, err := os.ReadFile(filename)
	if err != nil {
		return config, err
	}
	err = yaml.Unmarshal(data, &config)
	return config, err
}
