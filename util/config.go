package util

import (
	_ "embed"
	"fmt"
	"gopkg.in/yaml.v3"
	"log"
	"os"
	"strconv"
	"time"
)

const Name = "mammut"
const ConfigFileName = "config.yaml"

//go:embed config_default.yaml
var embeddedConfig []byte

type AppConfig struct {
	Conf struct {
		Host                string
		HttpPort            int    `yaml:"httpPort"`
		SslDomain           string `yaml:"sslDomain"`
		DbPath              string `yaml:"dbPath"`
		WithAp              bool   `yaml:"withAp"`
		Closed              bool   `yaml:"closed"`
		ApiToken            string `yaml:"apiToken"`
		ActorCacheTtlHours  int    `yaml:"actorCacheTtlHours"`
		DateSkewHours       int    `yaml:"dateSkewHours"`
		DeliveryWorkers     int    `yaml:"deliveryWorkers"`
		MaxDeliveryAttempts int    `yaml:"maxDeliveryAttempts"`
		BackoffBaseSeconds  int    `yaml:"backoffBaseSeconds"`
		BackoffCapSeconds   int    `yaml:"backoffCapSeconds"`
	}
}

// ActorCacheTtl returns the actor cache TTL, defaulting to 24h
func (c *AppConfig) ActorCacheTtl() time.Duration {
	if c.Conf.ActorCacheTtlHours <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(c.Conf.ActorCacheTtlHours) * time.Hour
}

// DateSkew returns the accepted clock skew for signed requests, defaulting to 12h
func (c *AppConfig) DateSkew() time.Duration {
	if c.Conf.DateSkewHours <= 0 {
		return 12 * time.Hour
	}
	return time.Duration(c.Conf.DateSkewHours) * time.Hour
}

// BackoffBase returns the delivery retry backoff base, defaulting to 30s
func (c *AppConfig) BackoffBase() time.Duration {
	if c.Conf.BackoffBaseSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Conf.BackoffBaseSeconds) * time.Second
}

// BackoffCap returns the delivery retry backoff cap, defaulting to 1h
func (c *AppConfig) BackoffCap() time.Duration {
	if c.Conf.BackoffCapSeconds <= 0 {
		return time.Hour
	}
	return time.Duration(c.Conf.BackoffCapSeconds) * time.Second
}

func ReadConf() (*AppConfig, error) {

	c := &AppConfig{}

	// Try to resolve config file path (local first, then user dir)
	configPath := ResolveFilePath(ConfigFileName)

	var buf []byte
	var err error

	// Try to read from resolved path
	buf, err = os.ReadFile(configPath)
	if err != nil {
		// If file doesn't exist, use embedded config and create user config file
		log.Printf("Config file not found at %s, using embedded defaults", configPath)
		buf = embeddedConfig

		// Try to write default config to user config directory
		configDir, dirErr := GetConfigDir()
		if dirErr == nil {
			userConfigPath := configDir + "/" + ConfigFileName
			writeErr := os.WriteFile(userConfigPath, embeddedConfig, 0644)
			if writeErr != nil {
				log.Printf("Warning: could not write default config to %s: %v", userConfigPath, writeErr)
			} else {
				log.Printf("Created default config file at %s", userConfigPath)
			}
		}
	}

	err = yaml.Unmarshal(buf, c)
	if err != nil {
		return nil, fmt.Errorf("in config file: %w", err)
	}

	if envHost := os.Getenv("MAMMUT_HOST"); envHost != "" {
		c.Conf.Host = envHost
	}

	if envHttpPort := os.Getenv("MAMMUT_HTTPPORT"); envHttpPort != "" {
		v, err := strconv.Atoi(envHttpPort)
		if err != nil {
			fmt.Println(err)
		}
		c.Conf.HttpPort = v
	}

	if envSslDomain := os.Getenv("MAMMUT_SSLDOMAIN"); envSslDomain != "" {
		c.Conf.SslDomain = envSslDomain
	}

	if envDbPath := os.Getenv("MAMMUT_DBPATH"); envDbPath != "" {
		c.Conf.DbPath = envDbPath
	}

	if os.Getenv("MAMMUT_WITH_AP") == "true" {
		c.Conf.WithAp = true
	}

	if os.Getenv("MAMMUT_CLOSED") == "true" {
		c.Conf.Closed = true
	}

	if envToken := os.Getenv("MAMMUT_API_TOKEN"); envToken != "" {
		c.Conf.ApiToken = envToken
	}

	if envWorkers := os.Getenv("MAMMUT_DELIVERY_WORKERS"); envWorkers != "" {
		v, err := strconv.Atoi(envWorkers)
		if err != nil {
			fmt.Println(err)
		}
		c.Conf.DeliveryWorkers = v
	}

	return c, nil
}
