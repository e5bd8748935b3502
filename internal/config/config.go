/**
 * @description
 * This package handles the configuration management for the service. It uses
 * the Viper library to read configuration from environment variables,
 * providing a centralized and straightforward way to manage application
 * settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the ledger service.
// These values are loaded from environment variables. Amounts are in
// micro-ARG.
type Config struct {
	ServerPort                 string `mapstructure:"SERVER_PORT"`
	DatabaseURL                string `mapstructure:"DATABASE_URL"`
	RedisURL                   string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix       string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL                string `mapstructure:"RABBITMQ_URL"`
	AuthJWKSURL                string `mapstructure:"AUTH_JWKS_URL"`
	TransferFeeMicro           int64  `mapstructure:"TRANSFER_FEE_MICRO"`
	MintCostMicro              int64  `mapstructure:"MINT_COST_MICRO"`
	ClaimRateLimitPerMinute    int    `mapstructure:"CLAIM_RATE_LIMIT_PER_MINUTE"`
	TransferRateLimitPerMinute int    `mapstructure:"TRANSFER_RATE_LIMIT_PER_MINUTE"`
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values. Fee defaults to 0.001 ARG, mint cost to 100 ARG.
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "argus:rate_limit")
	viper.SetDefault("TRANSFER_FEE_MICRO", 1000)
	viper.SetDefault("MINT_COST_MICRO", 100_000_000)
	viper.SetDefault("CLAIM_RATE_LIMIT_PER_MINUTE", 30)
	viper.SetDefault("TRANSFER_RATE_LIMIT_PER_MINUTE", 60)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "LEDGER_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("AUTH_JWKS_URL")
	_ = viper.BindEnv("TRANSFER_FEE_MICRO")
	_ = viper.BindEnv("TRANSFER_FEE_ARG")
	_ = viper.BindEnv("MINT_COST_MICRO")
	_ = viper.BindEnv("MINT_COST_ARG")
	_ = viper.BindEnv("CLAIM_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("TRANSFER_RATE_LIMIT_PER_MINUTE")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "argus:rate_limit"
	}

	// Allow specifying the fee in whole ARG via TRANSFER_FEE_ARG.
	if viper.IsSet("TRANSFER_FEE_ARG") {
		feeStr := strings.TrimSpace(viper.GetString("TRANSFER_FEE_ARG"))
		if feeStr != "" {
			feeValue, parseErr := strconv.ParseFloat(feeStr, 64)
			if parseErr != nil {
				log.Printf("level=warn component=config msg=\"invalid TRANSFER_FEE_ARG\" value=%q err=%v", feeStr, parseErr)
			} else {
				config.TransferFeeMicro = int64(math.Round(feeValue * 1_000_000))
			}
		}
	}
	if config.TransferFeeMicro < 0 {
		log.Printf("level=warn component=config msg=\"negative transfer fee configured; coercing to zero\" fee_micro=%d", config.TransferFeeMicro)
		config.TransferFeeMicro = 0
	}

	// Allow specifying the mint cost in whole ARG via MINT_COST_ARG.
	if viper.IsSet("MINT_COST_ARG") {
		costStr := strings.TrimSpace(viper.GetString("MINT_COST_ARG"))
		if costStr != "" {
			costValue, parseErr := strconv.ParseFloat(costStr, 64)
			if parseErr != nil {
				log.Printf("level=warn component=config msg=\"invalid MINT_COST_ARG\" value=%q err=%v", costStr, parseErr)
			} else {
				config.MintCostMicro = int64(math.Round(costValue * 1_000_000))
			}
		}
	}
	if config.MintCostMicro < 0 {
		log.Printf("level=warn component=config msg=\"negative mint cost configured; coercing to zero\" cost_micro=%d", config.MintCostMicro)
		config.MintCostMicro = 0
	}

	if config.ClaimRateLimitPerMinute <= 0 {
		config.ClaimRateLimitPerMinute = 30
	}
	if config.TransferRateLimitPerMinute <= 0 {
		config.TransferRateLimitPerMinute = 60
	}

	return
}
