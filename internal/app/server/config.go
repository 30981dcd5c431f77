package server

import (
	"fmt"

	"github.com/spf13/viper"
)

type Config struct {
	Port string

	RedisURL string

	AwsRegion              string
	SettlementFunctionName string
	JwksURL                string
	CmcApiKey              string

	WagerMin     float64
	WagerMax     float64
	TimeControls []int
	MinRounds    int
	MaxRounds    int

	ConcurrentSessionLimit int

	BucketCapacity  int
	InitialTokens   int
	RefillPerMinute int
}

func NewConfig() Config {
	var config Config

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs/server")
	viper.AddConfigPath(".")
	err := viper.ReadInConfig()
	if err != nil {
		panic(fmt.Errorf("fatal error config file: %s", err))
	}
	viper.AutomaticEnv()

	config.Port = viper.GetString("Server.Port")
	config.RedisURL = viper.GetString("REDIS_URL")
	config.AwsRegion = viper.GetString("AWS_REGION")
	config.SettlementFunctionName = viper.GetString("SETTLEMENT_FUNCTION_NAME")
	config.JwksURL = viper.GetString("JWKS_URL")
	config.CmcApiKey = viper.GetString("CMC_API_KEY")

	config.WagerMin = viper.GetFloat64("Limits.WagerMin")
	config.WagerMax = viper.GetFloat64("Limits.WagerMax")
	config.TimeControls = viper.GetIntSlice("Limits.TimeControls")
	config.MinRounds = viper.GetInt("Limits.MinRounds")
	config.MaxRounds = viper.GetInt("Limits.MaxRounds")
	config.ConcurrentSessionLimit = viper.GetInt("Limits.ConcurrentSessionLimit")

	config.BucketCapacity = viper.GetInt("RateLimit.BucketCapacity")
	config.InitialTokens = viper.GetInt("RateLimit.InitialTokens")
	config.RefillPerMinute = viper.GetInt("RateLimit.RefillPerMinute")

	return config
}

func (c Config) validWager(wager float64) bool {
	return wager >= c.WagerMin && wager <= c.WagerMax
}

func (c Config) validTimeControl(minutes int) bool {
	for _, tc := range c.TimeControls {
		if tc == minutes {
			return true
		}
	}
	return false
}

func (c Config) validRounds(rounds int) bool {
	return rounds >= c.MinRounds && rounds <= c.MaxRounds
}
