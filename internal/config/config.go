package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	Port                  string
	AllowedOrigin         string
	DatabaseURL           string
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	KafkaBrokers          []string
	ServiceName           string
	StoreName             string
	TaxRatePercent        int
	SettingsTTLSeconds    int
	AuthSecret            string
	AccessTokenTTLMinutes int
}

func Load() Config {
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	taxRate, err := strconv.Atoi(getEnv("TAX_RATE_PERCENT", "10"))
	if err != nil || taxRate < 0 {
		taxRate = 10
	}
	settingsTTL, err := strconv.Atoi(getEnv("SETTINGS_TTL_SECONDS", "60"))
	if err != nil || settingsTTL < 1 {
		settingsTTL = 60
	}
	tokenTTL, err := strconv.Atoi(getEnv("ACCESS_TOKEN_TTL_MINUTES", "480"))
	if err != nil || tokenTTL < 1 {
		tokenTTL = 480
	}

	cfg := Config{
		Port:                  getEnv("PORT", "8080"),
		AllowedOrigin:         getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisDB:               redisDB,
		KafkaBrokers:          splitList(os.Getenv("KAFKA_BROKERS")),
		ServiceName:           getEnv("SERVICE_NAME", "satukasir-backend"),
		StoreName:             getEnv("STORE_NAME", "SatuKasir"),
		TaxRatePercent:        taxRate,
		SettingsTTLSeconds:    settingsTTL,
		AuthSecret:            strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes: tokenTTL,
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func splitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
