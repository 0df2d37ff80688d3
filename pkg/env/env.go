package env

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// LoadEnv loads variables from the given .env files (./.env when none are given).
// A missing file is not an error; the process environment is used as is.
func LoadEnv(files ...string) {
	if err := godotenv.Load(files...); err != nil {
		logrus.WithError(err).Debug("No .env file found, using system envs")
	}
}

func GetEnv(key string, fallback string) string {
	if value, exist := os.LookupEnv(key); exist {
		return value
	}
	return fallback
}

func GetEnvInt(key string, fallback int) int {
	value, exist := os.LookupEnv(key)
	if !exist {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return n
}

func GetEnvDuration(key string, fallback time.Duration) time.Duration {
	value, exist := os.LookupEnv(key)
	if !exist {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}
