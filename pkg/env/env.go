package env

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"

	"github.com/jaywantadh/BufferShare/pkg/logging"
)

// LoadEnv loads .env files into the process environment. Variables already
// set win.
func LoadEnv(files ...string) {
	if err := godotenv.Load(files...); err != nil {
		logging.Log.Debug("no .env file found, using system envs")
	}
}

func GetEnv(key string, fallback string) string {
	if value, exist := os.LookupEnv(key); exist {
		return value
	}
	return fallback
}

func GetEnvBool(key string, fallback bool) bool {
	if value, exist := os.LookupEnv(key); exist {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}
