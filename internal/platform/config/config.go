package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Load reads a .env file and sets environment variables. A missing .env is
// reported as an error that callers are free to ignore: the system env and
// defaults still apply. With no paths, ".env" in the working directory is
// used.
func Load(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	return godotenv.Load(paths...)
}

// GetEnv returns the environment variable named by key, or fallback if it is
// unset or empty.
func GetEnv(key, fallback string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return fallback
}

// GetEnvInt returns the integer value of the environment variable named by
// key, or fallback if it is unset, empty, or not a valid integer.
func GetEnvInt(key string, fallback int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return fallback
}
