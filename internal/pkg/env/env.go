package env

import (
	"log"
	"os"

	"github.com/joho/godotenv"
)

var Env map[string]string

// GetEnv resolves a key from the loaded .env map first, then from the OS
// environment, then falls back to def.
func GetEnv(key, def string) string {
	if val, ok := Env[key]; ok {
		return val
	}
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

// SetupEnvFile loads the first .env file found near the working directory.
// Containerized deployments often carry no .env at all and configure the
// service purely through OS environment variables, so a missing file is not
// an error.
func SetupEnvFile() {
	envFiles := []string{
		".env",
		"../../.env",    // from cmd/payments
		"../../../.env", // deeper nesting
	}

	for _, envFile := range envFiles {
		loaded, err := godotenv.Read(envFile)
		if err == nil {
			Env = loaded
			return
		}
	}

	log.Printf("No .env file found, using OS environment variables only")
}

func IsDev() bool {
	return GetEnv("APP_ENV", "prod") == "dev"
}
