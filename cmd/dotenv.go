package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"

	"github.com/ollama/inpaint/envconfig"
)

// LoadDotEnv loads environment variables from the .env file in the inpaint home
// directory and reloads the configuration. A missing file is not an error. Variables
// already set in the environment are not overridden.
func LoadDotEnv() error {
	envPath := filepath.Join(envconfig.Home, ".env")

	if _, err := os.Stat(envPath); os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return fmt.Errorf("failed to check if .env file exists: %w", err)
	}

	if err := godotenv.Load(envPath); err != nil {
		return fmt.Errorf("could not load %s: %w", envPath, err)
	}

	envconfig.LoadConfig()
	return nil
}
