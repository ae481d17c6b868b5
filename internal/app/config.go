package app

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"

	"omemo/internal/wire"
)

// Config holds runtime wiring options for building the app.
type Config struct {
	JID        string       // own account, e.g. alice@example.org
	Passphrase string       // unlocks the local key store
	StorePath  string       // bolt database path, e.g. $HOME/.omemo/omemo.db
	PEPURL     string       // PEP service base URL, e.g. http://127.0.0.1:8080
	Variant    wire.Variant // protocol revision to speak
	Label      string       // human-readable device label
}

// LoadConfig reads configuration from the environment, preloading a
// .env file from the working directory when one exists.
func LoadConfig() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		JID:        os.Getenv("OMEMO_JID"),
		Passphrase: os.Getenv("OMEMO_PASSPHRASE"),
		StorePath:  os.Getenv("OMEMO_STORE"),
		PEPURL:     os.Getenv("OMEMO_PEP_URL"),
		Label:      os.Getenv("OMEMO_DEVICE_LABEL"),
	}
	variant, err := wire.ParseVariant(os.Getenv("OMEMO_VARIANT"))
	if err != nil {
		return Config{}, err
	}
	cfg.Variant = variant

	if cfg.JID == "" {
		return Config{}, fmt.Errorf("app: OMEMO_JID is not set")
	}
	if cfg.Passphrase == "" {
		return Config{}, fmt.Errorf("app: OMEMO_PASSPHRASE is not set")
	}
	if cfg.PEPURL == "" {
		cfg.PEPURL = "http://127.0.0.1:8080"
	}
	if cfg.StorePath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return Config{}, fmt.Errorf("app: resolve home directory: %w", err)
		}
		cfg.StorePath = filepath.Join(home, ".omemo", "omemo.db")
	}
	return cfg, nil
}
