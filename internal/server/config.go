package server

import (
	"fmt"
	"os"

	"github.com/shardhub/shardhub/internal/config"
)

// LoadFromEnv builds a Config from SHARDHUB_* environment variables.
func LoadFromEnv() (Config, error) {
	var errs []string

	token, err := config.RequireEnv("SHARDHUB_TOKEN")
	if err != nil {
		errs = append(errs, err.Error())
	}
	host, err := config.RequireEnv("SHARDHUB_BRAIN_HOST")
	if err != nil {
		errs = append(errs, err.Error())
	}

	binary := config.GetEnv("SHARDHUB_BINARY_PATH", "")
	if binary == "" {
		if exe, err := os.Executable(); err == nil {
			binary = exe
		} else {
			errs = append(errs, "SHARDHUB_BINARY_PATH is required and os.Executable() failed: "+err.Error())
		}
	}

	cfg := Config{
		HubHost:         host,
		HubPort:         config.GetEnvInt("SHARDHUB_BRAIN_PORT", 13254),
		Token:           token,
		BinaryPath:      binary,
		CertificatePath: config.GetEnv("SHARDHUB_CERTIFICATE_PATH", ""),
	}

	if err := config.JoinErrors(errs); err != nil {
		return Config{}, fmt.Errorf("server: invalid configuration: %w", err)
	}
	return cfg, nil
}
