package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

type Config struct {
	// Environment is "production" in production; anything else enables
	// internal error details in responses.
	Environment string

	ListenAddr string

	Keycloak KeycloakConfig
}

type KeycloakConfig struct {
	URL          string
	Realm        string
	Audience     string
	ClientID     string
	ClientSecret string

	// PublicKeyPEM is the PEM-encoded RS256 verification key.
	PublicKeyPEM string
}

// Issuer derives the expected token issuer for the configured realm.
func (k KeycloakConfig) Issuer() string {
	return fmt.Sprintf("%s/realms/%s", k.URL, k.Realm)
}

// IsProduction reports whether internal error details must be suppressed.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func Load() (*Config, error) {
	// A missing .env file is fine; the environment may be set directly.
	_ = godotenv.Load()

	keycloakURL := os.Getenv("KEYCLOAK_URL")
	realm := os.Getenv("KEYCLOAK_REALM")
	audience := os.Getenv("KEYCLOAK_AUDIENCE")

	// Validate required fields
	if keycloakURL == "" {
		return nil, errors.New("KEYCLOAK_URL environment variable is required but not set")
	}
	if realm == "" {
		return nil, errors.New("KEYCLOAK_REALM environment variable is required but not set")
	}
	if audience == "" {
		return nil, errors.New("KEYCLOAK_AUDIENCE environment variable is required but not set")
	}

	return &Config{
		Environment: getEnvOrDefault("ENVIRONMENT", "development"),
		ListenAddr:  getEnvOrDefault("LISTEN_ADDR", ":8080"),
		Keycloak: KeycloakConfig{
			URL:          keycloakURL,
			Realm:        realm,
			Audience:     audience,
			ClientID:     os.Getenv("KEYCLOAK_CLIENT_ID"),
			ClientSecret: os.Getenv("KEYCLOAK_CLIENT_SECRET"),
			PublicKeyPEM: os.Getenv("KEYCLOAK_PUBLIC_KEY"),
		},
	}, nil
}
