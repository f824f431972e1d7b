package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("AUTH_MODE", "emulator")
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("CLIENT_URL", "https://bravethewaves.ca/")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "memory", cfg.Store.Driver)
	require.Equal(t, "https://bravethewaves.ca", cfg.Server.ClientURL)
	require.Equal(t, "CAD", cfg.Stripe.Currency)
	require.Equal(t, 300*time.Second, cfg.Stripe.WebhookTolerance)
}

func TestLoadRequiresSecretForHS256(t *testing.T) {
	t.Setenv("AUTH_MODE", "hs256")
	t.Setenv("AUTH_TOKEN_SECRET", "")

	_, err := Load()
	require.Error(t, err)
}

func TestLoadRejectsUnknownDriver(t *testing.T) {
	t.Setenv("AUTH_MODE", "emulator")
	t.Setenv("STORE_DRIVER", "mongo")

	_, err := Load()
	require.Error(t, err)
}

func TestDSN(t *testing.T) {
	c := DatabaseConfig{Host: "db", Port: "5432", User: "u", Password: "p", DBName: "btw", SSLMode: "disable"}
	require.Equal(t, "postgres://u:p@db:5432/btw?sslmode=disable", c.DSN())

	c.URL = "postgres://elsewhere/x"
	require.Equal(t, "postgres://elsewhere/x", c.DSN())
}
