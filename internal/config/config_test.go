package config

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDSN_PrefersDatabaseURL(t *testing.T) {
	c := &Config{DatabaseURL: "postgres://explicit"}
	assert.Equal(t, "postgres://explicit", c.DSN())
}

func TestDSN_EncodesSpecialCharactersInCredentials(t *testing.T) {
	c := &Config{
		DBUser:     "user@name",
		DBPassword: "p@ss:word/withslash",
		DBHost:     "localhost",
		DBPort:     5432,
		DBName:     "userbot_orders",
	}

	parsed, err := url.Parse(c.DSN())
	require.NoError(t, err)
	assert.Equal(t, "user@name", parsed.User.Username())
	pass, ok := parsed.User.Password()
	require.True(t, ok)
	assert.Equal(t, "p@ss:word/withslash", pass)
	assert.Equal(t, "localhost:5432", parsed.Host)
	assert.Equal(t, "/userbot_orders", parsed.Path)
}
