package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTemplateIsValid(t *testing.T) {
	cfg, err := FromYAML([]byte(GenerateDefault()))
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, cfg.LockTTL())
	assert.Equal(t, time.Hour, cfg.SweepInterval())
	assert.Equal(t, 5*time.Minute, cfg.CacheTTL())
	assert.Equal(t, 2, cfg.MaxDepth())
	assert.Contains(t, cfg.RBAC.Roles, "admin")
	assert.Contains(t, cfg.RBAC.OpenActions, "artifact.checkout")
	assert.Contains(t, cfg.RBAC.CreatorActions, "initiative.complete")
	assert.Equal(t, cfg, Default())
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"bad ttl":        "locks:\n  ttl: soon\n",
		"negative ttl":   "locks:\n  ttl: -1h\n",
		"depth too deep": "impact:\n  max_depth: 50\n",
		"missing admin":  "rbac:\n  roles:\n    dev:\n      permissions: [artifact.checkout]\n",
		"webhook url":    "webhooks:\n  - url: not-a-url\n",
		"negative rps":   "server:\n  rate_limit:\n    rps: -1\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestFallbackDurations(t *testing.T) {
	var cfg Config
	assert.Equal(t, 24*time.Hour, cfg.LockTTL())
	assert.Equal(t, 2, cfg.MaxDepth())
	cfg.Locks.TTL = "30m"
	assert.Equal(t, 30*time.Minute, cfg.LockTTL())
}

func TestLoadFromWorkspace(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(dir)
	assert.Error(t, err)

	cfg, err := LoadOrDefault(dir)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	doc := GenerateDefault() + "\nwebhooks:\n  - url: https://hooks.example.com/artline\n    events: [conflict.detected]\n"
	require.NoError(t, os.WriteFile(Path(dir), []byte(doc), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	require.Len(t, cfg.Webhooks, 1)
	assert.Equal(t, []string{"conflict.detected"}, cfg.Webhooks[0].Events)
}
