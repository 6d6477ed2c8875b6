package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xela07ax/agentledger/internal/app"
	"github.com/xela07ax/agentledger/internal/domain"
	"github.com/xela07ax/agentledger/internal/eventsource"
	"github.com/xela07ax/agentledger/internal/infra"
	"github.com/xela07ax/agentledger/internal/infra/auth"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--config", t.TempDir()}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

// seedLedger настраивает sqlite через ENV и пишет в журнал агента из трех событий.
func seedLedger(t *testing.T) domain.AgentID {
	t.Helper()
	t.Setenv("EVENTSTORE_DRIVER", "sqlite")
	t.Setenv("SNAPSHOT_DRIVER", "sqlite")
	t.Setenv("SNAPSHOT_FREQUENCY", "2")
	t.Setenv("EVENTSTORE_SQLITE_PATH", filepath.Join(t.TempDir(), "ledger.db"))

	cfg, err := infra.LoadConfig(t.TempDir())
	require.NoError(t, err)
	stores, err := app.OpenStores(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer stores.Close()
	repo := app.NewRepository(stores, cfg, nil, nil, zaptest.NewLogger(t))

	id := domain.NewAgentID()
	events := []domain.Event{
		domain.AgentDeployed{AgentID: id, AgentType: domain.AgentTypeAI, Metadata: domain.AgentMetadata{Name: "triage"}},
		domain.AgentActivated{AgentID: id},
		domain.AgentSuspended{AgentID: id, Reason: "maintenance"},
	}
	agent, err := domain.Empty().ApplyEvents(events)
	require.NoError(t, err)
	require.NoError(t, repo.Save(context.Background(), agent, events, eventsource.ExpectVersion(0)))
	return id
}

func TestEventsShowVerifyPrune(t *testing.T) {
	id := seedLedger(t)

	out, err := execute(t, "events", id.String())
	require.NoError(t, err)
	var history []json.RawMessage
	require.NoError(t, json.Unmarshal([]byte(out), &history))
	assert.Len(t, history, 3)

	out, err = execute(t, "show", id.String())
	require.NoError(t, err)
	assert.Contains(t, out, "triage")

	out, err = execute(t, "verify", id.String())
	require.NoError(t, err)
	assert.Contains(t, out, "consistent at version 3")

	out, err = execute(t, "prune", id.String())
	require.NoError(t, err)
	assert.Contains(t, out, "pruned")
}

func TestUnknownAgent(t *testing.T) {
	seedLedger(t)

	_, err := execute(t, "show", domain.NewAgentID().String())
	assert.ErrorContains(t, err, "not found")

	_, err = execute(t, "events", "not-a-uuid")
	assert.ErrorContains(t, err, "invalid agent id")
}

func TestToken(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	keyPath := filepath.Join(t.TempDir(), "key.pem")
	pemData := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	require.NoError(t, os.WriteFile(keyPath, pemData, 0o600))

	out, err := execute(t, "token", "--key", keyPath, "--user", "ops", "--scopes", "agents.read,agents.write", "--ttl", "5m", "--issuer", "agentledger")
	require.NoError(t, err)

	claims, err := auth.NewBaseValidator(&key.PublicKey, "agentledger").VerifyToken(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "ops", claims.UserID)
	assert.True(t, claims.Allows(auth.ScopeAgentsWrite))
	assert.False(t, claims.Allows(auth.ScopeAgentsInvoke))
	assert.WithinDuration(t, time.Now().Add(5*time.Minute), claims.ExpiresAt.Time, time.Minute)

	_, err = execute(t, "token", "--user", "ops")
	assert.Error(t, err)
}
