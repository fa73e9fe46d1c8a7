package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/imageflow/internal/database/dbtest"
	"github.com/BaSui01/imageflow/llm/image"
	"github.com/BaSui01/imageflow/types"
)

func newStore(t *testing.T, overrides map[image.Provider]string) *Store {
	t.Helper()
	return NewStore(dbtest.Open(t, &StoredCredential{}), overrides, nil)
}

func TestStore_DeploymentOverrideWins(t *testing.T) {
	s := newStore(t, map[image.Provider]string{image.ProviderOpenAI: " sk-deploy-1234567890 "})
	ctx := context.Background()

	require.NoError(t, s.SetCredential(ctx, image.ProviderOpenAI, "sk-stored-abcdefgh"))

	v, ok, err := s.Credential(ctx, image.ProviderOpenAI)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "sk-deploy-1234567890", v)

	_, src, err := s.Lookup(ctx, image.ProviderOpenAI)
	require.NoError(t, err)
	assert.Equal(t, SourceDeployment, src)
}

func TestStore_StoredCredentialLifecycle(t *testing.T) {
	s := newStore(t, nil)
	ctx := context.Background()

	_, ok, err := s.Credential(ctx, image.ProviderFlux)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SetCredential(ctx, image.ProviderFlux, "bfl-first-key-0001"))
	require.NoError(t, s.SetCredential(ctx, image.ProviderFlux, "bfl-second-key-0002"))

	v, ok, err := s.Credential(ctx, image.ProviderFlux)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "bfl-second-key-0002", v)

	require.NoError(t, s.DeleteCredential(ctx, image.ProviderFlux))
	require.NoError(t, s.DeleteCredential(ctx, image.ProviderFlux))
	_, ok, err = s.Credential(ctx, image.ProviderFlux)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_Status(t *testing.T) {
	s := newStore(t, map[image.Provider]string{image.ProviderGemini: "AIza-deploy-key-9876"})
	ctx := context.Background()
	require.NoError(t, s.SetCredential(ctx, image.ProviderOpenAI, "sk-stored-key-4321"))

	status, err := s.Status(ctx)
	require.NoError(t, err)
	require.Len(t, status, 3)

	byProvider := map[image.Provider]ProviderStatus{}
	for _, st := range status {
		byProvider[st.Provider] = st
	}
	assert.Equal(t, SourceStored, byProvider[image.ProviderOpenAI].Source)
	assert.Equal(t, "****4321", byProvider[image.ProviderOpenAI].Hint)
	assert.NotNil(t, byProvider[image.ProviderOpenAI].UpdatedAt)
	assert.Equal(t, SourceDeployment, byProvider[image.ProviderGemini].Source)
	assert.Equal(t, "****9876", byProvider[image.ProviderGemini].Hint)
	assert.False(t, byProvider[image.ProviderFlux].Connected)
	assert.Equal(t, SourceNone, byProvider[image.ProviderFlux].Source)
}

func TestStore_RejectsBadInput(t *testing.T) {
	s := newStore(t, nil)
	ctx := context.Background()

	assert.True(t, types.IsCode(s.SetCredential(ctx, "midjourney", "x-123456789"), types.ErrInvalidInput))
	assert.True(t, types.IsCode(s.SetCredential(ctx, image.ProviderOpenAI, "   "), types.ErrInvalidInput))
	assert.True(t, types.IsCode(s.DeleteCredential(ctx, "midjourney"), types.ErrInvalidInput))
}

func TestStore_StorageFailure(t *testing.T) {
	s := NewStore(dbtest.Open(t), nil, nil)
	_, _, err := s.Credential(context.Background(), image.ProviderOpenAI)
	assert.True(t, types.IsCode(err, types.ErrStorage))
}

func TestSecret_PrintsMasked(t *testing.T) {
	s := Secret("sk-live-abcdefghijkl")

	assert.Equal(t, "****ijkl", s.String())
	assert.Equal(t, "****ijkl", fmt.Sprintf("%v", s))
	assert.NotContains(t, fmt.Sprintf("%#v", s), "abcdef")
	raw, err := json.Marshal(map[string]Secret{"key": s})
	require.NoError(t, err)
	assert.JSONEq(t, `{"key":"****ijkl"}`, string(raw))
	assert.Equal(t, "sk-live-abcdefghijkl", s.Reveal())
}
