package evidence

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eleanor-dfir/eleanor/test/util"
)

func TestServiceWithPostgresRepository(t *testing.T) {
	pool := util.SetupTestDatabase(t)
	store := newTestStore(t)
	svc := NewService(store, NewPostgresRepository(pool), nil)
	ctx := context.Background()

	actor := Actor{ID: "analyst-7", Name: "Dana", IP: "10.0.0.4"}
	content := []byte("MZ\x90\x00 suspicious binary")

	ev, err := svc.Upload(ctx, bytes.NewReader(content), UploadRequest{
		CaseID:       "case-42",
		Filename:     "dropper.exe",
		MimeType:     "application/octet-stream",
		EvidenceType: "binary",
		SourceHost:   "ws-usr-031",
		CollectedAt:  time.Now().UTC().Add(-time.Hour),
		CollectedBy:  "field-team",
	}, actor)
	require.NoError(t, err)

	got, err := svc.Get(ctx, ev.ID, actor)
	require.NoError(t, err)
	assert.Equal(t, "dropper.exe", got.OriginalFilename)
	assert.Equal(t, ev.SHA256, got.SHA256)

	result, err := svc.Verify(ctx, ev.ID, actor)
	require.NoError(t, err)
	assert.True(t, result.Valid)

	rc, _, err := svc.Download(ctx, ev.ID, actor)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, content, data)

	require.NoError(t, svc.UpdateMetadata(ctx, ev.ID, map[string]string{"description": "initial dropper"}, actor))
	require.NoError(t, svc.Delete(ctx, ev.ID, actor))

	// Custody survives deletion, in order, with every access recorded.
	custody, err := svc.Custody(ctx, ev.ID)
	require.NoError(t, err)
	actions := make([]string, 0, len(custody))
	for _, c := range custody {
		actions = append(actions, string(c.Action))
	}
	assert.Equal(t, []string{"uploaded", "accessed", "verified", "downloaded", "modified", "deleted"}, actions)
	assert.Equal(t, "analyst-7", custody[0].ActorID)
}
