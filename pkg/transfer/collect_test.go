package transfer

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"cuacoj/classroom/pkg/errkind"
	"cuacoj/classroom/pkg/proto"
)

func agentEnvelope(mt proto.MsgType) *proto.Envelope {
	return proto.NewEnvelope(mt, "S1", "Student")
}

func collectEnvelope(t *testing.T, req proto.FileCollectionRequest) *proto.Envelope {
	t.Helper()
	env, err := proto.NewEnvelope(proto.MsgFileCollectionRequest, "server", "T").WithPayload(req)
	require.NoError(t, err)
	return env
}

func statusOf(t *testing.T, env *proto.Envelope) proto.FileCollectionStatus {
	t.Helper()
	require.NotNil(t, env)
	require.Equal(t, proto.MsgFileCollectionStatus, env.Type)
	var st proto.FileCollectionStatus
	require.NoError(t, env.DecodePayload(&st))
	return st
}

func TestCollectorPullsMatchingFiles(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "essay.docx"), []byte("essay"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.docx"), []byte("notes"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "todo.txt"), []byte("todo"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "huge.docx"), make([]byte, 64), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(root, "old.docx"), 0o755))

	var files []proto.FileCollectionData
	var statuses []proto.FileCollectionStatus
	col, err := NewCollection(t.TempDir(), CollectionOptions{
		OnStatus: func(_ string, st proto.FileCollectionStatus) { statuses = append(statuses, st) },
	}, zaptest.NewLogger(t))
	require.NoError(t, err)

	c := NewCollector(CollectorOptions{
		Root:    root,
		MaxSize: 32,
		Reply: func(env *proto.Envelope) error {
			var d proto.FileCollectionData
			require.NoError(t, env.DecodePayload(&d))
			files = append(files, d)
			col.HandleMessage("S1", env)
			return nil
		},
	}, agentEnvelope, zaptest.NewLogger(t))

	req, err := NewCollectionRequest("*.docx")
	require.NoError(t, err)
	for range 2 {
		out, err := c.HandleRequest(context.Background(), collectEnvelope(t, req))
		require.NoError(t, err)
		col.HandleMessage("S1", out)
		st := statusOf(t, out)
		assert.Equal(t, CollectDone, st.Status)
		assert.Equal(t, 2, st.Count)
		assert.Equal(t, req.RequestID, st.RequestID)
	}

	require.Len(t, files, 4)
	assert.Equal(t, "essay.docx", files[0].FileName)
	assert.Equal(t, "notes.docx", files[1].FileName)
	assert.Len(t, statuses, 2)

	dir := filepath.Join(col.dir, "S1")
	got, err := os.ReadFile(filepath.Join(dir, "essay.docx"))
	require.NoError(t, err)
	assert.Equal(t, "essay", string(got))
	assert.FileExists(t, filepath.Join(dir, "essay (1).docx"))
	assert.NoFileExists(t, filepath.Join(dir, "huge.docx"))
	assert.NoFileExists(t, filepath.Join(dir, "todo.txt"))
}

func TestCollectorStatusWithoutMatches(t *testing.T) {
	c := NewCollector(CollectorOptions{Root: t.TempDir(), Reply: func(*proto.Envelope) error { return nil }}, agentEnvelope, zaptest.NewLogger(t))
	out, err := c.HandleRequest(context.Background(), collectEnvelope(t, proto.FileCollectionRequest{RequestID: "r1", Pattern: "*.pdf"}))
	require.NoError(t, err)
	assert.Equal(t, CollectEmpty, statusOf(t, out).Status)

	off := NewCollector(CollectorOptions{}, agentEnvelope, zaptest.NewLogger(t))
	out, err = off.HandleRequest(context.Background(), collectEnvelope(t, proto.FileCollectionRequest{RequestID: "r2", Pattern: "*"}))
	require.NoError(t, err)
	assert.Equal(t, CollectDisabled, statusOf(t, out).Status)
}

func TestCollectPatternStaysInRoot(t *testing.T) {
	parent := t.TempDir()
	root := filepath.Join(parent, "work")
	require.NoError(t, os.Mkdir(root, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(parent, "secret.txt"), []byte("x"), 0o644))

	sent := 0
	c := NewCollector(CollectorOptions{Root: root, Reply: func(*proto.Envelope) error { sent++; return nil }}, agentEnvelope, zaptest.NewLogger(t))
	for _, p := range []string{"../*.txt", `..\secret.txt`, "sub/*", "", "[", "/etc/passwd"} {
		out, err := c.HandleRequest(context.Background(), collectEnvelope(t, proto.FileCollectionRequest{RequestID: "r", Pattern: p}))
		require.NoError(t, err)
		assert.Equal(t, CollectFailed, statusOf(t, out).Status, p)

		_, err = NewCollectionRequest(p)
		assert.ErrorIs(t, err, errkind.ErrMalformedMessage, p)
	}
	assert.Zero(t, sent)
}
