package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"collab-blocks/pkg/document"
	"collab-blocks/pkg/history"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInspect_SnapshotFile(t *testing.T) {
	doc := document.New("doc", "a")
	_, err := doc.Transact(nil, func(tx *document.Txn) error {
		id, err := tx.CreateBlock(document.RootID, -1, document.HeadingData{Level: 1})
		if err != nil {
			return err
		}
		return tx.InsertText(id, 0, "Title", nil)
	})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "v.snap")
	require.NoError(t, os.WriteFile(path, history.EncodeSnapshot(doc.Checkpoint()), 0o600))

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"inspect", "--file", path})
	t.Cleanup(func() { snapshotFile = "" })
	require.NoError(t, rootCmd.Execute())

	assert.Contains(t, out.String(), `"type": "heading"`)
	assert.Contains(t, out.String(), `"insert": "Title"`)
}

func TestInspect_RejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.snap")
	require.NoError(t, os.WriteFile(path, []byte{0xff}, 0o600))

	rootCmd.SetArgs([]string{"inspect", "--file", path})
	t.Cleanup(func() { snapshotFile = "" })
	assert.ErrorContains(t, rootCmd.Execute(), "decode snapshot")
}
