package tree

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const legacyBundle = `{
  "version": "1.0",
  "exportDate": "2024-03-01T10:00:00.000Z",
  "connections": {
    "c1": {
      "id": "c1",
      "name": "web",
      "host": "web.example.com",
      "port": 2222,
      "username": "deploy",
      "password": "c2VjcmV0",
      "encrypted": true,
      "folderId": "f1",
      "order": 0,
      "createdAt": "2024-01-01T00:00:00.000Z",
      "updatedAt": "2024-01-02T00:00:00.000Z"
    }
  },
  "treeStructure": {
    "folders": {
      "f1": {"id": "f1", "name": "Prod", "parentId": null, "children": [], "order": 0, "createdAt": "2024-01-01T00:00:00.000Z"}
    },
    "items": [{"id": "c1", "type": "connection", "folderId": "f1"}]
  }
}`

func TestImportFile_LegacyJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "legacy.json")
	require.NoError(t, os.WriteFile(path, []byte(legacyBundle), 0600))

	s := newTestStore(t, nil)
	ctx := context.Background()
	res, err := s.ImportFile(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Imported)

	p, err := s.Profile(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "secret", p.Password)
	assert.Equal(t, 2222, p.Port)
	require.NotNil(t, p.FolderID)
	assert.Equal(t, "f1", *p.FolderID)
}

func TestExportFile_RoundTrip(t *testing.T) {
	for _, name := range []string{"bundle.json", "bundle.yaml", "bundle.yml"} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			src := newTestStore(t, nil)
			f := mustFolder(t, src, "prod", nil)
			mustSave(t, src, Profile{Name: "web", Host: "web", Password: "pw", FolderID: &f.ID, Description: "front"})
			mustSave(t, src, Profile{Name: "key", Host: "k", PrivateKey: "-----BEGIN-----\nabc\n-----END-----\n"})

			path := filepath.Join(t.TempDir(), "out", name)
			require.NoError(t, src.ExportFile(ctx, path))

			info, err := os.Stat(path)
			require.NoError(t, err)
			assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

			dst := newTestStore(t, nil)
			_, err = dst.ImportFile(ctx, path)
			require.NoError(t, err)

			want, err := src.GetAll(ctx)
			require.NoError(t, err)
			got, err := dst.GetAll(ctx)
			require.NoError(t, err)

			require.Len(t, got.Connections, len(want.Connections))
			for id, w := range want.Connections {
				g := got.Connections[id]
				assert.Equal(t, w.Name, g.Name)
				assert.Equal(t, w.Host, g.Host)
				assert.Equal(t, w.Password, g.Password)
				assert.Equal(t, w.PrivateKey, g.PrivateKey)
				assert.Equal(t, w.Description, g.Description)
				assert.Equal(t, w.Order, g.Order)
				assert.Equal(t, w.FolderID, g.FolderID)
				assert.True(t, w.CreatedAt.Equal(g.CreatedAt))
			}
			require.Len(t, got.Tree.Folders, 1)
			assert.Equal(t, "prod", got.Tree.Folders[f.ID].Name)
		})
	}
}

func TestDecodeBundle_Errors(t *testing.T) {
	tests := []struct {
		name string
		data string
		yaml bool
	}{
		{"not json", "{nope", false},
		{"no connections", `{"version":"1.0"}`, false},
		{"null connections", `{"connections":null}`, false},
		{"bad yaml", "connections: [unclosed", true},
		{"yaml without connections", "version: \"1.0\"\n", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeBundle([]byte(tt.data), tt.yaml)
			assert.ErrorIs(t, err, ErrFormat)
		})
	}
}

func TestReadBundleFile_Missing(t *testing.T) {
	_, err := ReadBundleFile(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrFormat)
}
