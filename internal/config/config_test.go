package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromBytes_Valid(t *testing.T) {
	data := []byte(`
backend:
  type: s3
  bucket: converge-state
  key: prod/terraform.converge
  region: eu-central-1
  lock_table: converge-locks
resources:
  - kind: hcloud_network
    name: main
    attributes:
      name: main
      ip_range: 10.0.0.0/16
  - kind: helm_release
    name: ingress
    depends_on: [hcloud_network.main]
    attributes:
      release: ingress-nginx
`)
	cfg, err := LoadFromBytes(data)
	require.NoError(t, err)

	assert.Equal(t, BackendS3, cfg.Backend.Type)
	assert.Equal(t, "converge-state", cfg.Backend.Bucket)
	require.Len(t, cfg.Resources, 2)
	assert.Equal(t, []string{"hcloud_network.main"}, cfg.Resources[1].DependsOn)
}

func TestLoadFromBytes_UnknownFieldFails(t *testing.T) {
	data := []byte(`
backend:
  type: memory
resourcces:
  - kind: res
    name: a
`)
	_, err := LoadFromBytes(data)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "resourcces")
}

func TestLoadFromBytes_EmptyFileIsEmptyConfig(t *testing.T) {
	cfg, err := LoadFromBytes(nil)
	require.NoError(t, err)
	assert.Empty(t, cfg.Resources)
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			name: "missing kind",
			cfg:  Config{Resources: []Resource{{Name: "a"}}},
			want: "kind and name are required",
		},
		{
			name: "bad kind syntax",
			cfg:  Config{Resources: []Resource{{Kind: "Res!", Name: "a"}}},
			want: "invalid kind",
		},
		{
			name: "duplicate identity",
			cfg: Config{Resources: []Resource{
				{Kind: "res", Name: "a"},
				{Kind: "res", Name: "a"},
			}},
			want: "duplicate resource res.a",
		},
		{
			name: "negative count",
			cfg:  Config{Resources: []Resource{{Kind: "res", Name: "a", Count: intPtr(-1)}}},
			want: "count must not be negative",
		},
		{
			name: "malformed dependency",
			cfg:  Config{Resources: []Resource{{Kind: "res", Name: "a", DependsOn: []string{"nodot"}}}},
			want: "must be kind.name",
		},
		{
			name: "s3 without bucket",
			cfg:  Config{Backend: BackendConfig{Type: BackendS3, Key: "k", LockTable: "t"}},
			want: "requires bucket",
		},
		{
			name: "unknown backend",
			cfg:  Config{Backend: BackendConfig{Type: "etcd"}},
			want: "unknown type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestBackendConfig_LockKeyOrDefault(t *testing.T) {
	assert.Equal(t, "explicit", (&BackendConfig{LockKey: "explicit", Key: "k"}).LockKeyOrDefault())
	assert.Equal(t, "prod/state", (&BackendConfig{Key: "prod/state"}).LockKeyOrDefault())
	assert.Equal(t, "converge", (&BackendConfig{}).LockKeyOrDefault())
}

func TestFindConfigFile_WalksUp(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, DefaultConfigFilename), []byte("backend:\n  type: memory\n"), 0o600))

	wd, err := os.Getwd()
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.Chdir(wd) })
	require.NoError(t, os.Chdir(nested))

	path, err := FindConfigFile()
	require.NoError(t, err)
	assert.Equal(t, DefaultConfigFilename, filepath.Base(path))
}

func intPtr(i int) *int { return &i }
