package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigLoader_Defaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")

	cfg, err := NewConfigLoader().Load("")
	require.NoError(t, err)

	assert.Equal(t, "size", cfg.Knowledge.Chunking.Strategy)
	assert.Equal(t, 512, cfg.Knowledge.Chunking.ChunkSize)
	assert.Equal(t, 50, cfg.Knowledge.Chunking.ChunkOverlap)
	assert.Equal(t, 50, cfg.Knowledge.Chunking.MinChunkSize)
	assert.Equal(t, 3, cfg.Knowledge.Chunking.SentencesPerChunk)
	assert.Equal(t, "local-model", cfg.Knowledge.Embedding.Provider)
	assert.Equal(t, "all-minilm", cfg.Knowledge.Embedding.Model)
	assert.Equal(t, "bolt", cfg.Knowledge.VectorStore.Provider)
	assert.Equal(t, 5, cfg.Knowledge.Search.DefaultResults)
	assert.Equal(t, 50, cfg.Knowledge.Search.MaxResults)
	assert.Equal(t, 3, cfg.Knowledge.Pipeline.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Knowledge.Pipeline.InitialBackoff)
	assert.Equal(t, 24*time.Hour, cfg.Redis.TTL)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr())
}

func TestConfigLoader_EnvOverrides(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("RAG_KNOWLEDGE_CHUNKING_STRATEGY", "paragraphs")
	t.Setenv("RAG_KNOWLEDGE_EMBEDDING_PROVIDER", "remote-api")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")

	cfg, err := NewConfigLoader().Load("")
	require.NoError(t, err)

	assert.Equal(t, "paragraphs", cfg.Knowledge.Chunking.Strategy)
	assert.Equal(t, "remote-api", cfg.Knowledge.Embedding.Provider)
	assert.True(t, cfg.Kafka.Enabled)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
}

func TestConfigLoader_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rag.yaml")
	content := `
knowledge:
  chunking:
    strategy: tokens
    chunk_size: 256
    chunk_overlap: 32
  vector_store:
    provider: qdrant
    collection: docs
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := NewConfigLoader().Load(path)
	require.NoError(t, err)
	assert.Equal(t, "tokens", cfg.Knowledge.Chunking.Strategy)
	assert.Equal(t, 256, cfg.Knowledge.Chunking.ChunkSize)
	assert.Equal(t, "qdrant", cfg.Knowledge.VectorStore.Provider)
	assert.Equal(t, "docs", cfg.Knowledge.VectorStore.Collection)
}

func TestConfigLoader_Validation(t *testing.T) {
	cases := map[string]string{
		"overlap not below size": "knowledge:\n  chunking:\n    chunk_size: 100\n    chunk_overlap: 100\n",
		"unknown strategy":       "knowledge:\n  chunking:\n    strategy: words\n",
		"unknown provider":       "knowledge:\n  embedding:\n    provider: magic\n",
		"threshold above one":    "knowledge:\n  search:\n    threshold: 1.5\n",
	}
	for name, content := range cases {
		content := content
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "bad.yaml")
			require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

			_, err := NewConfigLoader().Load(path)
			assert.Error(t, err)
		})
	}
}

func TestConfigLoader_MissingFile(t *testing.T) {
	_, err := NewConfigLoader().Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestConfigLoader_WatchAppliesValidChanges(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	path := filepath.Join(t.TempDir(), "rag.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: info\n"), 0o600))

	loader := NewConfigLoader()
	cfg, err := loader.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, path, loader.ConfigFile())

	changed := make(chan *Config, 8)
	rejected := make(chan error, 8)
	loader.Watch(func(c *Config) { changed <- c }, func(err error) { rejected <- err })

	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: debug\n"), 0o600))
	// 截断与写入可能各触发一次事件，等到出现新值为止
	deadline := time.After(5 * time.Second)
	for seen := false; !seen; {
		select {
		case c := <-changed:
			seen = c.Log.Level == "debug"
		case <-deadline:
			t.Fatal("config change was not observed")
		}
	}

	// 校验失败的改动不回调 onChange
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: verbose\n"), 0o600))
	select {
	case err := <-rejected:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("invalid config was not reported")
	}
}

func TestConfigLoader_ExtractionLicenseFromEnv(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("UNIDOC_LICENSE_API_KEY", "metered-key")

	cfg, err := NewConfigLoader().Load("")
	require.NoError(t, err)
	assert.Equal(t, "metered-key", cfg.Knowledge.Extraction.LicenseKey)
}
