/*
JadeStore 配置测试
*/

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestDefault 默认值健全
func TestDefault(t *testing.T) {
	cfg := Default("/data/db")
	assert.Equal(t, "/data/db", cfg.Dir)
	assert.Positive(t, cfg.CachePages)
	assert.Positive(t, cfg.WALSegmentSize)
	assert.Positive(t, cfg.MaxEmbeddedValueSize)
}

// TestLoadYAML 从 YAML 加载并保留缺省值
func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jadestore.yaml")
	content := []byte("dir: /tmp/store\ncache_pages: 128\ncheckpoint_interval: 30s\n")
	require.NoError(t, os.WriteFile(path, content, 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/store", cfg.Dir)
	assert.Equal(t, 128, cfg.CachePages)
	assert.Equal(t, Duration(30*time.Second), cfg.CheckpointInterval)

	// 未出现的字段保留默认值
	assert.Equal(t, Default("").MaxPathLength, cfg.MaxPathLength)
}

// TestLoadMissingFile 文件不存在时报错
func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/no/such/file.yaml")
	assert.Error(t, err)
}
