/*
JadeStore 引擎配置模块

引擎的可调参数与默认值。支持从 YAML 文件加载部署配置。
页面大小是部署常量（pagecache.PageSize），不在配置中。
*/

package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Duration 支持 "30s" / "5m" 写法的 YAML 时长
type Duration time.Duration

// UnmarshalYAML 解析时长字符串
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return errors.Wrapf(err, "非法的时长 %q", value.Value)
	}
	*d = Duration(parsed)
	return nil
}

// Std 转换为标准库时长
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config 引擎配置
type Config struct {
	// Dir 数据目录
	Dir string `yaml:"dir"`

	// CachePages 读缓存页面数
	CachePages int `yaml:"cache_pages"`

	// L2CacheBytes 二级页镜像缓存预算（0 关闭）
	L2CacheBytes int64 `yaml:"l2_cache_bytes"`

	// WALSegmentSize WAL 段大小
	WALSegmentSize int64 `yaml:"wal_segment_size"`

	// MaxPathLength 树查找路径深度上限
	MaxPathLength int `yaml:"max_path_length"`

	// MaxEmbeddedValueSize 内嵌值上限，超过写值溢出链
	MaxEmbeddedValueSize int `yaml:"max_embedded_value_size"`

	// CompressOverflow 值溢出链是否压缩
	CompressOverflow bool `yaml:"compress_overflow"`

	// CheckpointInterval 检查点间隔（0 关闭后台检查点）
	CheckpointInterval Duration `yaml:"checkpoint_interval"`
}

// Default 返回目录 dir 上的默认配置
func Default(dir string) *Config {
	return &Config{
		Dir:                  dir,
		CachePages:           4096,
		L2CacheBytes:         64 * 1024 * 1024,
		WALSegmentSize:       64 * 1024 * 1024,
		MaxPathLength:        64,
		MaxEmbeddedValueSize: 4096,
		CompressOverflow:     false,
		CheckpointInterval:   Duration(5 * time.Minute),
	}
}

// Load 从 YAML 文件加载配置，缺省字段取默认值
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "无法读取配置文件 %s", path)
	}

	cfg := Default("")
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "配置文件 %s 解析失败", path)
	}
	return cfg, nil
}
