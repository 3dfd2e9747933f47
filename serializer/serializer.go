/*
JadeStore 二进制序列化器模块

索引结构不关心键值的具体类型，只通过序列化器读写字节。序列化器以
单字节 ID 注册，ID 会写入 Bonsai 桶头等持久结构，重开文件时按 ID
重新解析，因此 ID 与磁盘格式一经发布不可变更。

Preprocess 在比较前把键规范化；规范化后的键由 Compare 按类型比较，
而不是比较序列化后的字节。
*/

package serializer

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/util6/JadeStore/utils"
)

// 内置序列化器 ID
const (
	BoolID   byte = 1
	LongID   byte = 2
	StringID byte = 3
	BytesID  byte = 4
)

// Serializer 二进制序列化器
type Serializer interface {
	// ID 注册号，随页面持久化
	ID() byte

	// ObjectSize 对象序列化后的字节数
	ObjectSize(obj interface{}) int

	// ObjectSizeAt 从 buf[offset:] 解析出的对象占用的字节数
	ObjectSizeAt(buf []byte, offset int) int

	// Serialize 将对象写入 buf[offset:]
	Serialize(obj interface{}, buf []byte, offset int)

	// Deserialize 从 buf[offset:] 读出对象
	Deserialize(buf []byte, offset int) interface{}

	// Preprocess 键规范化：返回用于比较与存储的等价对象
	Preprocess(obj interface{}) interface{}
}

// ---------------------------------------------------------------------------
// 内置序列化器
// ---------------------------------------------------------------------------

// BoolSerializer 布尔序列化器（1 字节）
type BoolSerializer struct{}

func (BoolSerializer) ID() byte                              { return BoolID }
func (BoolSerializer) ObjectSize(interface{}) int            { return 1 }
func (BoolSerializer) ObjectSizeAt([]byte, int) int          { return 1 }
func (BoolSerializer) Preprocess(obj interface{}) interface{} { return obj }

func (BoolSerializer) Serialize(obj interface{}, buf []byte, offset int) {
	if obj.(bool) {
		buf[offset] = 1
	} else {
		buf[offset] = 0
	}
}

func (BoolSerializer) Deserialize(buf []byte, offset int) interface{} {
	return buf[offset] == 1
}

// LongSerializer 64 位整数序列化器（8 字节，小端）
type LongSerializer struct{}

func (LongSerializer) ID() byte                              { return LongID }
func (LongSerializer) ObjectSize(interface{}) int            { return 8 }
func (LongSerializer) ObjectSizeAt([]byte, int) int          { return 8 }
func (LongSerializer) Preprocess(obj interface{}) interface{} { return obj }

func (LongSerializer) Serialize(obj interface{}, buf []byte, offset int) {
	binary.LittleEndian.PutUint64(buf[offset:], uint64(obj.(int64)))
}

func (LongSerializer) Deserialize(buf []byte, offset int) interface{} {
	return int64(binary.LittleEndian.Uint64(buf[offset:]))
}

// StringSerializer 字符串序列化器（4 字节长度 + UTF-8 字节）
type StringSerializer struct{}

func (StringSerializer) ID() byte { return StringID }

func (StringSerializer) ObjectSize(obj interface{}) int {
	return 4 + len(obj.(string))
}

func (StringSerializer) ObjectSizeAt(buf []byte, offset int) int {
	return 4 + int(binary.LittleEndian.Uint32(buf[offset:]))
}

func (StringSerializer) Serialize(obj interface{}, buf []byte, offset int) {
	s := obj.(string)
	binary.LittleEndian.PutUint32(buf[offset:], uint32(len(s)))
	copy(buf[offset+4:], s)
}

func (StringSerializer) Deserialize(buf []byte, offset int) interface{} {
	size := int(binary.LittleEndian.Uint32(buf[offset:]))
	return string(buf[offset+4 : offset+4+size])
}

// Preprocess 字符串键按 UTF-8 字节序比较，无需变换
func (StringSerializer) Preprocess(obj interface{}) interface{} { return obj }

// BytesSerializer 字节串序列化器（4 字节长度 + 内容）
type BytesSerializer struct{}

func (BytesSerializer) ID() byte { return BytesID }

func (BytesSerializer) ObjectSize(obj interface{}) int {
	return 4 + len(obj.([]byte))
}

func (BytesSerializer) ObjectSizeAt(buf []byte, offset int) int {
	return 4 + int(binary.LittleEndian.Uint32(buf[offset:]))
}

func (BytesSerializer) Serialize(obj interface{}, buf []byte, offset int) {
	b := obj.([]byte)
	binary.LittleEndian.PutUint32(buf[offset:], uint32(len(b)))
	copy(buf[offset+4:], b)
}

func (BytesSerializer) Deserialize(buf []byte, offset int) interface{} {
	size := int(binary.LittleEndian.Uint32(buf[offset:]))
	out := make([]byte, size)
	copy(out, buf[offset+4:offset+4+size])
	return out
}

func (BytesSerializer) Preprocess(obj interface{}) interface{} { return obj }

// ---------------------------------------------------------------------------
// 注册表
// ---------------------------------------------------------------------------

// Registry 序列化器注册表（id → 序列化器）
type Registry struct {
	byID map[byte]Serializer
}

// NewRegistry 创建注册表并注册内置序列化器
func NewRegistry() *Registry {
	r := &Registry{byID: make(map[byte]Serializer)}
	r.Register(BoolSerializer{})
	r.Register(LongSerializer{})
	r.Register(StringSerializer{})
	r.Register(BytesSerializer{})
	return r
}

// Register 注册序列化器（ID 冲突时覆盖）
func (r *Registry) Register(s Serializer) {
	r.byID[s.ID()] = s
}

// ByID 按 ID 查找序列化器
func (r *Registry) ByID(id byte) (Serializer, error) {
	s, ok := r.byID[id]
	if !ok {
		return nil, errors.Wrapf(utils.ErrSerializerNotFound, "serializer id %d", id)
	}
	return s, nil
}

// Compare 规范化后对象的全序比较。支持内置序列化器的全部键类型。
func Compare(a, b interface{}) int {
	switch av := a.(type) {
	case int64:
		bv := b.(int64)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
		return 0
	case string:
		bv := b.(string)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
		return 0
	case []byte:
		return bytesCompare(av, b.([]byte))
	case bool:
		av2, bv2 := 0, 0
		if av {
			av2 = 1
		}
		if b.(bool) {
			bv2 = 1
		}
		return av2 - bv2
	}
	panic(errors.Errorf("uncomparable key type %T", a))
}

func bytesCompare(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	}
	return 0
}

// ---------------------------------------------------------------------------
// 加密提供者
// ---------------------------------------------------------------------------

// Encryption 可选的加密提供者：叶子条目值写前加密、读后解密
type Encryption interface {
	Encrypt(data []byte) []byte
	Decrypt(data []byte) ([]byte, error)
}
