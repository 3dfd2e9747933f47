/*
JadeStore 序列化器测试
*/

package serializer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSerializerRoundTrip 内置序列化器的编解码往返
func TestSerializerRoundTrip(t *testing.T) {
	cases := []struct {
		ser Serializer
		obj interface{}
	}{
		{BoolSerializer{}, true},
		{BoolSerializer{}, false},
		{LongSerializer{}, int64(-123456789)},
		{LongSerializer{}, int64(0)},
		{StringSerializer{}, "hello 世界"},
		{StringSerializer{}, ""},
		{BytesSerializer{}, []byte{1, 2, 3}},
	}

	for _, tc := range cases {
		size := tc.ser.ObjectSize(tc.obj)
		buf := make([]byte, size+8)
		tc.ser.Serialize(tc.obj, buf, 4)

		assert.Equal(t, size, tc.ser.ObjectSizeAt(buf, 4))
		assert.Equal(t, tc.obj, tc.ser.Deserialize(buf, 4))
	}
}

// TestRegistry 注册表按 ID 解析
func TestRegistry(t *testing.T) {
	r := NewRegistry()

	s, err := r.ByID(LongID)
	require.NoError(t, err)
	assert.Equal(t, LongID, s.ID())

	_, err = r.ByID(200)
	assert.Error(t, err)
}

// TestCompare 键比较的全序性质
func TestCompare(t *testing.T) {
	assert.Negative(t, Compare(int64(1), int64(2)))
	assert.Positive(t, Compare(int64(2), int64(1)))
	assert.Zero(t, Compare(int64(7), int64(7)))

	assert.Negative(t, Compare("ab", "abc"))
	assert.Positive(t, Compare("b", "abc"))

	assert.Negative(t, Compare([]byte{1}, []byte{1, 0}))
	assert.Zero(t, Compare([]byte{9, 9}, []byte{9, 9}))
}
