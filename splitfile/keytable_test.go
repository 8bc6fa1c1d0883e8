package splitfile

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/blubskye/gosplitfile/keys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeKeyTable(t *testing.T, n int) *SegmentKeys {
	t.Helper()
	cryptoKey := make([]byte, keys.ClientCHKCryptoKeyLength)
	_, err := rand.Read(cryptoKey)
	require.NoError(t, err)
	routingKeys := make([][]byte, n)
	for i := range routingKeys {
		routingKeys[i] = make([]byte, keys.ClientCHKRoutingKeyLength)
		_, err := rand.Read(routingKeys[i])
		require.NoError(t, err)
	}
	tab, err := NewSegmentKeys(cryptoKey, keys.AlgoAESCTR256SHA256, routingKeys)
	require.NoError(t, err)
	return tab
}

func TestSegmentKeysRoundTrip(t *testing.T) {
	tab := makeKeyTable(t, 6)

	var buf bytes.Buffer
	n, err := tab.WriteTo(&buf)
	require.NoError(t, err)
	assert.Equal(t, int64(SegmentKeysStoredLength(6)), n)
	assert.Equal(t, SegmentKeysStoredLength(6), buf.Len())

	parsed, err := ReadSegmentKeys(bytes.NewReader(buf.Bytes()), 6)
	require.NoError(t, err)
	assert.Equal(t, tab.CryptoKey(), parsed.CryptoKey())
	assert.Equal(t, tab.CryptoAlgorithm(), parsed.CryptoAlgorithm())
	for i := 0; i < 6; i++ {
		assert.Equal(t, tab.RoutingKeyAt(i), parsed.RoutingKeyAt(i))
	}
}

func TestSegmentKeysCorruptCRC(t *testing.T) {
	tab := makeKeyTable(t, 4)
	var buf bytes.Buffer
	_, err := tab.WriteTo(&buf)
	require.NoError(t, err)

	data := buf.Bytes()
	data[10] ^= 0x01
	_, err = ReadSegmentKeys(bytes.NewReader(data), 4)
	assert.ErrorIs(t, err, ErrKeysCorrupt)
}

func TestSegmentKeysBlockNumberOf(t *testing.T) {
	tab := makeKeyTable(t, 5)

	assert.Equal(t, 3, tab.BlockNumberOf(tab.RoutingKeyAt(3), nil))

	unknown := make([]byte, keys.ClientCHKRoutingKeyLength)
	assert.Equal(t, -1, tab.BlockNumberOf(unknown, nil))

	// An ignore mask skips already-present indices.
	ignore := make([]bool, 5)
	ignore[3] = true
	assert.Equal(t, -1, tab.BlockNumberOf(tab.RoutingKeyAt(3), ignore))
	assert.Equal(t, 2, tab.BlockNumberOf(tab.RoutingKeyAt(2), ignore))
}

func TestSegmentKeysKeyAt(t *testing.T) {
	tab := makeKeyTable(t, 3)
	key, err := tab.KeyAt(1)
	require.NoError(t, err)
	assert.Equal(t, tab.RoutingKeyAt(1), key.GetRoutingKey())
	assert.Equal(t, tab.CryptoKey(), key.GetCryptoKey())

	_, err = tab.KeyAt(3)
	assert.Error(t, err)
	_, err = tab.KeyAt(-1)
	assert.Error(t, err)
}
