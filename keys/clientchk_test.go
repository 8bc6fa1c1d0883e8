// GoSplitfile - Hyphanet Splitfile Fetch Engine
// Copyright (C) 2025 GoHyphanet Contributors
// Licensed under GNU AGPLv3 - see LICENSE file for details
// Source: https://github.com/blubskye/gosplitfile

package keys

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientCHKBinaryRoundTrip(t *testing.T) {
	routingKey := make([]byte, ClientCHKRoutingKeyLength)
	cryptoKey := make([]byte, ClientCHKCryptoKeyLength)
	_, err := rand.Read(routingKey)
	require.NoError(t, err)
	_, err = rand.Read(cryptoKey)
	require.NoError(t, err)

	key, err := NewClientCHK(routingKey, cryptoKey, AlgoAESCTR256SHA256, CompressionNone, true)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, key.WriteRawBinaryKey(&buf))
	assert.Equal(t, ClientCHKRawLength, buf.Len())

	parsed, err := ReadClientCHK(&buf)
	require.NoError(t, err)
	assert.True(t, key.Equals(parsed))
	assert.True(t, parsed.IsControlDocument())
	assert.Equal(t, CompressionNone, parsed.GetCompressionAlgorithm())
}

func TestClientCHKRejectsBadLengths(t *testing.T) {
	cryptoKey := make([]byte, ClientCHKCryptoKeyLength)
	_, err := NewClientCHK(make([]byte, 16), cryptoKey, AlgoAESCTR256SHA256, CompressionNone, false)
	assert.Error(t, err)

	_, err = NewClientCHK(make([]byte, ClientCHKRoutingKeyLength), make([]byte, 8), AlgoAESCTR256SHA256, CompressionNone, false)
	assert.Error(t, err)

	_, err = NewClientCHK(make([]byte, ClientCHKRoutingKeyLength), cryptoKey, 99, CompressionNone, false)
	assert.Error(t, err)
}

func TestClientCHKImmutable(t *testing.T) {
	routingKey := make([]byte, ClientCHKRoutingKeyLength)
	cryptoKey := make([]byte, ClientCHKCryptoKeyLength)
	key, err := NewClientCHK(routingKey, cryptoKey, AlgoAESCTR256SHA256, CompressionNone, false)
	require.NoError(t, err)

	routingKey[0] = 0xFF
	assert.Equal(t, byte(0), key.GetRoutingKey()[0])

	clone := key.Clone()
	assert.True(t, key.Equals(clone))
}

func TestCTRRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	plaintext := []byte("some plaintext content")

	encrypted, err := EncryptDataCTR(plaintext, key, nil)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, encrypted)

	decrypted, err := DecryptDataCTR(encrypted, key, nil)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestPCFBRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	plaintext := []byte("pcfb plaintext content")

	encrypted, err := EncryptDataPCFB(plaintext, key, nil)
	require.NoError(t, err)
	decrypted, err := DecryptDataPCFB(encrypted, key, nil)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}
