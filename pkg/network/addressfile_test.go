package network

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddressFileRoundTrip(t *testing.T) {
	records := []AddressRecord{
		{
			PeerID:          PeerID{1, 2, 3},
			Endpoint:        Endpoint{IP: net.ParseIP("203.0.113.5"), Port: 30333},
			ProtocolVersion: 7,
			Source:          SourceManuallyAdded,
			LastSeen:        time.Unix(1700000000, 0).UTC(),
		},
		{
			PeerID:   PeerID{9},
			Endpoint: Endpoint{IP: net.ParseIP("2001:db8::1"), Port: 1},
			Source:   SourceDNSSeed,
			LastSeen: time.Unix(1700000100, 0).UTC(),
		},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteAddressFile(&buf, records))

	got, err := ReadAddressFile(&buf)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, records[0].PeerID, got[0].PeerID)
	assert.Equal(t, records[0].Endpoint.Port, got[0].Endpoint.Port)
	assert.True(t, records[0].Endpoint.IP.Equal(got[0].Endpoint.IP))
	assert.Equal(t, records[0].Source, got[0].Source)
	assert.Equal(t, records[0].LastSeen.Unix(), got[0].LastSeen.Unix())
	assert.True(t, records[1].Endpoint.IP.Equal(got[1].Endpoint.IP))
}

func TestAddressFileDropsTruncatedTrailingEntry(t *testing.T) {
	records := []AddressRecord{{
		PeerID:   PeerID{1},
		Endpoint: Endpoint{IP: net.ParseIP("203.0.113.5"), Port: 1},
		LastSeen: time.Unix(1700000000, 0).UTC(),
	}}
	var buf bytes.Buffer
	require.NoError(t, WriteAddressFile(&buf, records))
	truncated := buf.Bytes()[:buf.Len()-4]

	got, err := ReadAddressFile(bytes.NewReader(truncated))
	require.NoError(t, err)
	assert.Empty(t, got)
}
