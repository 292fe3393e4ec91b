package network

import (
	"bufio"
	"encoding/binary"
	"io"
	"net"
	"os"
	"time"

	"github.com/pkg/errors"
)

// addressFileEntry is the fixed on-disk layout of one persisted
// AddressRecord, adapted from the wire AddressAndTime encoding
// (timestamp, 16-byte IP, port) but extended with the fields the
// address book needs to restore full trust-priority state across a
// restart (§6: "an append-only address book file... opaque on-disk
// encoding, re-readable across restarts").
type addressFileEntry struct {
	PeerID          PeerID
	IP              [16]byte
	Port            uint16
	ProtocolVersion uint32
	Source          byte
	LastSeenUnix    int64
}

const addressFileEntrySize = 32 + 16 + 2 + 4 + 1 + 8

// WriteAddressFile serializes every record to w as a flat sequence of
// fixed-size entries, appendable without re-reading prior entries.
func WriteAddressFile(w io.Writer, records []AddressRecord) error {
	bw := bufio.NewWriter(w)
	for _, rec := range records {
		if err := writeAddressEntry(bw, rec); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// AppendAddressFile opens path for appending and writes one entry,
// used by the address book to persist newly learned addresses
// incrementally rather than rewriting the whole file each time.
func AppendAddressFile(path string, rec AddressRecord) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return errors.Wrap(err, "open address file for append")
	}
	defer f.Close()
	return writeAddressEntry(f, rec)
}

func writeAddressEntry(w io.Writer, rec AddressRecord) error {
	var entry addressFileEntry
	entry.PeerID = rec.PeerID
	ip16 := rec.Endpoint.IP.To16()
	if ip16 != nil {
		copy(entry.IP[:], ip16)
	}
	entry.Port = rec.Endpoint.Port
	entry.ProtocolVersion = rec.ProtocolVersion
	entry.Source = byte(rec.Source)
	entry.LastSeenUnix = rec.LastSeen.Unix()

	buf := make([]byte, addressFileEntrySize)
	offset := 0
	copy(buf[offset:], entry.PeerID[:])
	offset += 32
	copy(buf[offset:], entry.IP[:])
	offset += 16
	binary.LittleEndian.PutUint16(buf[offset:], entry.Port)
	offset += 2
	binary.LittleEndian.PutUint32(buf[offset:], entry.ProtocolVersion)
	offset += 4
	buf[offset] = entry.Source
	offset++
	binary.LittleEndian.PutUint64(buf[offset:], uint64(entry.LastSeenUnix))

	_, err := w.Write(buf)
	return err
}

// ReadAddressFile deserializes every entry from r. A truncated final
// entry (e.g. from a crash mid-append) is silently dropped rather
// than treated as a fatal error, since the file is a best-effort
// cache, not a source of truth.
func ReadAddressFile(r io.Reader) ([]AddressRecord, error) {
	buf := make([]byte, addressFileEntrySize)
	var records []AddressRecord
	for {
		n, err := io.ReadFull(r, buf)
		if err == io.EOF {
			break
		}
		if err == io.ErrUnexpectedEOF || n < addressFileEntrySize {
			break
		}
		if err != nil {
			return records, errors.Wrap(err, "read address file entry")
		}

		var entry addressFileEntry
		offset := 0
		copy(entry.PeerID[:], buf[offset:offset+32])
		offset += 32
		copy(entry.IP[:], buf[offset:offset+16])
		offset += 16
		entry.Port = binary.LittleEndian.Uint16(buf[offset:])
		offset += 2
		entry.ProtocolVersion = binary.LittleEndian.Uint32(buf[offset:])
		offset += 4
		entry.Source = buf[offset]
		offset++
		entry.LastSeenUnix = int64(binary.LittleEndian.Uint64(buf[offset:]))

		ip := make(net.IP, 16)
		copy(ip, entry.IP[:])
		records = append(records, AddressRecord{
			PeerID:          entry.PeerID,
			Endpoint:        Endpoint{IP: ip, Port: entry.Port},
			ProtocolVersion: entry.ProtocolVersion,
			Source:          AddressSource(entry.Source),
			LastSeen:        time.Unix(entry.LastSeenUnix, 0).UTC(),
		})
	}
	return records, nil
}
