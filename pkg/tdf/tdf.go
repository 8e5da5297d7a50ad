// Package tdf implements the tagged-data record format carried in
// TypeTaggedData packet payloads: a sequence of {id, length, bytes}
// records. Record bodies with structure (the announcement record) are
// msgpack encoded.
package tdf

import (
	"encoding/binary"
	"errors"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	// Record IDs
	RecordAnnouncement = 0x0A

	recordHeaderSize = 3
	maxRecordData    = 255
)

var (
	ErrRecordTooLarge = errors.New("tdf: record data exceeds 255 bytes")
	ErrTruncated      = errors.New("tdf: truncated record")
)

// Announcement is the periodic presence record a device emits so that
// gateways and peers can discover it.
type Announcement struct {
	DeviceID    uint64 `msgpack:"device_id"`
	Application string `msgpack:"application"`
	Version     uint32 `msgpack:"version"`
	Uptime      uint32 `msgpack:"uptime"`
	RebootCount uint32 `msgpack:"reboots"`
}

// AppendRecord appends one record to a tagged-data payload.
func AppendRecord(payload []byte, id uint16, data []byte) ([]byte, error) {
	if len(data) > maxRecordData {
		return nil, ErrRecordTooLarge
	}

	header := make([]byte, recordHeaderSize)
	binary.LittleEndian.PutUint16(header[0:2], id)
	header[2] = byte(len(data))
	payload = append(payload, header...)
	payload = append(payload, data...)
	return payload, nil
}

// Walk iterates the records of a tagged-data payload in order, invoking
// fn for each. Iteration stops early if fn returns false. A truncated
// record rejects the remainder whole.
func Walk(payload []byte, fn func(id uint16, data []byte) bool) error {
	for len(payload) > 0 {
		if len(payload) < recordHeaderSize {
			return ErrTruncated
		}
		id := binary.LittleEndian.Uint16(payload[0:2])
		dataLen := int(payload[2])
		if len(payload) < recordHeaderSize+dataLen {
			return ErrTruncated
		}
		if !fn(id, payload[recordHeaderSize:recordHeaderSize+dataLen]) {
			return nil
		}
		payload = payload[recordHeaderSize+dataLen:]
	}
	return nil
}

// AppendAnnouncement encodes a and appends it as a record.
func AppendAnnouncement(payload []byte, a *Announcement) ([]byte, error) {
	data, err := msgpack.Marshal(a)
	if err != nil {
		return nil, err
	}
	return AppendRecord(payload, RecordAnnouncement, data)
}

// FindAnnouncement scans a tagged-data payload for an announcement
// record. Absence of the record, or any malformed framing, returns ok
// false.
func FindAnnouncement(payload []byte) (*Announcement, bool) {
	var found *Announcement
	err := Walk(payload, func(id uint16, data []byte) bool {
		if id != RecordAnnouncement {
			return true
		}
		var a Announcement
		if msgpack.Unmarshal(data, &a) != nil {
			return true
		}
		found = &a
		return false
	})
	if err != nil || found == nil {
		return nil, false
	}
	return found, true
}
