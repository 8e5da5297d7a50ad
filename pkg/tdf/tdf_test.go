package tdf

import (
	"bytes"
	"errors"
	"testing"
)

func TestAppendRecordAndWalk(t *testing.T) {
	var payload []byte
	var err error

	records := []struct {
		id   uint16
		data []byte
	}{
		{0x0001, []byte("first")},
		{0x0102, []byte{}},
		{0xFFFF, bytes.Repeat([]byte{0xAA}, 255)},
	}

	for _, r := range records {
		payload, err = AppendRecord(payload, r.id, r.data)
		if err != nil {
			t.Fatalf("AppendRecord(0x%04X) error = %v", r.id, err)
		}
	}

	var walked int
	err = Walk(payload, func(id uint16, data []byte) bool {
		if id != records[walked].id {
			t.Errorf("record %d id = 0x%04X, want 0x%04X", walked, id, records[walked].id)
		}
		if !bytes.Equal(data, records[walked].data) {
			t.Errorf("record %d data mismatch", walked)
		}
		walked++
		return true
	})
	if err != nil {
		t.Fatalf("Walk() error = %v", err)
	}
	if walked != len(records) {
		t.Errorf("walked %d records, want %d", walked, len(records))
	}
}

func TestAppendRecordTooLarge(t *testing.T) {
	if _, err := AppendRecord(nil, 1, make([]byte, 256)); !errors.Is(err, ErrRecordTooLarge) {
		t.Errorf("AppendRecord() error = %v, want ErrRecordTooLarge", err)
	}
}

func TestWalkStopsEarly(t *testing.T) {
	payload, _ := AppendRecord(nil, 1, []byte("a"))
	payload, _ = AppendRecord(payload, 2, []byte("b"))

	var seen int
	if err := Walk(payload, func(uint16, []byte) bool {
		seen++
		return false
	}); err != nil {
		t.Fatalf("Walk() error = %v", err)
	}
	if seen != 1 {
		t.Errorf("seen = %d, want 1", seen)
	}
}

func TestWalkTruncated(t *testing.T) {
	valid, _ := AppendRecord(nil, 1, []byte("data"))

	tests := []struct {
		name    string
		payload []byte
	}{
		{"header cut short", valid[:2]},
		{"data cut short", valid[:len(valid)-1]},
		{"declared length past end", []byte{0x01, 0x00, 0x10, 0xAA}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := Walk(tt.payload, func(uint16, []byte) bool { return true }); !errors.Is(err, ErrTruncated) {
				t.Errorf("Walk() error = %v, want ErrTruncated", err)
			}
		})
	}
}

func TestAnnouncementRoundTrip(t *testing.T) {
	a := &Announcement{
		DeviceID:    0x1122334455667788,
		Application: "sensor-hub",
		Version:     42,
		Uptime:      3600,
		RebootCount: 7,
	}

	// Announcement between unrelated records
	payload, err := AppendRecord(nil, 0x0001, []byte("noise"))
	if err != nil {
		t.Fatal(err)
	}
	payload, err = AppendAnnouncement(payload, a)
	if err != nil {
		t.Fatalf("AppendAnnouncement() error = %v", err)
	}
	payload, err = AppendRecord(payload, 0x0002, []byte("more"))
	if err != nil {
		t.Fatal(err)
	}

	found, ok := FindAnnouncement(payload)
	if !ok {
		t.Fatal("FindAnnouncement() did not find the record")
	}
	if *found != *a {
		t.Errorf("FindAnnouncement() = %+v, want %+v", found, a)
	}
}

func TestFindAnnouncementAbsent(t *testing.T) {
	payload, _ := AppendRecord(nil, 0x0001, []byte("just data"))
	if _, ok := FindAnnouncement(payload); ok {
		t.Error("FindAnnouncement() found a record that is not there")
	}

	// Malformed framing reports absence, not a partial parse
	if _, ok := FindAnnouncement([]byte{0x0A, 0x00, 0xFF}); ok {
		t.Error("FindAnnouncement() accepted truncated payload")
	}
}
