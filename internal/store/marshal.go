package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/roach88/fedroom/internal/ir"
)

// frameHashDomain separates frame hashes from event hashes.
const frameHashDomain = "fedroom/frame/v1"

// entrySize is the encoded size of one state frame entry.
const entrySize = 16

// marshalEvent converts an event to canonical JSON TEXT for storage.
// Local metadata (sn, flags, rejection) lives in columns, not in the JSON.
func marshalEvent(ev *ir.Event) (string, error) {
	data, err := ir.MarshalCanonical(ev)
	if err != nil {
		return "", fmt.Errorf("marshal event: %w", err)
	}
	return string(data), nil
}

// unmarshalEvent parses stored JSON TEXT back into an event.
func unmarshalEvent(data string) (*ir.Event, error) {
	var ev ir.Event
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		return nil, fmt.Errorf("unmarshal event: %w", err)
	}
	if ev.PrevEvents == nil {
		ev.PrevEvents = []string{}
	}
	if ev.AuthEvents == nil {
		ev.AuthEvents = []string{}
	}
	return &ev, nil
}

// frameEntry is one (field, event) pair in compressed form.
type frameEntry struct {
	field int64
	sn    int64
}

// frameState is an expanded frame keyed by field id.
type frameState map[int64]int64

func (fs frameState) entries() []frameEntry {
	out := make([]frameEntry, 0, len(fs))
	for f, sn := range fs {
		out = append(out, frameEntry{field: f, sn: sn})
	}
	slices.SortFunc(out, func(a, b frameEntry) int {
		if a.field != b.field {
			if a.field < b.field {
				return -1
			}
			return 1
		}
		switch {
		case a.sn < b.sn:
			return -1
		case a.sn > b.sn:
			return 1
		}
		return 0
	})
	return out
}

// hash is the content address of the frame within its room.
func (fs frameState) hash() []byte {
	return ir.HashWithDomain(frameHashDomain, encodeEntries(fs.entries()))
}

// diff returns the entries to append and dispose to turn parent into fs.
// A replaced field appears in both lists.
func (fs frameState) diff(parent frameState) (appended, disposed []frameEntry) {
	appended = []frameEntry{}
	disposed = []frameEntry{}
	for _, e := range fs.entries() {
		if old, ok := parent[e.field]; !ok || old != e.sn {
			appended = append(appended, e)
		}
	}
	for _, e := range parent.entries() {
		if cur, ok := fs[e.field]; !ok || cur != e.sn {
			disposed = append(disposed, e)
		}
	}
	return appended, disposed
}

// apply layers a delta onto fs in place.
func (fs frameState) apply(appended, disposed []frameEntry) {
	for _, e := range disposed {
		if fs[e.field] == e.sn {
			delete(fs, e.field)
		}
	}
	for _, e := range appended {
		fs[e.field] = e.sn
	}
}

func encodeEntries(entries []frameEntry) []byte {
	buf := make([]byte, len(entries)*entrySize)
	for i, e := range entries {
		binary.BigEndian.PutUint64(buf[i*entrySize:], uint64(e.field))
		binary.BigEndian.PutUint64(buf[i*entrySize+8:], uint64(e.sn))
	}
	return buf
}

func decodeEntries(buf []byte) ([]frameEntry, error) {
	if len(buf)%entrySize != 0 {
		return nil, fmt.Errorf("decode frame: %d bytes is not a multiple of %d", len(buf), entrySize)
	}
	out := make([]frameEntry, len(buf)/entrySize)
	for i := range out {
		out[i] = frameEntry{
			field: int64(binary.BigEndian.Uint64(buf[i*entrySize:])),
			sn:    int64(binary.BigEndian.Uint64(buf[i*entrySize+8:])),
		}
	}
	return out, nil
}
