package balancer

import (
	"github.com/rs/xid"

	"github.com/ustack/tcplb/tcpip"
	"github.com/ustack/tcplb/tcpip/transport/tcp"
)

// Slot ids for the live-update persistence layout (spec.md §6).
const (
	slotSessionCount   = 100
	slotIncomingHandle = 101
	slotOutgoingHandle = 102
)

// Record is one entry in a Store: a slot id tagging either a uint64 or a
// string payload, mirroring the "typed key-value store" spec.md §6
// describes. Grounded on the teacher pack's `gopkg.in/yaml.v3`-era config
// document idiom generalized to a binary-ish tagged record log, since live
// update persistence has no direct analogue in the retrieved teacher slice.
type Record struct {
	Slot int
	U64  uint64
	Str  string
}

// Store is an ordered, append-only sequence of Records: Serialize writes to
// it, Deserialize reads it back in the same order. A real deployment would
// back this with a file or shared-memory segment across the live-update
// boundary; this type only fixes the wire contract.
type Store struct {
	records []Record
	pos     int
}

// NewStore creates an empty Store, ready for Serialize to populate.
func NewStore() *Store { return &Store{} }

// PutUint64 appends a uint64-valued record.
func (s *Store) PutUint64(slot int, v uint64) {
	s.records = append(s.records, Record{Slot: slot, U64: v})
}

// PutString appends a string-valued record.
func (s *Store) PutString(slot int, v string) {
	s.records = append(s.records, Record{Slot: slot, Str: v})
}

// Next returns the next unread record in write order, or ok=false once
// exhausted.
func (s *Store) Next() (Record, bool) {
	if s.pos >= len(s.records) {
		return Record{}, false
	}
	r := s.records[s.pos]
	s.pos++
	return r, true
}

// Serialize implements spec.md §4.8's `serialize(store)`: emit the live
// session count, then for each live session its two connection handles,
// incoming (client) first.
func (e *Engine) Serialize(store *Store) {
	store.PutUint64(slotSessionCount, uint64(e.OpenSessions()))
	for _, s := range e.sessions {
		if s == nil {
			continue
		}
		store.PutString(slotIncomingHandle, s.client.Handle.String())
		store.PutString(slotOutgoingHandle, s.upstream.Handle.String())
	}
}

// Deserialize implements spec.md §4.8's `deserialize(store)`: read the
// count, then for each entry rehydrate the two connections by handle from
// clientHost/upstreamHost (the target TCP instances whose connection maps
// have already been repopulated) and construct a new Session with
// has_talked = false, reinstalling forwarding and restarting the rolling
// idle timer. Entries whose handle no longer resolves to a live connection
// are skipped (the connection did not survive the restart).
func (e *Engine) Deserialize(store *Store, clientHost, upstreamHost *tcp.Host) error {
	countRec, ok := store.Next()
	if !ok || countRec.Slot != slotSessionCount {
		return tcpip.ErrBadPacket
	}

	for i := uint64(0); i < countRec.U64; i++ {
		inRec, ok := store.Next()
		if !ok || inRec.Slot != slotIncomingHandle {
			return tcpip.ErrBadPacket
		}
		outRec, ok := store.Next()
		if !ok || outRec.Slot != slotOutgoingHandle {
			return tcpip.ErrBadPacket
		}

		inID, err := xid.FromString(inRec.Str)
		if err != nil {
			continue
		}
		outID, err := xid.FromString(outRec.Str)
		if err != nil {
			continue
		}

		client, ok := clientHost.ConnectionByHandle(inID)
		if !ok {
			continue
		}
		upstream, ok := upstreamHost.ConnectionByHandle(outID)
		if !ok {
			continue
		}

		s := e.newSession(client, upstream, nil, false)
		e.installForwarding(s)
	}
	return nil
}
