// Package verb defines the nine fixed wire verbs of the object-graph
// protocol and a binary table format for listing them.
//
// Unlike chirp's catalog, which maps a program's freely-chosen method
// names to numeric IDs it assigns, this protocol has no user-extensible
// method space: every request's Method field (see the root package's
// Request type) is one of these nine names; signal capability tokens travel
// in their own packet types, never as a Method. There is nothing to Add or
// Bind here — the verb set
// is closed and the same in both directions of every session.
package verb

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// The nine wire verbs, per §4.D.
const (
	Start = "start" // either direction, no payload, reply is the marshaled seed object
	Class = "class" // either direction, array of class descriptions, ack only
	New   = "new"   // either direction, {className, args[]}, reply is the new object
	Call  = "call"  // either direction, {obj, args[]}, reply is the marshaled result
	Func  = "func"  // either direction, {obj, name, args[]}, reply is the marshaled result
	Get   = "get"   // either direction, {obj, name}, reply is the marshaled value
	Set   = "set"   // either direction, {obj, name, value}, reply is ack (void)
	Iter  = "iter"  // either direction, {obj, symbol}, reply is a marshaled iterator stub
	Del   = "del"   // either direction, {idRemote}, one-way, no reply
)

// All lists the nine verbs in a fixed, stable order.
var All = []string{Start, Class, New, Call, Func, Get, Set, Iter, Del}

// IsValid reports whether name is one of the nine fixed verbs.
func IsValid(name string) bool {
	for _, v := range All {
		if v == name {
			return true
		}
	}
	return false
}

// Oneway reports whether name expects no reply. Only "del" is one-way; the
// dispatch core sends it as a raw PacketRelease rather than a correlated
// request/response pair.
func Oneway(name string) bool { return name == Del }

// Table encodes the fixed verb set in the same compact binary format
// chirp's catalog package used for its dynamic name-to-ID mapping: names in
// lexicographic order, followed by "IDs" (here, just each verb's position
// in lexicographic order) in reverse. It exists so cmd/objwire's probe
// subcommand can print or diff the verb set using a self-contained, peer
// independent wire blob, the way chirp's CLI could pack/unpack a catalog.
type Table struct {
	names []string
}

// NewTable builds a Table over the fixed verb set.
func NewTable() Table {
	names := append([]string(nil), All...)
	sort.Strings(names)
	return Table{names: names}
}

// Names returns the verbs in lexicographic order.
func (t Table) Names() []string { return t.names }

// Encode renders the table in the packed binary format described above.
func (t Table) Encode() []byte {
	var nlen int
	for _, name := range t.names {
		nlen += 2 + len(name)
	}
	buf := make([]byte, nlen+4*len(t.names))
	npos, mpos := 0, len(buf)
	for i, name := range t.names {
		binary.BigEndian.PutUint16(buf[npos:], uint16(len(name)))
		npos += 2
		npos += copy(buf[npos:], name)

		mpos -= 4
		binary.BigEndian.PutUint32(buf[mpos:], uint32(i))
	}
	return buf
}

// Decode parses data as a Table payload.
func (t *Table) Decode(data []byte) error {
	var names []string
	npos, mpos := 0, len(data)
	for npos < mpos {
		if npos+2 > len(data) {
			return fmt.Errorf("truncated table at offset %d", npos)
		}
		nlen := int(binary.BigEndian.Uint16(data[npos:]))
		npos += 2
		if npos+nlen > len(data) {
			return fmt.Errorf("truncated name at offset %d", npos)
		}
		mpos -= 4
		if mpos < npos+nlen {
			return fmt.Errorf("truncated ID at offset %d", mpos)
		}
		names = append(names, string(data[npos:npos+nlen]))
		npos += nlen
	}
	t.names = names
	return nil
}
