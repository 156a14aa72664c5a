package feed

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/mr-tron/base58"
)

var (
	// ErrNotCreateEvent means the logs carry no token creation payload.
	ErrNotCreateEvent = errors.New("feed: no create event in logs")

	// ErrMalformed means a create payload was found but could not be decoded.
	ErrMalformed = errors.New("feed: malformed create event")
)

const (
	programDataPrefix = "Program data: "

	// Upper bound for a single Borsh string in a create event. Real
	// metadata URIs stay well under this.
	maxStringLen = 1024
)

// createDiscriminator is the Anchor event tag of pump.fun's CreateEvent.
var createDiscriminator = func() [8]byte {
	sum := sha256.Sum256([]byte("event:CreateEvent"))
	var d [8]byte
	copy(d[:], sum[:8])
	return d
}()

// CreateEvent is a decoded pump.fun token creation.
type CreateEvent struct {
	Name         string `json:"name"`
	Symbol       string `json:"symbol"`
	URI          string `json:"uri"`
	Mint         string `json:"mint"`
	BondingCurve string `json:"bonding_curve"`
	Creator      string `json:"creator"`
}

// DecodeCreateEvent finds the CreateEvent payload among a transaction's
// log lines and decodes it. Lines that are not program data, or whose
// payload carries another event, are ignored.
func DecodeCreateEvent(logs []string) (CreateEvent, error) {
	for _, line := range logs {
		idx := strings.Index(line, programDataPrefix)
		if idx < 0 {
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(line[idx+len(programDataPrefix):]))
		if err != nil || len(raw) < len(createDiscriminator) {
			continue
		}
		if !bytes.Equal(raw[:8], createDiscriminator[:]) {
			continue
		}
		return decodeCreatePayload(raw[8:])
	}
	return CreateEvent{}, ErrNotCreateEvent
}

// decodeCreatePayload reads the Borsh body: name, symbol, uri as
// u32-length-prefixed strings, then mint, bonding curve and creator as
// 32-byte keys. Trailing fields added by newer program versions are ignored.
func decodeCreatePayload(b []byte) (CreateEvent, error) {
	r := borshReader{buf: b}
	var ev CreateEvent

	ev.Name = r.string("name")
	ev.Symbol = r.string("symbol")
	ev.URI = r.string("uri")
	ev.Mint = r.pubkey("mint")
	ev.BondingCurve = r.pubkey("bonding_curve")
	ev.Creator = r.pubkey("user")

	if r.err != nil {
		return CreateEvent{}, r.err
	}
	if strings.TrimSpace(ev.Name) == "" {
		return CreateEvent{}, fmt.Errorf("%w: empty name", ErrMalformed)
	}
	return ev, nil
}

type borshReader struct {
	buf []byte
	off int
	err error
}

func (r *borshReader) take(n int, field string) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.buf)-r.off < n {
		r.err = fmt.Errorf("%w: %s truncated at offset %d", ErrMalformed, field, r.off)
		return nil
	}
	out := r.buf[r.off : r.off+n]
	r.off += n
	return out
}

func (r *borshReader) string(field string) string {
	lenBytes := r.take(4, field)
	if r.err != nil {
		return ""
	}
	n := binary.LittleEndian.Uint32(lenBytes)
	if n > maxStringLen {
		r.err = fmt.Errorf("%w: %s length %d", ErrMalformed, field, n)
		return ""
	}
	s := r.take(int(n), field)
	if r.err != nil {
		return ""
	}
	if !utf8.Valid(s) {
		r.err = fmt.Errorf("%w: %s is not utf-8", ErrMalformed, field)
		return ""
	}
	return string(s)
}

func (r *borshReader) pubkey(field string) string {
	k := r.take(32, field)
	if r.err != nil {
		return ""
	}
	return base58.Encode(k)
}
