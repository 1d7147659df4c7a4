package cached

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// The daemon speaks length-prefixed JSON frames over a local unix socket:
// a 4-byte big-endian payload length followed by one JSON document.
// Requests are a typed command table; responses always carry "ok".

// Command names accepted by the daemon.
const (
	OpGet         = "GET"
	OpSet         = "SET"
	OpDel         = "DEL"
	OpMGet        = "MGET"
	OpSetMany     = "SET_MANY"
	OpStats       = "STATS"
	OpLockTry     = "LOCK_TRY"
	OpLockRenew   = "LOCK_RENEW"
	OpLockRelease = "LOCK_RELEASE"
	OpLockStatus  = "LOCK_STATUS"
)

// KV is one key/value pair in a SET_MANY request.
type KV struct {
	Key   string `json:"key"`
	Value []byte `json:"value"`
	TTLMS int64  `json:"ttl_ms,omitempty"`
}

// Request is a single framed command.
type Request struct {
	Op    string   `json:"op"`
	Key   string   `json:"key,omitempty"`
	Keys  []string `json:"keys,omitempty"`
	Value []byte   `json:"value,omitempty"`
	Pairs []KV     `json:"pairs,omitempty"`
	TTLMS int64    `json:"ttl_ms,omitempty"`
	Owner string   `json:"owner,omitempty"`
	Token string   `json:"token,omitempty"`
}

// Response is the reply to one Request.
type Response struct {
	OK       bool              `json:"ok"`
	Error    string            `json:"error,omitempty"`
	Found    bool              `json:"found,omitempty"`
	Value    []byte            `json:"value,omitempty"`
	Values   map[string][]byte `json:"values,omitempty"`
	Deleted  int               `json:"deleted,omitempty"`
	Stored   int               `json:"stored,omitempty"`
	Acquired bool              `json:"acquired,omitempty"`
	Token    string            `json:"token,omitempty"`
	HeldBy   string            `json:"held_by,omitempty"`
	Renewed  bool              `json:"renewed,omitempty"`
	Released bool              `json:"released,omitempty"`
	Locked   bool              `json:"locked,omitempty"`
	Stats    *StatsSnapshot    `json:"stats,omitempty"`
}

// StatsSnapshot is the STATS reply payload and the liveness-log source.
type StatsSnapshot struct {
	Items      int    `json:"items"`
	Locks      int    `json:"locks"`
	TotalBytes int64  `json:"total_bytes"`
	LimitBytes int64  `json:"limit_bytes"`
	Evicted    uint64 `json:"evicted"`
	Expired    uint64 `json:"expired"`
	Errors     uint64 `json:"errors"`
	Ops        uint64 `json:"ops"`
}

// MaxFrameBytes bounds a single frame; SET_MANY batches stay well under it.
const MaxFrameBytes = 4 << 20

// WriteFrame marshals v and writes it as one length-prefixed frame.
func WriteFrame(w io.Writer, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("frame marshal: %w", err)
	}
	if len(payload) > MaxFrameBytes {
		return fmt.Errorf("frame too large: %d bytes", len(payload))
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

// ReadFrame reads one length-prefixed frame into v.
func ReadFrame(r io.Reader, v interface{}) error {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameBytes {
		return fmt.Errorf("frame too large: %d bytes", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return err
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("frame unmarshal: %w", err)
	}
	return nil
}

func errResponse(format string, args ...interface{}) *Response {
	return &Response{OK: false, Error: fmt.Sprintf(format, args...)}
}
