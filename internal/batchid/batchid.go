// Package batchid encodes the correlation identifiers handed to SDKs at
// presign time and parsed back at completion.
//
// Two encodings exist. The compact form is a CBOR array carrying the
// session id, artifact kind, sequence marker and a ULID nonce, base64url
// encoded behind a version prefix. The legacy form is the delimited string
// "{kind}_{sequence}_{sessionId}" issued by older servers. Parse tries the
// compact form first.
package batchid

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/oklog/ulid/v2"

	"github.com/rejourney/ingest-server-go/internal/model"
)

const (
	compactPrefix  = "b1."
	compactVersion = 1
)

var ErrMalformed = errors.New("malformed batch id")

// ID identifies one presigned upload. Sequence is the batch number for
// batch kinds and the segment start time in epoch milliseconds for
// segment kinds.
type ID struct {
	SessionID string
	Kind      model.ArtifactKind
	Sequence  int64
	Nonce     ulid.ULID
}

type wireID struct {
	_         struct{} `cbor:",toarray"`
	Version   uint8
	SessionID string
	Kind      string
	Sequence  int64
	Nonce     []byte
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode

	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("batchid: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("batchid: CBOR decoder initialization failed: " + err.Error())
	}
}

// New returns an ID with a fresh monotonic nonce.
func New(sessionID string, kind model.ArtifactKind, sequence int64, now time.Time) (ID, error) {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	nonce, err := ulid.New(ulid.Timestamp(now.UTC()), entropy)
	if err != nil {
		return ID{}, fmt.Errorf("generate batch nonce: %w", err)
	}
	return ID{SessionID: sessionID, Kind: kind, Sequence: sequence, Nonce: nonce}, nil
}

// String returns the compact encoding.
func (id ID) String() string {
	data, err := encMode.Marshal(wireID{
		Version:   compactVersion,
		SessionID: id.SessionID,
		Kind:      string(id.Kind),
		Sequence:  id.Sequence,
		Nonce:     id.Nonce[:],
	})
	if err != nil {
		// Only reachable if the static struct becomes unencodable.
		panic("batchid: encode: " + err.Error())
	}
	return compactPrefix + base64.RawURLEncoding.EncodeToString(data)
}

// Legacy returns the delimited encoding older SDK builds expect.
func (id ID) Legacy() string {
	return fmt.Sprintf("%s_%d_%s", id.Kind, id.Sequence, id.SessionID)
}

// Parse decodes either encoding.
func Parse(s string) (ID, error) {
	for _, parse := range []func(string) (ID, error){parseCompact, parseLegacy} {
		if id, err := parse(s); err == nil {
			return id, nil
		}
	}
	return ID{}, ErrMalformed
}

func parseCompact(s string) (ID, error) {
	if !strings.HasPrefix(s, compactPrefix) {
		return ID{}, ErrMalformed
	}
	data, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(s, compactPrefix))
	if err != nil {
		return ID{}, ErrMalformed
	}

	var w wireID
	if err := decMode.Unmarshal(data, &w); err != nil {
		return ID{}, ErrMalformed
	}
	if w.Version != compactVersion || w.SessionID == "" || len(w.Nonce) != len(ulid.ULID{}) {
		return ID{}, ErrMalformed
	}
	kind := model.ArtifactKind(w.Kind)
	if !kind.Valid() {
		return ID{}, ErrMalformed
	}

	id := ID{SessionID: w.SessionID, Kind: kind, Sequence: w.Sequence}
	copy(id.Nonce[:], w.Nonce)
	return id, nil
}

func parseLegacy(s string) (ID, error) {
	parts := strings.SplitN(s, "_", 3)
	if len(parts) != 3 || parts[2] == "" {
		return ID{}, ErrMalformed
	}
	kind := model.ArtifactKind(parts[0])
	if !kind.Valid() {
		return ID{}, ErrMalformed
	}
	seq, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return ID{}, ErrMalformed
	}
	return ID{SessionID: parts[2], Kind: kind, Sequence: seq}, nil
}
