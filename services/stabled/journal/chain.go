package journal

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"lukechampine.com/blake3"
)

// ErrChainBroken is returned by Verify when an entry does not link to its
// predecessor or its digest does not match its content.
var ErrChainBroken = errors.New("journal: hash chain broken")

const verifyPageSize = 500

func digestOf(e *Entry) string {
	buf := new(bytes.Buffer)
	writeDelimited(buf, []byte(e.PrevDigest))
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], e.Seq)
	buf.Write(seq[:])
	writeDelimited(buf, []byte(e.ID.String()))
	writeDelimited(buf, []byte(e.Type))
	writeDelimited(buf, []byte(e.Account))
	writeDelimited(buf, []byte(e.Attributes))
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(e.EmittedAt.UTC().UnixMicro()))
	buf.Write(ts[:])
	sum := blake3.Sum256(buf.Bytes())
	return hex.EncodeToString(sum[:])
}

func writeDelimited(buf *bytes.Buffer, data []byte) {
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(data)))
	buf.Write(length[:])
	buf.Write(data)
}

// VerifyResult summarises a successful chain walk.
type VerifyResult struct {
	Entries uint64
	Head    string
}

// Verify recomputes every digest in sequence order and checks each entry
// links to the previous one.
func (j *Journal) Verify(ctx context.Context) (VerifyResult, error) {
	if j == nil || j.db == nil {
		return VerifyResult{}, errors.New("journal: not configured")
	}
	var (
		result VerifyResult
		prev   string
		expect uint64 = 1
	)
	err := j.scan(ctx, Query{}, verifyPageSize, func(e Entry) error {
		if e.Seq != expect {
			return fmt.Errorf("%w: expected seq %d, found %d", ErrChainBroken, expect, e.Seq)
		}
		if e.PrevDigest != prev {
			return fmt.Errorf("%w: seq %d does not link to its predecessor", ErrChainBroken, e.Seq)
		}
		if digestOf(&e) != e.Digest {
			return fmt.Errorf("%w: seq %d digest mismatch", ErrChainBroken, e.Seq)
		}
		prev = e.Digest
		expect++
		result.Entries++
		result.Head = e.Digest
		return nil
	})
	if err != nil {
		return VerifyResult{}, err
	}
	return result, nil
}
