package cadsync

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/oklog/ulid/v2"
)

// ids are used for sites (replicas), documents, entities, layers,
// and operations. A site id never repeats across replicas, which is
// what makes lamport timestamp ordering total.

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func RequireIdFromBytes(idBytes []byte) Id {
	id, err := IdFromBytes(idBytes)
	if err != nil {
		panic(err)
	}
	return id
}

func ParseId(idStr string) (Id, error) {
	return parseUuid(idStr)
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) String() string {
	return encodeUuid(self)
}

func (self Id) Cmp(other Id) int {
	return bytes.Compare(self[0:16], other[0:16])
}

func (self Id) MarshalText() ([]byte, error) {
	return []byte(encodeUuid(self)), nil
}

func (self *Id) UnmarshalText(src []byte) error {
	id, err := parseUuid(string(src))
	if err != nil {
		return err
	}
	*self = id
	return nil
}

func parseUuid(src string) (dst [16]byte, err error) {
	switch len(src) {
	case 36:
		src = src[0:8] + src[9:13] + src[14:18] + src[19:23] + src[24:]
	case 32:
		// dashes already stripped, assume valid
	default:
		// assume invalid.
		return dst, fmt.Errorf("cannot parse UUID %v", src)
	}

	buf, err := hex.DecodeString(src)
	if err != nil {
		return dst, err
	}

	copy(dst[:], buf)
	return dst, err
}

func encodeUuid(src [16]byte) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", src[0:4], src[4:6], src[6:8], src[8:10], src[10:16])
}

// totally ordered by (time, site id).
// two timestamps are equal only when generated for the same logical event,
// since a site id never repeats across replicas.

// comparable
type LamportTimestamp struct {
	Time   uint64 `json:"time"`
	SiteId Id     `json:"site_id"`
}

func (self LamportTimestamp) Cmp(other LamportTimestamp) int {
	if self.Time < other.Time {
		return -1
	}
	if other.Time < self.Time {
		return 1
	}
	return self.SiteId.Cmp(other.SiteId)
}

func (self LamportTimestamp) Before(other LamportTimestamp) bool {
	return self.Cmp(other) < 0
}

func (self LamportTimestamp) After(other LamportTimestamp) bool {
	return 0 < self.Cmp(other)
}

func (self LamportTimestamp) IsZero() bool {
	return self == LamportTimestamp{}
}

func (self LamportTimestamp) String() string {
	return fmt.Sprintf("%d@%s", self.Time, self.SiteId)
}

// unique tag attached to each or-set insertion.
// removing an element requires naming the specific tags to clear.

// comparable
type CrdtId struct {
	SiteId  Id     `json:"site_id"`
	Counter uint64 `json:"counter"`
}

func (self CrdtId) Cmp(other CrdtId) int {
	if c := self.SiteId.Cmp(other.SiteId); c != 0 {
		return c
	}
	if self.Counter < other.Counter {
		return -1
	}
	if other.Counter < self.Counter {
		return 1
	}
	return 0
}

func (self CrdtId) String() string {
	return fmt.Sprintf("%s:%d", self.SiteId, self.Counter)
}
