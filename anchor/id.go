package anchor

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// comparable
// ids are ordered by create time, which lets ids from the same source be sorted
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

func ParseId(idStr string) (Id, error) {
	parsed, err := uuid.Parse(idStr)
	if err != nil {
		return Id{}, err
	}
	return Id(parsed), nil
}

func RequireParseId(idStr string) Id {
	id, err := ParseId(idStr)
	if err != nil {
		panic(err)
	}
	return id
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) LessThan(b Id) bool {
	for i := 0; i < 16; i++ {
		if self[i] != b[i] {
			return self[i] < b[i]
		}
	}
	return false
}

func (self Id) String() string {
	return uuid.UUID(self).String()
}

func (self Id) MarshalJSON() ([]byte, error) {
	var buf [38]byte
	buf[0] = '"'
	copy(buf[1:], self.String())
	buf[37] = '"'
	return buf[:], nil
}

func (self *Id) UnmarshalJSON(src []byte) error {
	if len(src) != 38 {
		return fmt.Errorf("Invalid id format (%d)", len(src))
	}
	id, err := ParseId(string(src[1:37]))
	if err != nil {
		return err
	}
	*self = id
	return nil
}
