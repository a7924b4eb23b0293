package graphapi

import (
	"encoding/json"
	"errors"
	"strconv"
)

// Link is a reference from a node input to an output slot of another node.
// In API prompts it is serialized as a tuple: [ "originID", originSlot ].
type Link struct {
	OriginID   int
	OriginSlot int
}

func (l Link) MarshalJSON() ([]byte, error) {
	tmp := []interface{}{
		strconv.Itoa(l.OriginID),
		l.OriginSlot,
	}
	return json.Marshal(tmp)
}

func (l *Link) UnmarshalJSON(b []byte) error {
	var tmp []interface{}
	if err := json.Unmarshal(b, &tmp); err != nil {
		return err
	}
	if len(tmp) != 2 {
		return errors.New("wrong number of fields in link tuple")
	}

	// the origin may be either a string or a number depending on who wrote the prompt
	switch v := tmp[0].(type) {
	case string:
		id, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		l.OriginID = id
	case float64:
		l.OriginID = int(v)
	default:
		return errors.New("invalid link origin")
	}

	slot, ok := tmp[1].(float64)
	if !ok {
		return errors.New("invalid link slot")
	}
	l.OriginSlot = int(slot)
	return nil
}
