package crdt

import (
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Updates and state vectors are CBOR. Values decoded into interface{} come
// back as map[string]interface{} for maps, []interface{} for arrays, int64
// for integers and float64 for floats.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("crdt: cbor encode mode: %v", err))
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]interface{}(nil)),
		IntDec:         cbor.IntDecConvertSigned,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("crdt: cbor decode mode: %v", err))
	}
}

type entry struct {
	Stamp   Stamp       `cbor:"s"`
	Value   interface{} `cbor:"v,omitempty"`
	Deleted bool        `cbor:"d,omitempty"`
}

type record struct {
	Map   string `cbor:"m"`
	Key   string `cbor:"k"`
	Entry entry  `cbor:"e"`
}

type updateFrame struct {
	GUID    string   `cbor:"g,omitempty"`
	Records []record `cbor:"r"`
}

// normalize returns value in the form every replica decodes it to, so a
// local read and a replicated read see the same dynamic types.
func normalize(value interface{}) (interface{}, error) {
	if value == nil {
		return nil, nil
	}
	data, err := encMode.Marshal(value)
	if err != nil {
		return nil, err
	}
	var out interface{}
	if err := decMode.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func encodeUpdate(guid string, records []record) ([]byte, error) {
	data, err := encMode.Marshal(updateFrame{GUID: guid, Records: records})
	if err != nil {
		return nil, fmt.Errorf("encode update: %w", err)
	}
	return data, nil
}

func decodeUpdate(data []byte) (*updateFrame, error) {
	var frame updateFrame
	if err := decMode.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	return &frame, nil
}

func encodeStateVector(sv map[string]int64) ([]byte, error) {
	data, err := encMode.Marshal(sv)
	if err != nil {
		return nil, fmt.Errorf("encode state vector: %w", err)
	}
	return data, nil
}

// DecodeStateVector turns an encoded state vector back into client -> clock.
func DecodeStateVector(data []byte) (map[string]int64, error) {
	sv := make(map[string]int64)
	if len(data) == 0 {
		return sv, nil
	}
	if err := decMode.Unmarshal(data, &sv); err != nil {
		return nil, fmt.Errorf("%w: state vector: %v", ErrMalformedUpdate, err)
	}
	return sv, nil
}
