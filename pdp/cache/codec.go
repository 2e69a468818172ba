package cache

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/dev-mohitbeniwal/echo/authz/pdp/model"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	// labels and sources travel as their text names
	encOptions.TextMarshaler = cbor.TextMarshalerTextString
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("cache: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		TextUnmarshaler: cbor.TextUnmarshalerTextString,
	}.DecMode()
	if err != nil {
		panic("cache: CBOR decoder initialization failed: " + err.Error())
	}
}

func encodeEntry(e model.CacheEntry) ([]byte, error) {
	b, err := encMode.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode cache entry: %w", err)
	}
	return b, nil
}

func decodeEntry(b []byte) (model.CacheEntry, error) {
	var e model.CacheEntry
	if err := decMode.Unmarshal(b, &e); err != nil {
		return model.CacheEntry{}, fmt.Errorf("decode cache entry: %w", err)
	}
	return e, nil
}
