package cache

import (
	"encoding/binary"

	"github.com/zeebo/blake3"

	"github.com/dev-mohitbeniwal/echo/authz/pdp/model"
)

// DeriveKey digests the identity of a decision. Each field is written with a
// length prefix, so no two distinct tuples share an encoding.
func DeriveKey(principalID, action, resourceID string, label model.SensitivityLabel, rulesetVersion string) model.CacheKey {
	var stack [256]byte
	buf := stack[:0]
	buf = appendField(buf, principalID)
	buf = appendField(buf, action)
	buf = appendField(buf, resourceID)
	buf = append(buf, byte(label))
	buf = appendField(buf, rulesetVersion)
	return model.CacheKey(blake3.Sum256(buf))
}

// KeyFor derives the key of req once it has been labelled.
func KeyFor(req model.AuthorizationRequest, label model.SensitivityLabel, rulesetVersion string) model.CacheKey {
	return DeriveKey(req.Principal.ID, req.Action, req.Resource.ID, label, rulesetVersion)
}

func appendField(buf []byte, s string) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(s)))
	return append(buf, s...)
}
