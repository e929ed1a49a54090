package outbox

import (
	"bytes"

	"github.com/rzbill/steward/pkg/id"
)

func queuePrefix(actor string) []byte {
	k := make([]byte, 0, len(actor)+16)
	k = append(k, "act/"...)
	k = append(k, actor...)
	k = append(k, "/obx/q/"...)
	return k
}

func entryKey(actor, destination string, entryID id.ID) []byte {
	k := queuePrefix(actor)
	k = append(k, destination...)
	k = append(k, 0)
	return append(k, entryID[:]...)
}

func splitEntryKey(prefix, key []byte) (destination string, entryID id.ID, ok bool) {
	rest := bytes.TrimPrefix(key, prefix)
	if len(rest) < 17 || rest[len(rest)-17] != 0 {
		return "", id.ID{}, false
	}
	entryID, err := id.FromBytes(rest[len(rest)-16:])
	if err != nil {
		return "", id.ID{}, false
	}
	return string(rest[:len(rest)-17]), entryID, true
}
