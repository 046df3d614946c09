package datastore

import "corekv/pkg/types"

// item is the in-memory and on-disk representation of one data-store
// entry. expireAt is a unix-nanosecond deadline; zero means "no TTL".
type item struct {
	key       []byte
	value     []byte
	tombstone bool
	expireAt  int64
}

func encodeCompositeKey(ns types.Namespace, key types.Key) []byte {
	out := make([]byte, 0, len(ns)+1+len(key))
	out = append(out, byte(len(ns)))
	out = append(out, []byte(ns)...)
	out = append(out, key...)
	return out
}

func decodeCompositeKey(composite []byte) (types.Namespace, types.Key) {
	if len(composite) == 0 {
		return "", nil
	}
	nsLen := int(composite[0])
	ns := types.Namespace(composite[1 : 1+nsLen])
	key := composite[1+nsLen:]
	return ns, key
}

func namespaceLowerBound(ns types.Namespace) []byte {
	return encodeCompositeKey(ns, nil)
}

// namespaceUpperBound returns the smallest composite key known to sort
// after every key in ns, or (nil, false) if ns's prefix is all 0xff
// bytes (in which case callers should treat the namespace as unbounded
// above).
func namespaceUpperBound(ns types.Namespace) ([]byte, bool) {
	prefix := namespaceLowerBound(ns)
	succ := make([]byte, len(prefix))
	copy(succ, prefix)
	for i := len(succ) - 1; i >= 0; i-- {
		if succ[i] != 0xff {
			succ[i]++
			return succ[:i+1], true
		}
	}
	return nil, false
}
