package jobstore

import (
	"fmt"
	"math"
	"strings"

	"github.com/rubyAppSec/quartz/internal/domain"
)

// Collection keys use "group/name"; groups must not contain '/'.
func keyID(k domain.Key) string {
	return k.Group + "/" + k.Name
}

func parseKeyID(s string) (domain.Key, bool) {
	group, name, ok := strings.Cut(s, "/")
	if !ok {
		return domain.Key{}, false
	}
	return domain.Key{Group: group, Name: name}, true
}

// indexMember encodes a trigger's identity for the ordered index. The score
// is the next fire time in unix millis; ties resolve by member string, so
// the priority is embedded inverted and zero-padded to sort higher
// priorities first, with the key last for stability.
func indexMember(priority int, key domain.Key) string {
	return fmt.Sprintf("%010d|%s", int64(math.MaxInt32)-int64(priority), keyID(key))
}

func parseIndexMember(member string) (domain.Key, bool) {
	_, rest, ok := strings.Cut(member, "|")
	if !ok {
		return domain.Key{}, false
	}
	return parseKeyID(rest)
}
