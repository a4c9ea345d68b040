package record

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// keyWidth is the number of hex characters kept from the digest. The key is
// a dedup hint for retried submissions, not a globally unique identifier.
const keyWidth = 16

// DeriveKey computes a stable fingerprint over (source, timestamp, metric
// values). Equal tuples always yield equal keys; the sleep window and note
// deliberately do not participate so a retried submission with a touched-up
// note still dedupes.
func DeriveKey(rec MetricRecord) string {
	var b strings.Builder
	b.WriteString(string(rec.Source))
	b.WriteByte('|')
	b.WriteString(rec.Timestamp.UTC().Format(time.RFC3339Nano))
	for _, key := range MetricKeys {
		b.WriteByte('|')
		b.WriteString(key)
		b.WriteByte('=')
		if v, ok := rec.Metric(key); ok {
			fmt.Fprintf(&b, "%g", v)
		}
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])[:keyWidth]
}
