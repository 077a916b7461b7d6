package leafdb

import "bytes"

// Comparator orders two keys the way bytes.Compare does: negative if a < b,
// zero if equal, positive if a > b. The engine ships one byte-wise
// comparator; REVERSE_KEY selects its mirror image rather than a distinct
// algorithm.
type Comparator func(a, b []byte) int

func byteComparator(a, b []byte) int { return bytes.Compare(a, b) }

func reverseComparator(a, b []byte) int { return bytes.Compare(b, a) }
