/*
Package crdt implements the operation-based sequence CRDT that backs every
livecoding document. Characters are kept in a singly-linked arena of entries
ordered by insert-after anchors, with concurrent siblings resolved through
the total order on global identifiers. Deletes only tombstone entries so
that causal anchors of concurrent operations stay resolvable.

Access to the functions this package provides is expected to be synchronized
explicitly by some outside measure, e.g. by the mutex of the room owning the
document. This package does not(!) synchronize access by itself.
*/
package crdt
