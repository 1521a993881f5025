/*
Package store provides the content-addressed blob cache consumed by the
execution engine.

A BoltDB file carries two buckets: reductions, mapping thunk hashes and
thunk#tag output keys to the content hashes they reduced to, and remote,
recording which blobs the storage backend already holds. Blob bytes live as
plain files in a blobs/ directory next to the database, written through
AtomicCreate so concurrent readers never see partial content.
*/
package store
