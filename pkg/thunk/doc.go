/*
Package thunk defines the thunk data model consumed by the execution engine.

A thunk names its input blobs (values and executables) by content hash and is
itself identified by a content hash. Hashes embed the blob length as an
eight-hex-digit suffix so that blob sizes can be recovered without touching
the blob store; see HashSize.
*/
package thunk
