// Package seqvault manages large biological sequence databases
// under frequent small updates.
//
// Sequence bytes are stored once,
// keyed by their SHA2-256 hash,
// in a content-addressable blob store.
// Every ingestion event,
// including ones that present already-known content,
// appends a representation record
// linking the original header and source database to that hash.
//
// Sequences are grouped by taxon into immutable chunks.
// A chunk is itself a blob:
// its ref is the hash of its serialized sequence refs and taxon IDs.
// A manifest lists a database's chunks in order,
// together with a Merkle root over the chunk refs,
// a second root over their taxon sets,
// and two timestamps:
// when the sequence data was assembled,
// and when the taxonomy it was classified against was asserted.
// Manifests form an append-only chain.
//
// Because every object is named by its hash,
// a replica can bring itself up to date by comparing manifests,
// fetching only the chunks it lacks,
// and checking each one against the remote Merkle root
// before committing the new manifest.
// A failed update never advances the local manifest.
//
// Subpackages:
//   - store/...: blob and anchor storage backends
//   - canonical: the deduplicating sequence store
//   - chunk: the taxonomic chunker
//   - merkle: Merkle trees and inclusion proofs
//   - manifest: manifests, the manifest log, and the update protocol
//   - temporal: point-in-time queries over manifest history
//   - delta: edit-script compression of near-duplicate sequences
//   - gc: garbage collection
//   - remote: HTTP and store-backed transports for updates
//   - config: configuration files and repository setup
package seqvault
