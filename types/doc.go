// Package types defines the core data structures of the gadgetberry finality gadget.
//
// # Core Types
//
// Registry: The unique node list (UNL). An immutable, generation-stamped set of
// weighted validators with a fixed total stake. Governance replaces it
// wholesale; it is never mutated in place.
//
// Validator: A member of the registry, identified by a stable opaque
// ValidatorID, with a stake weight and a status (active or faulty). Status is
// an overlay maintained by the engine; a fresh registry has every member active.
//
// Vote: An already-authenticated commitment by a validator to a candidate
// hash in a round. The proof is carried for audit and never interpreted.
//
// FinalizedState: The decision for a round: hash, round, finalizing stake
// and the registry generation it was reached under.
//
// EquivocationRecord: Evidence that a validator voted for two or more
// distinct hashes in one round.
//
// # Threshold
//
// A hash finalizes once its accumulated active stake reaches
// FinalityThreshold(total) = ceil(2*total/3), where total is the stake of the
// whole registry, faulty members included.
//
// # Serialization
//
// Serializable forms (RegistryData, Vote, FinalizedState) carry CBOR integer
// keys and JSON names. MarshalCanonical produces core deterministic CBOR,
// used for digests and for the journal.
//
// # Usage Example
//
//	reg, err := types.NewRegistry(1, []types.Validator{
//	    {ID: "alice", Weight: 25},
//	    {ID: "bob", Weight: 25},
//	    {ID: "carol", Weight: 25},
//	    {ID: "dave", Weight: 25},
//	})
//	// reg.TotalStake() == 100, reg.Threshold() == 67
//
//	vote := &types.Vote{Validator: "alice", Round: 7, Hash: types.HashBytes(block)}
package types
