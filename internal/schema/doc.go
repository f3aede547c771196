// Package schema defines the typed domain records persisted by the local store.
//
// # Overview
//
// Every record kind (exercise, activity log, workout, workout session, user
// preference, app setting) is a plain struct carrying its domain fields plus a
// Sync field holding the envelope.Envelope. The envelope is never serialized
// with the domain fields: the store keeps it in dedicated columns and the wire
// format carries it beside the data.
//
// # Kinds
//
// Kind is the closed enum of entity kinds. Every switch over Kind is exhaustive
// and New is the only factory:
//
//	rec, err := schema.New(schema.KindExercise)
//	ex := rec.(*schema.Exercise)
//
// # Denormalized names
//
// ActivityLog and WorkoutSession cache the display name of their parent. The
// ParentRef interface exposes that cache so the store can repair names that
// are empty or equal to a placeholder such as "Unknown Exercise".
//
// # Wire format
//
// Wire is the JSON shape exchanged with the remote API and used by the JSONL
// export:
//
//	{
//	  "id": "5c8e...",
//	  "owner_id": "user-1",
//	  "version": 4,
//	  "updated_at": "2025-03-03T09:00:00Z",
//	  "deleted": false,
//	  "dirty": true,
//	  "op": "upsert",
//	  "data": {"name": "Push-ups", "category": "strength", ...}
//	}
package schema
