// Package conflict decides how concurrent edits to the same entity are
// reconciled.
//
// Two policies apply:
//
//   - Last-write-wins (LWW) for scalar entities: the change with the later
//     timestamp replaces the other. On a tie between a server change and a
//     local edit the server wins; identical payloads are skipped.
//   - Append-only merge for comments: comments from both sides are kept
//     (distinct ids never conflict). For the same comment id the body follows
//     LWW, and a deletion on either side is final.
//
// The resolver is pure: it inspects the incoming change and the local state
// and returns a Decision. Applying the decision is up to the sync engine.
package conflict

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/digilib/digisync/internal/offline/schema"
)

var (
	// ErrStale is returned for a local write older than the stored record.
	ErrStale = errors.New("stale write: a newer version exists")

	// ErrDeleted is returned for a local edit of an append-only record that
	// has already been deleted.
	ErrDeleted = errors.New("record was deleted")
)

// Policy is a conflict resolution strategy.
type Policy int

const (
	// LWW keeps the change with the latest timestamp.
	LWW Policy = iota
	// AppendOnly keeps every record; deletions are final.
	AppendOnly
)

func (p Policy) String() string {
	switch p {
	case LWW:
		return "lww"
	case AppendOnly:
		return "append-only"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// Action is what the sync engine should do with a remote change.
type Action int

const (
	// ApplyRemote writes Decision.Record locally.
	ApplyRemote Action = iota
	// KeepLocal ignores the remote change; the local version is newer and
	// will be pushed.
	KeepLocal
	// Skip ignores the remote change; local already has it.
	Skip
)

func (a Action) String() string {
	switch a {
	case ApplyRemote:
		return "apply"
	case KeepLocal:
		return "keep-local"
	case Skip:
		return "skip"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// LocalState is the local side of a conflict.
type LocalState struct {
	// Record is the stored record, nil if the entity is unknown locally.
	Record schema.Record
	// Pending is true when local jobs for the entity are still queued.
	Pending bool
}

// Decision is the outcome of resolving a remote change.
type Decision struct {
	Action Action
	// Record is the record to store when Action is ApplyRemote. It may be a
	// merge of both sides.
	Record schema.Record
	// DropPendingJobs is set when the remote change supersedes queued local
	// edits.
	DropPendingJobs bool
	Reason          string
}

// Resolver applies per-kind policies.
type Resolver struct {
	policies map[schema.Kind]Policy
}

// New returns a resolver with the default policies: append-only for
// comments, LWW for everything else.
func New() *Resolver {
	return &Resolver{
		policies: map[schema.Kind]Policy{
			schema.KindComment: AppendOnly,
		},
	}
}

// SetPolicy overrides the policy for a kind.
func (r *Resolver) SetPolicy(kind schema.Kind, p Policy) {
	r.policies[kind] = p
}

// PolicyFor returns the policy used for kind.
func (r *Resolver) PolicyFor(kind schema.Kind) Policy {
	if p, ok := r.policies[kind]; ok {
		return p
	}
	return LWW
}

// Resolve decides what to do with a remote change given the local state.
func (r *Resolver) Resolve(remote *schema.SyncChange, local LocalState) (Decision, error) {
	if err := remote.Validate(); err != nil {
		return Decision{}, fmt.Errorf("invalid remote change: %w", err)
	}
	incoming, err := remote.Record()
	if err != nil {
		return Decision{}, err
	}
	if err := schema.ValidateRecord(incoming); err != nil {
		return Decision{}, fmt.Errorf("invalid remote %s %s: %w", remote.Kind, remote.EntityID, err)
	}

	if local.Record == nil {
		return Decision{Action: ApplyRemote, Record: incoming, Reason: "new"}, nil
	}
	if local.Record.Kind() != incoming.Kind() {
		return Decision{}, fmt.Errorf("kind mismatch: local %s, remote %s", local.Record.Kind(), incoming.Kind())
	}

	if r.PolicyFor(remote.Kind) == AppendOnly {
		return resolveAppendOnly(incoming, local)
	}
	return resolveLWW(incoming, local)
}

func resolveLWW(incoming schema.Record, local LocalState) (Decision, error) {
	in := incoming.Header()
	cur := local.Record.Header()

	switch {
	case in.UpdatedAt.Before(cur.UpdatedAt):
		return Decision{Action: KeepLocal, Reason: "local newer"}, nil
	case in.UpdatedAt.Equal(cur.UpdatedAt):
		same, err := samePayload(incoming, local.Record)
		if err != nil {
			return Decision{}, err
		}
		if same {
			return Decision{Action: Skip, Reason: "identical"}, nil
		}
		return Decision{
			Action:          ApplyRemote,
			Record:          incoming,
			DropPendingJobs: local.Pending,
			Reason:          "tie, server wins",
		}, nil
	default:
		return Decision{
			Action:          ApplyRemote,
			Record:          incoming,
			DropPendingJobs: local.Pending,
			Reason:          "remote newer",
		}, nil
	}
}

func resolveAppendOnly(incoming schema.Record, local LocalState) (Decision, error) {
	in := incoming.Header()
	cur := local.Record.Header()

	if cur.Deleted {
		if in.Deleted && !in.UpdatedAt.After(cur.UpdatedAt) {
			return Decision{Action: Skip, Reason: "already deleted"}, nil
		}
		if in.Deleted {
			// Both deleted: keep the later timestamp so replicas converge.
			return Decision{Action: ApplyRemote, Record: incoming, Reason: "deleted on both sides"}, nil
		}
		return Decision{Action: KeepLocal, Reason: "deleted locally"}, nil
	}

	if in.Deleted {
		mergeCreatedAt(incoming, local.Record)
		return Decision{
			Action:          ApplyRemote,
			Record:          incoming,
			DropPendingJobs: local.Pending,
			Reason:          "deleted remotely",
		}, nil
	}

	d, err := resolveLWW(incoming, local)
	if err != nil {
		return Decision{}, err
	}
	if d.Action == ApplyRemote {
		mergeCreatedAt(d.Record, local.Record)
	}
	return d, nil
}

// mergeCreatedAt keeps the earliest known creation time of a comment.
func mergeCreatedAt(dst, other schema.Record) {
	a, ok := dst.(*schema.Comment)
	if !ok {
		return
	}
	b, ok := other.(*schema.Comment)
	if !ok || b.CreatedAt.IsZero() {
		return
	}
	if a.CreatedAt.IsZero() || b.CreatedAt.Before(a.CreatedAt) {
		a.CreatedAt = b.CreatedAt
	}
}

// CheckLocal validates a local write against the stored record.
//
// A write older than the stored version fails with ErrStale; on equal
// timestamps the larger payload wins so the outcome does not depend on the
// order writes arrive in. For append-only kinds deleting a live record
// always succeeds, edits of a deleted record fail with ErrDeleted, and
// tombstones compete among themselves by LWW. Tombstones keep their own
// timestamp.
func (r *Resolver) CheckLocal(incoming, existing schema.Record) error {
	if existing == nil {
		return nil
	}
	in := incoming.Header()
	cur := existing.Header()

	if r.PolicyFor(incoming.Kind()) == AppendOnly {
		switch {
		case cur.Deleted && !in.Deleted:
			return fmt.Errorf("%s %s: %w", incoming.Kind(), in.ID, ErrDeleted)
		case !cur.Deleted && in.Deleted:
			return nil
		}
	}

	if in.UpdatedAt.Before(cur.UpdatedAt) {
		return fmt.Errorf("%s %s at %s: %w", incoming.Kind(), in.ID, in.UpdatedAt.Format(time.RFC3339Nano), ErrStale)
	}
	if in.UpdatedAt.Equal(cur.UpdatedAt) {
		a, err := schema.EncodeRecord(incoming)
		if err != nil {
			return err
		}
		b, err := schema.EncodeRecord(existing)
		if err != nil {
			return err
		}
		if bytes.Compare(a, b) < 0 {
			return fmt.Errorf("%s %s: concurrent write with equal timestamp: %w", incoming.Kind(), in.ID, ErrStale)
		}
	}
	return nil
}

func samePayload(a, b schema.Record) (bool, error) {
	// Synced is not part of the payload, so a synced local copy compares
	// equal to the same server version.
	pa, err := schema.EncodeRecord(a)
	if err != nil {
		return false, err
	}
	pb, err := schema.EncodeRecord(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(pa, pb), nil
}
