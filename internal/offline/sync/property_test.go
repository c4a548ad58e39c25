package sync

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/digilib/digisync/internal/offline/db"
	"github.com/digilib/digisync/internal/offline/jobqueue"
	"github.com/digilib/digisync/internal/offline/schema"
)

// mutation is one offline edit with its own timestamp.
type mutation struct {
	kind    schema.Kind
	id      string
	at      time.Time
	deleted bool
	value   string
}

func (m mutation) record() schema.Record {
	meta := schema.Meta{ID: m.id, UpdatedAt: m.at, Deleted: m.deleted}
	switch m.kind {
	case schema.KindComment:
		return &schema.Comment{Meta: meta, DocumentID: "doc-1", Page: 1, Body: m.value, CreatedAt: base}
	case schema.KindTag:
		return &schema.Tag{Meta: meta, Name: m.value}
	default:
		return &schema.Bookmark{Meta: meta, DocumentID: "doc-1", Page: 1, Title: m.value}
	}
}

var propertyEntities = []struct {
	kind schema.Kind
	id   string
}{
	{schema.KindBookmark, "b1"},
	{schema.KindBookmark, "b2"},
	{schema.KindComment, "c1"},
	{schema.KindComment, "c2"},
	{schema.KindTag, "t1"},
}

// randomMutations returns n mutations with distinct timestamps.
func randomMutations(r *rand.Rand, n int, offset time.Duration) []mutation {
	out := make([]mutation, n)
	for i := range out {
		e := propertyEntities[r.IntN(len(propertyEntities))]
		out[i] = mutation{
			kind:    e.kind,
			id:      e.id,
			at:      base.Add(offset + time.Duration(2*i)*time.Second),
			deleted: r.IntN(4) == 0,
			value:   fmt.Sprintf("v%d", r.IntN(3)),
		}
	}
	return out
}

type finalRecord struct {
	payload string
	synced  bool
}

// replay applies local mutations in the given order to a fresh replica,
// then pulls the remote changes.
func replay(t *testing.T, local []mutation, remoteMuts []mutation) (map[string]finalRecord, map[string]string) {
	t.Helper()
	env := setup(t, nil)
	ctx := context.Background()

	for _, m := range remoteMuts {
		env.server.Publish(remoteChange(t, m.record()))
	}
	for _, m := range local {
		err := env.engine.Save(ctx, m.record())
		if errors.Is(err, ErrStale) || errors.Is(err, ErrDeleted) {
			continue
		}
		require.NoError(t, err)
	}
	_, err := env.engine.Pull(ctx)
	require.NoError(t, err)

	records, err := env.db.ListRecords(ctx, db.RecordFilter{IncludeDeleted: true})
	require.NoError(t, err)
	state := make(map[string]finalRecord, len(records))
	for _, rec := range records {
		payload, err := schema.EncodeRecord(rec)
		require.NoError(t, err)
		state[string(rec.Kind())+"/"+rec.Header().ID] = finalRecord{string(payload), rec.Header().Synced}
	}

	jobs, err := env.queue.List(ctx, jobqueue.Filter{})
	require.NoError(t, err)
	queued := make(map[string]string, len(jobs))
	for _, j := range jobs {
		queued[string(j.Kind)+"/"+j.EntityID] = string(j.Op) + " " + string(j.Payload)
	}
	return state, queued
}

func TestOfflineMutationsConvergeRegardlessOfOrder(t *testing.T) {
	seeds := 12
	if testing.Short() {
		seeds = 3
	}

	for seed := 0; seed < seeds; seed++ {
		t.Run(fmt.Sprintf("seed=%d", seed), func(t *testing.T) {
			r := rand.New(rand.NewPCG(uint64(seed), 0x5eed))
			local := randomMutations(r, 10, 0)
			// Remote timestamps interleave with the local ones.
			remoteMuts := randomMutations(r, 5, time.Second+time.Duration(r.IntN(8))*time.Second)

			wantState, wantJobs := replay(t, local, remoteMuts)

			orders := [][]mutation{reversed(local)}
			for i := 0; i < 2; i++ {
				shuffled := append([]mutation(nil), local...)
				r.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
				orders = append(orders, shuffled)
			}

			for i, order := range orders {
				gotState, gotJobs := replay(t, order, remoteMuts)
				require.Equal(t, wantState, gotState, "order %d: %s", i, describe(order))
				require.Equal(t, wantJobs, gotJobs, "order %d: %s", i, describe(order))
			}
		})
	}
}

func reversed(ms []mutation) []mutation {
	out := make([]mutation, len(ms))
	for i, m := range ms {
		out[len(ms)-1-i] = m
	}
	return out
}

func describe(ms []mutation) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		op := "put"
		if m.deleted {
			op = "del"
		}
		out[i] = fmt.Sprintf("%s %s/%s@%s=%s", op, m.kind, m.id, m.at.Format("05"), m.value)
	}
	return out
}
