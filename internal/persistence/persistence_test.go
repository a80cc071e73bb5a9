package persistence_test

import (
	"bytes"
	"context"
	"database/sql"
	"io"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"PredictLedger/internal/core"
	"PredictLedger/internal/ingestion"
	"PredictLedger/internal/persistence"
	"PredictLedger/internal/testutil"
	"PredictLedger/migrations"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromCoreOutputCarriesWirePayload(t *testing.T) {
	persistChan := make(chan core.CoreOutput, 32)
	c := testutil.NewCore(t, persistChan, nil)
	s := testutil.NewScenario()
	testutil.Apply(t, c, s.Events...)

	outputs := testutil.Drain(persistChan)
	require.Len(t, outputs, len(s.Events))

	for i, out := range outputs {
		row, err := persistence.FromCoreOutput(out)
		require.NoError(t, err)

		assert.Equal(t, int64(i), row.EventRow.Sequence)
		assert.Equal(t, s.Events[i].EventType().String(), row.EventRow.EventType)
		assert.Len(t, row.EventRow.StateHash, 32)

		parsed, err := ingestion.ParseRawEvent(ingestion.RawEvent{Data: row.EventRow.Payload}, row.EventRow.EventType)
		require.NoError(t, err)
		assert.Equal(t, s.Events[i].IdempotencyKey(), parsed.IdempotencyKey())

		if out.Batch == nil {
			assert.Empty(t, row.JournalRows)
			continue
		}
		require.Len(t, row.JournalRows, len(out.Batch.Journals))
		for _, j := range row.JournalRows {
			assert.Equal(t, row.EventRow.Sequence, j.Sequence)
			assert.Positive(t, j.Amount)
		}
	}

	// Consecutive rows link through prev_hash.
	first, _ := persistence.FromCoreOutput(outputs[0])
	second, _ := persistence.FromCoreOutput(outputs[1])
	assert.Equal(t, first.EventRow.StateHash, second.EventRow.PrevHash)
}

func TestSnapshotRestoresEquivalentCore(t *testing.T) {
	s := testutil.NewScenario()

	live := testutil.NewCore(t, nil, nil)
	testutil.Apply(t, live, s.Events[:6]...)

	data, err := persistence.EncodeSnapshot(persistence.NewSnapshotData(live.CreateSnapshotState(), time.Unix(0, 0).UTC()))
	require.NoError(t, err)

	decoded, err := persistence.DecodeSnapshot(data)
	require.NoError(t, err)
	cs, err := decoded.CoreState()
	require.NoError(t, err)

	restored := testutil.NewCore(t, nil, nil)
	restored.RestoreFromSnapshot(cs)
	assert.Equal(t, live.GetStateHash(), restored.GetStateHash())
	assert.Equal(t, live.GetSequence(), restored.GetSequence())

	for i, evt := range s.Events[6:] {
		seq := int64(6 + i)
		require.NoError(t, restored.Replay(evt, seq))
		testutil.Apply(t, live, evt)
	}
	assert.Equal(t, live.GetStateHash(), restored.GetStateHash())
	assert.Equal(t, int64(1), restored.Balances().GetVaultBalance(s.Market, 2))
}

func TestSnapshotRejectsShortHash(t *testing.T) {
	_, err := (&persistence.SnapshotData{Sequence: 4, StateHash: []byte{1, 2}}).CoreState()
	assert.Error(t, err)
}

func TestSnapshotRejectsBadAccountPath(t *testing.T) {
	snap := &persistence.SnapshotData{
		StateHash: make([]byte, 32),
		Balances:  map[string]int64{"nowhere:1": 5},
	}
	_, err := snap.CoreState()
	assert.Error(t, err)
}

// unreachableDB returns a handle whose every connection attempt is refused.
func unreachableDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("postgres", "host=127.0.0.1 port=1 user=nobody dbname=none sslmode=disable connect_timeout=1")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func committedRows(seqs ...int64) []persistence.CoreOutput {
	rows := make([]persistence.CoreOutput, 0, len(seqs))
	for _, seq := range seqs {
		rows = append(rows, persistence.CoreOutput{EventRow: persistence.EventRow{
			Sequence:       seq,
			EventType:      "DepositCollateral",
			IdempotencyKey: "deposit-" + string(rune('a'+seq)),
			Timestamp:      time.Unix(1_700_000_000, 0),
		}})
	}
	return rows
}

func TestWorkerReportsUnwrittenBatchOnClose(t *testing.T) {
	in := make(chan persistence.CoreOutput, 4)
	for _, row := range committedRows(0, 1) {
		in <- row
	}
	close(in)

	pw := persistence.NewPersistenceWorker(unreachableDB(t), in, 16, time.Hour, nil, zerolog.Nop())
	err := pw.Run(context.Background())

	require.ErrorIs(t, err, persistence.ErrUnpersisted)
	assert.Contains(t, err.Error(), "seq 0..1")
	assert.Equal(t, int64(-1), pw.LastWritten())
}

func TestWorkerStopsWhenRetriesEndUnwritten(t *testing.T) {
	in := make(chan persistence.CoreOutput, 4)
	in <- committedRows(0)[0]

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pw := persistence.NewPersistenceWorker(unreachableDB(t), in, 1, time.Hour, nil, zerolog.Nop())

	done := make(chan error, 1)
	go func() { done <- pw.Run(ctx) }()
	time.AfterFunc(150*time.Millisecond, cancel)

	select {
	case err := <-done:
		require.ErrorIs(t, err, persistence.ErrUnpersisted)
		assert.Equal(t, int64(-1), pw.LastWritten())
	case <-time.After(10 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestListMigrations(t *testing.T) {
	files := fstest.MapFS{
		"000002_b.up.sql":   {Data: []byte("SELECT 2")},
		"000001_a.up.sql":   {Data: []byte("SELECT 1")},
		"000001_a.down.sql": {Data: []byte("SELECT 1")},
		"README.md":         {Data: []byte("docs")},
	}

	ups, err := persistence.ListMigrations(files, ".up.sql")
	require.NoError(t, err)
	assert.Equal(t, []string{"000001_a.up.sql", "000002_b.up.sql"}, ups)
}

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	ups, err := persistence.ListMigrations(migrations.FS, ".up.sql")
	require.NoError(t, err)
	require.NotEmpty(t, ups)

	downs, err := persistence.ListMigrations(migrations.FS, ".down.sql")
	require.NoError(t, err)
	require.Len(t, downs, len(ups))

	for i, up := range ups {
		assert.Equal(t, strings.TrimSuffix(up, ".up.sql"), strings.TrimSuffix(downs[i], ".down.sql"))
	}
}

type memoryBucket struct {
	objects map[string][]byte
}

func (b *memoryBucket) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	b.objects[*in.Bucket+"/"+*in.Key] = data
	return &s3.PutObjectOutput{}, nil
}

func (b *memoryBucket) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data := b.objects[*in.Bucket+"/"+*in.Key]
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func TestSnapshotArchiveRoundTrip(t *testing.T) {
	bucket := &memoryBucket{objects: map[string][]byte{}}
	archiver := persistence.NewSnapshotArchiver(bucket, "ledger", "prod/")

	assert.Equal(t, "prod/snapshots/00000000000000000042.json", archiver.Key(42))

	live := testutil.NewCore(t, nil, nil)
	testutil.Apply(t, live, testutil.NewScenario().Events...)
	snap := persistence.NewSnapshotData(live.CreateSnapshotState(), time.Unix(0, 0).UTC())
	data, err := persistence.EncodeSnapshot(snap)
	require.NoError(t, err)

	require.NoError(t, archiver.Archive(context.Background(), snap.Sequence, data))
	assert.Contains(t, bucket.objects, "ledger/prod/snapshots/00000000000000000009.json")

	fetched, err := archiver.Fetch(context.Background(), snap.Sequence)
	require.NoError(t, err)
	assert.Equal(t, snap.StateHash, fetched.StateHash)
	assert.Equal(t, snap.Balances, fetched.Balances)
	assert.Len(t, fetched.Markets, 1)
}

// Runs against the docker Postgres: write the scenario through the worker,
// then replay it from the log into a fresh core.
func TestEventLogReplayIntegration(t *testing.T) {
	testutil.RequireIntegration(t)
	db := testutil.SetupTestDB(t)

	persistChan := make(chan core.CoreOutput, 32)
	live := testutil.NewCore(t, persistChan, nil)
	s := testutil.NewScenario()
	testutil.Apply(t, live, s.Events...)

	rows := make(chan persistence.CoreOutput, 32)
	for _, out := range testutil.Drain(persistChan) {
		row, err := persistence.FromCoreOutput(out)
		require.NoError(t, err)
		rows <- row
	}
	close(rows)

	worker := persistence.NewPersistenceWorker(db, rows, 4, 5*time.Millisecond, nil, zerolog.Nop())
	require.NoError(t, worker.Run(context.Background()))
	assert.Equal(t, int64(len(s.Events)-1), worker.LastWritten())

	snapMgr := persistence.NewSnapshotManager(db)
	latest, err := snapMgr.GetLatestSequence(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(len(s.Events)-1), latest)

	logged, err := snapMgr.LoadEventsFrom(context.Background(), 0, 100)
	require.NoError(t, err)
	require.Len(t, logged, len(s.Events))

	replayed := testutil.NewCore(t, nil, nil)
	replayed.BeginReplay()
	for _, row := range logged {
		evt, err := ingestion.ParseRawEvent(ingestion.RawEvent{Data: row.Payload}, row.EventType)
		require.NoError(t, err)
		require.NoError(t, replayed.Replay(evt, row.Sequence))
	}
	replayed.EndReplay()
	assert.Equal(t, live.GetStateHash(), replayed.GetStateHash())

	dup, err := persistence.NewPostgresIdempotencyChecker(db).IsDuplicate("BuyShares", s.Events[4].IdempotencyKey())
	require.NoError(t, err)
	assert.True(t, dup)
}
