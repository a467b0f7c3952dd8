package txlog

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/require"
	"github.com/sushant-115/gojotx/core/security/encryption"
	"github.com/sushant-115/gojotx/core/transaction"
	"go.uber.org/zap"
	"google.golang.org/protobuf/encoding/protowire"
)

// --- Test Helpers ---

func newTxID(t *testing.T) transaction.Xid {
	t.Helper()
	xid, err := transaction.NewXid("node1")
	require.NoError(t, err)
	return xid
}

func openFileLog(t *testing.T, dir string, opts FileLogOptions) *FileLog {
	t.Helper()
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	l, err := OpenFileLog(dir, logger, opts)
	require.NoError(t, err)
	return l
}

func replayAll(t *testing.T, l Log) []Entry {
	t.Helper()
	var out []Entry
	require.NoError(t, l.Replay(context.Background(), func(e Entry) error {
		out = append(out, e)
		return nil
	}))
	return out
}

func segmentFiles(t *testing.T, dir string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, segmentPrefix+"*"+segmentSuffix))
	require.NoError(t, err)
	return matches
}

// --- Test Cases ---

func TestEntry_EncodeDecode(t *testing.T) {
	e := Entry{
		LSN:       42,
		TxID:      newTxID(t),
		Phase:     PhasePrepared,
		Resources: []string{"orders-db", "billing-queue"},
		Timestamp: time.Unix(0, 1700000000123456789),
	}
	got, err := UnmarshalEntry(e.Marshal())
	require.NoError(t, err)
	require.Equal(t, e.LSN, got.LSN)
	require.Equal(t, e.TxID, got.TxID)
	require.Equal(t, e.Phase, got.Phase)
	require.Equal(t, e.Resources, got.Resources)
	require.True(t, e.Timestamp.Equal(got.Timestamp))

	_, err = UnmarshalEntry([]byte{0xff})
	require.Error(t, err)
}

func TestEntry_RejectsOutOfRangePhase(t *testing.T) {
	e := Entry{LSN: 7, TxID: newTxID(t), Phase: PhasePrepared}
	b := e.Marshal()
	// 257 would wrap to PREPARED if narrowed to a byte.
	b = protowire.AppendTag(b, fieldPhase, protowire.VarintType)
	b = protowire.AppendVarint(b, 257)

	_, err := UnmarshalEntry(b)
	require.ErrorContains(t, err, "invalid phase 257")
}

func TestFileLog_AppendReplayAndReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	l := openFileLog(t, dir, FileLogOptions{})

	a, b := newTxID(t), newTxID(t)
	for i, e := range []Entry{
		{TxID: a, Phase: PhasePrepared, Resources: []string{"db1", "db2"}},
		{TxID: a, Phase: PhaseCommitted, Resources: []string{"db1", "db2"}},
		{TxID: b, Phase: PhasePrepared, Resources: []string{"db1"}},
	} {
		lsn, err := l.Append(ctx, e)
		require.NoError(t, err)
		require.Equal(t, LSN(i+1), lsn, "LSN should be sequential and 1-based")
	}
	require.NoError(t, l.Close())

	_, err := l.Append(ctx, Entry{TxID: a, Phase: PhaseCommitted})
	require.ErrorIs(t, err, ErrClosed)

	reopened := openFileLog(t, dir, FileLogOptions{})
	defer reopened.Close()

	entries := replayAll(t, reopened)
	require.Len(t, entries, 3)
	require.Equal(t, PhaseCommitted, entries[1].Phase)
	require.Equal(t, []string{"db1", "db2"}, entries[1].Resources)

	lsn, err := reopened.Append(ctx, Entry{TxID: b, Phase: PhaseRolledBack})
	require.NoError(t, err)
	require.Equal(t, LSN(4), lsn, "numbering must continue after reopen")
}

func TestFileLog_TornTailIsTruncated(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	l := openFileLog(t, dir, FileLogOptions{})
	tx := newTxID(t)
	_, err := l.Append(ctx, Entry{TxID: tx, Phase: PhasePrepared, Resources: []string{"db1"}})
	require.NoError(t, err)
	require.NoError(t, l.Close())

	// A crash while writing the next frame leaves a partial header behind.
	files := segmentFiles(t, dir)
	require.Len(t, files, 1)
	f, err := os.OpenFile(files[0], os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0x20, 0x00, 0x00})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened := openFileLog(t, dir, FileLogOptions{})
	defer reopened.Close()
	require.Len(t, replayAll(t, reopened), 1)

	lsn, err := reopened.Append(ctx, Entry{TxID: tx, Phase: PhaseCommitted, Resources: []string{"db1"}})
	require.NoError(t, err)
	require.Equal(t, LSN(2), lsn)
	require.Len(t, replayAll(t, reopened), 2)
}

func TestFileLog_ForgetCollectsSegmentPrefix(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	// Every frame lands in its own segment.
	l := openFileLog(t, dir, FileLogOptions{SegmentSize: 1})
	defer l.Close()

	a, b := newTxID(t), newTxID(t)
	_, err := l.Append(ctx, Entry{TxID: a, Phase: PhasePrepared, Resources: []string{"db1"}})
	require.NoError(t, err)
	_, err = l.Append(ctx, Entry{TxID: a, Phase: PhaseCommitted, Resources: []string{"db1"}})
	require.NoError(t, err)
	_, err = l.Append(ctx, Entry{TxID: b, Phase: PhasePrepared, Resources: []string{"db2"}})
	require.NoError(t, err)
	require.Len(t, segmentFiles(t, dir), 3)

	require.NoError(t, l.Forget(ctx, a))
	require.Len(t, segmentFiles(t, dir), 2, "both segments of the forgotten transaction are reclaimed")

	summaries, err := Analyze(ctx, l)
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	require.Equal(t, b, summaries[0].TxID)
	require.True(t, summaries[0].InDoubt())
	require.True(t, summaries[1].Forgotten)

	require.NoError(t, l.Forget(ctx, b))
	require.Len(t, segmentFiles(t, dir), 1, "only the active segment survives")
	for _, e := range replayAll(t, l) {
		require.Equal(t, PhaseForgotten, e.Phase)
	}
}

func TestFileLog_Encrypted(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	c, err := encryption.NewCipher(bytes.Repeat([]byte{1}, 32))
	require.NoError(t, err)

	l := openFileLog(t, dir, FileLogOptions{Sealer: c})
	_, err = l.Append(ctx, Entry{TxID: newTxID(t), Phase: PhasePrepared, Resources: []string{"inventory-db"}})
	require.NoError(t, err)
	require.NoError(t, l.Close())

	raw, err := os.ReadFile(segmentFiles(t, dir)[0])
	require.NoError(t, err)
	require.NotContains(t, string(raw), "inventory-db")

	reopened := openFileLog(t, dir, FileLogOptions{Sealer: c})
	entries := replayAll(t, reopened)
	require.NoError(t, reopened.Close())
	require.Len(t, entries, 1)
	require.Equal(t, []string{"inventory-db"}, entries[0].Resources)

	wrong, err := encryption.NewCipher(bytes.Repeat([]byte{2}, 32))
	require.NoError(t, err)
	_, err = OpenFileLog(dir, zap.NewNop(), FileLogOptions{Sealer: wrong})
	require.ErrorIs(t, err, encryption.ErrCorrupt)
}

func TestStoreLog_ForgetDeletesPrefix(t *testing.T) {
	ctx := context.Background()
	store := raft.NewInmemStore()
	l, err := NewStoreLog(store, zap.NewNop())
	require.NoError(t, err)
	defer l.Close()

	a, b := newTxID(t), newTxID(t)
	_, err = l.Append(ctx, Entry{TxID: a, Phase: PhasePrepared, Resources: []string{"db1"}})
	require.NoError(t, err)
	_, err = l.Append(ctx, Entry{TxID: b, Phase: PhasePrepared, Resources: []string{"db1"}})
	require.NoError(t, err)
	_, err = l.Append(ctx, Entry{TxID: a, Phase: PhaseCommitted, Resources: []string{"db1"}})
	require.NoError(t, err)

	require.NoError(t, l.Forget(ctx, a))
	first, err := store.FirstIndex()
	require.NoError(t, err)
	require.Equal(t, uint64(2), first, "only the prefix before b's entry may go")

	require.NoError(t, l.Forget(ctx, b))
	summaries, err := Analyze(ctx, l)
	require.NoError(t, err)
	for _, s := range summaries {
		require.True(t, s.Forgotten)
	}
}

func TestStoreLog_BoltSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	l, err := Open(BackendBolt, dir, zap.NewNop(), FileLogOptions{})
	require.NoError(t, err)
	tx := newTxID(t)
	_, err = l.Append(ctx, Entry{TxID: tx, Phase: PhasePrepared, Resources: []string{"db1", "db2"}})
	require.NoError(t, err)
	_, err = l.Append(ctx, Entry{TxID: tx, Phase: PhaseCommitted, Resources: []string{"db1", "db2"}})
	require.NoError(t, err)
	require.NoError(t, l.Close())

	reopened, err := Open(BackendBolt, dir, zap.NewNop(), FileLogOptions{})
	require.NoError(t, err)
	defer reopened.Close()

	summaries, err := Analyze(ctx, reopened)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	require.True(t, summaries[0].Unfinished())
	require.Equal(t, []string{"db1", "db2"}, summaries[0].Resources)

	lsn, err := reopened.Append(ctx, Entry{TxID: tx, Phase: PhaseForgotten})
	require.NoError(t, err)
	require.Equal(t, LSN(3), lsn)
}

func TestOpen_UnknownBackend(t *testing.T) {
	_, err := Open("tape", t.TempDir(), nil, FileLogOptions{})
	require.Error(t, err)
}
