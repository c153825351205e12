package journal

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"nhbstable/core/events"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	j, err := Open("sqlite", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestJournalAppendAndList(t *testing.T) {
	j := openTestJournal(t)
	base := time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)
	alice := "0x00000000000000000000000000000000000000a1"
	bob := "0x00000000000000000000000000000000000000b2"

	records := []events.Record{
		{ID: uuid.NewString(), Type: events.TypeCollateralDeposited, Attributes: map[string]string{"user": alice, "amount": "10"}, Timestamp: base},
		{ID: uuid.NewString(), Type: events.TypeStableMinted, Attributes: map[string]string{"user": alice, "amount": "5"}, Timestamp: base.Add(time.Minute)},
		{ID: "not-a-uuid", Type: events.TypeStableBurned, Attributes: map[string]string{"payer": bob, "onBehalfOf": bob}, Timestamp: base.Add(2 * time.Minute)},
	}
	for _, rec := range records {
		require.NoError(t, j.Append(rec))
	}

	all, err := j.List(context.Background(), Query{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, records[0].ID, all[0].ID)
	require.Equal(t, "10", all[0].Attributes["amount"])
	_, err = uuid.Parse(all[2].ID)
	require.NoError(t, err, "invalid ids are replaced")

	mine, err := j.List(context.Background(), Query{Account: alice})
	require.NoError(t, err)
	require.Len(t, mine, 2)

	burns, err := j.List(context.Background(), Query{Type: events.TypeStableBurned, Account: bob})
	require.NoError(t, err)
	require.Len(t, burns, 1)

	recent, err := j.List(context.Background(), Query{Since: base.Add(30 * time.Second), Limit: 1})
	require.NoError(t, err)
	require.Len(t, recent, 1)
	require.Equal(t, events.TypeStableMinted, recent[0].Type)
}

func TestJournalAsBusSink(t *testing.T) {
	j := openTestJournal(t)
	bus := events.NewBus()
	bus.AddSink(j)
	bus.Emit(events.StableMinted{})

	out, err := j.List(context.Background(), Query{Type: events.TypeStableMinted})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "0", out[0].Attributes["amount"])
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open("mysql", "dsn")
	require.ErrorContains(t, err, "unsupported driver")

	var nilJournal *Journal
	require.Error(t, nilJournal.Append(events.Record{}))
	require.NoError(t, nilJournal.Close())
}

func TestJournalHashChain(t *testing.T) {
	j := openTestJournal(t)
	base := time.Date(2024, time.March, 1, 12, 0, 0, 123456789, time.UTC)
	for i := 0; i < 3; i++ {
		require.NoError(t, j.Append(events.Record{
			ID:         uuid.NewString(),
			Type:       events.TypeStableMinted,
			Attributes: map[string]string{"user": "0x00000000000000000000000000000000000000a1", "amount": fmt.Sprint(i + 1)},
			Timestamp:  base.Add(time.Duration(i) * time.Second),
		}))
	}
	seq, head := j.Head()
	require.Equal(t, uint64(3), seq)
	require.Len(t, head, 64)

	result, err := j.Verify(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(3), result.Entries)
	require.Equal(t, head, result.Head)

	reopened, err := New(j.db)
	require.NoError(t, err)
	reSeq, reHead := reopened.Head()
	require.Equal(t, seq, reSeq)
	require.Equal(t, head, reHead)

	require.NoError(t, j.db.Model(&Entry{}).Where("seq = ?", 2).Update("attributes", `{"amount":"999"}`).Error)
	_, err = j.Verify(context.Background())
	require.ErrorIs(t, err, ErrChainBroken)
}

func TestJournalExportParquet(t *testing.T) {
	j := openTestJournal(t)
	base := time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, j.Append(events.Record{Type: events.TypeCollateralDeposited, Attributes: map[string]string{"user": "0xa1"}, Timestamp: base}))
	require.NoError(t, j.Append(events.Record{Type: events.TypeStableMinted, Attributes: map[string]string{"user": "0xa1"}, Timestamp: base}))
	require.NoError(t, j.Append(events.Record{Type: events.TypeStableMinted, Attributes: map[string]string{"user": "0xb2"}, Timestamp: base}))

	var buf bytes.Buffer
	n, err := j.ExportParquet(context.Background(), &buf, Query{Type: events.TypeStableMinted})
	require.NoError(t, err)
	require.Equal(t, 2, n)
	data := buf.Bytes()
	require.Greater(t, len(data), 8)
	require.Equal(t, "PAR1", string(data[:4]))
	require.Equal(t, "PAR1", string(data[len(data)-4:]))
}
