package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/matheus3301/posync/internal/errs"
	"github.com/matheus3301/posync/internal/model"
	"github.com/matheus3301/posync/internal/store"
)

const partition = "+15550001"

func newDB(t *testing.T) (*DB, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherEqual))
	require.NoError(t, err)
	return &DB{Pool: mock, Partition: partition}, mock
}

func encode(t *testing.T, obj model.Object) []byte {
	t.Helper()
	data, err := store.Encode(obj)
	require.NoError(t, err)
	return data
}

func TestCreate_Modified_Unchanged_NoNotification(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()

	notified := 0
	db.AddListener(func(c []store.Change) { notified += len(c) })

	msg := &model.Message{ID: "m1", Channel: "c", Timetoken: "17"}
	mock.ExpectExec(upsertModifiedObject).
		WithArgs(partition, "Message", "m1", encode(t, msg)).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	require.NoError(t, db.Create(context.Background(), msg, store.ModeModified))
	require.Zero(t, notified)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreate_Never_UniqueViolation(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()

	c := &model.Contact{Mobile: "+1"}
	mock.ExpectExec(insertObject).
		WithArgs(partition, "Contact", "+1", encode(t, c)).
		WillReturnError(&pgconn.PgError{Code: "23505"})

	err := db.Create(context.Background(), c, store.ModeNever)
	require.ErrorIs(t, err, errs.ErrAlreadyExists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWrite_CommitsAndNotifiesAfterCommit(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()

	var got []store.Change
	db.AddListener(func(c []store.Change) { got = append(got, c...) })

	p := &model.Payment{ID: "p1", Type: model.PaymentCredit}
	mock.ExpectBegin()
	mock.ExpectExec(upsertObject).
		WithArgs(partition, "Payment", "p1", encode(t, p)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(deleteObject).
		WithArgs(partition, "Receipt", "r1").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectCommit()

	err := db.Write(context.Background(), func(ctx context.Context) error {
		require.True(t, db.InTransaction(ctx))
		if err := db.Create(ctx, p, store.ModeAll); err != nil {
			return err
		}
		require.Empty(t, got, "notified before commit")
		return db.Delete(ctx, model.SchemaReceipt, "r1")
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.True(t, got[1].Deleted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWrite_RollsBackOnError(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()

	boom := errors.New("boom")
	mock.ExpectBegin()
	mock.ExpectRollback()

	err := db.Write(context.Background(), func(ctx context.Context) error {
		// Nested writes join the open transaction.
		return db.Write(ctx, func(context.Context) error { return boom })
	})
	require.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestObjects_DecodesInOrder(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()

	rows := pgxmock.NewRows([]string{"data"}).
		AddRow([]byte(`{"_id":"c2","customer":"u1","amount_left":"10","amount_paid":"0","fulfilled":false,"created_at":"2026-01-01T00:00:00Z"}`)).
		AddRow([]byte(`{"_id":"c1","customer":"u1","amount_left":"0","amount_paid":"5","fulfilled":true,"created_at":"2026-01-01T00:00:00Z"}`))
	mock.ExpectQuery(selectObjects).WithArgs(partition, "Credit").WillReturnRows(rows)

	credits, err := store.All[*model.Credit](context.Background(), db)
	require.NoError(t, err)
	require.Len(t, credits, 2)
	require.Equal(t, "c2", credits[0].ID)
	require.Equal(t, "10", credits[0].AmountLeft.String())
	require.True(t, credits[1].Fulfilled)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestObjectForPrimaryKey_Missing(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()

	mock.ExpectQuery(selectObject).
		WithArgs(partition, "Conversation", "grp.9").
		WillReturnError(pgx.ErrNoRows)

	obj, err := db.ObjectForPrimaryKey(context.Background(), model.SchemaConversation, "grp.9")
	require.NoError(t, err)
	require.Nil(t, obj)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMessagesInChannel(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()

	rows := pgxmock.NewRows([]string{"data"}).
		AddRow([]byte(`{"id":"m1","channel":"c","author":"+1","content":"hi","created_at":"2026-01-01T00:00:00Z","timetoken":"1"}`))
	mock.ExpectQuery(selectMessages).WithArgs(partition, "c").WillReturnRows(rows)

	msgs, err := store.ChannelMessages(context.Background(), db, "c")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, model.StatusSent, msgs[0].Status())
	require.NoError(t, mock.ExpectationsWereMet())
}
