package audit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeAuditStore struct {
	userID int64
	action string
	detail string
}

func (f *fakeAuditStore) RecordAudit(ctx context.Context, userID int64, action, detail string) error {
	f.userID, f.action, f.detail = userID, action, detail
	return nil
}

func TestNoOpNeverErrors(t *testing.T) {
	err := (NoOp{}).Record(context.Background(), 1, "deploy.create", "deployment", 5, "", "", "")
	require.NoError(t, err)
}

func TestStoreRecorderFormatsDetail(t *testing.T) {
	fs := &fakeAuditStore{}
	r := StoreRecorder{Store: fs}

	err := r.Record(context.Background(), 7, "deploy.rollback", "deployment", 42, "triggered by operator", "10.0.0.5", "curl/8")
	require.NoError(t, err)
	require.EqualValues(t, 7, fs.userID)
	require.Equal(t, "deploy.rollback", fs.action)
	require.Equal(t, "deployment#42 triggered by operator ip=10.0.0.5 ua=curl/8", fs.detail)
}
