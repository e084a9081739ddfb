package conflict

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const t0 = int64(1700000000000)

func TestResolve(t *testing.T) {
	tests := []struct {
		name   string
		policy Policy
		local  Local
		remote Remote
		want   Resolution
	}{
		{
			name:   "delete vs tombstone absorbed",
			policy: ServerWins,
			local:  Local{PendingOp: OpDelete, UpdatedAt: t0 + 40, ServerLastModified: t0 + 20},
			remote: Remote{ServerID: "S1", UpdatedAt: t0 + 50, Deleted: true},
			want:   Resolution{Action: RemoveLocal},
		},
		{
			name:   "delete vs newer upsert",
			policy: ServerWins,
			local:  Local{PendingOp: OpDelete, UpdatedAt: t0 + 40, ServerLastModified: t0 + 20},
			remote: Remote{ServerID: "S1", UpdatedAt: t0 + 35},
			want:   Resolution{Action: ApplyServer},
		},
		{
			name:   "upsert vs tombstone",
			policy: ServerWins,
			local:  Local{PendingOp: OpUpsert, UpdatedAt: t0 + 40, ServerLastModified: t0 + 20},
			remote: Remote{ServerID: "S1", UpdatedAt: t0 + 50, Deleted: true},
			want:   Resolution{Action: RemoveLocal},
		},
		{
			name:   "upsert vs upsert",
			policy: ServerWins,
			local:  Local{PendingOp: OpUpsert, UpdatedAt: t0 + 30, ServerLastModified: t0 + 20},
			remote: Remote{ServerID: "S1", UpdatedAt: t0 + 35},
			want:   Resolution{Action: ApplyServer},
		},
		{
			name:   "client wins keeps local and rebases",
			policy: ClientWins,
			local:  Local{PendingOp: OpUpsert, UpdatedAt: t0 + 30, ServerLastModified: t0 + 20},
			remote: Remote{ServerID: "S1", UpdatedAt: t0 + 35},
			want:   Resolution{Action: KeepLocal, Rebase: t0 + 35},
		},
		{
			name:   "client wins still loses to tombstone",
			policy: ClientWins,
			local:  Local{PendingOp: OpUpsert, UpdatedAt: t0 + 30, ServerLastModified: t0 + 20},
			remote: Remote{ServerID: "S1", UpdatedAt: t0 + 50, Deleted: true},
			want:   Resolution{Action: RemoveLocal},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Resolve(tt.policy, tt.local, tt.remote))
		})
	}
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, ServerWins, p)

	p, err = ParsePolicy("client-wins")
	require.NoError(t, err)
	assert.Equal(t, ClientWins, p)

	_, err = ParsePolicy("field-merge")
	assert.ErrorIs(t, err, ErrUnknownPolicy)
}

func TestAction_String(t *testing.T) {
	assert.Equal(t, "apply-server", ApplyServer.String())
	assert.Equal(t, "remove-local", RemoveLocal.String())
	assert.Equal(t, "keep-local", KeepLocal.String())
}
