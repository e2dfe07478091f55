package notifications

import (
	"strings"
	"testing"

	"github.com/jmoiron/sqlx/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inbox-service/internal/models"
)

func TestResolveTarget(t *testing.T) {
	tests := []struct {
		name string
		n    models.Notification
		want *models.NavigationTarget
	}{
		{
			name: "new message opens conversation",
			n:    NewMessage("b", models.Message{ID: "m1", ConversationID: "c1", SenderID: "a", Content: "hi"}),
			want: &models.NavigationTarget{Kind: models.TargetConversation, ID: "c1"},
		},
		{
			name: "proposal received opens proposal",
			n:    NewProposal("owner", "p1", "Roof", "Ana"),
			want: &models.NavigationTarget{Kind: models.TargetProposal, ID: "p1"},
		},
		{
			name: "proposal accepted opens proposal",
			n:    ProposalAccepted("pro", "p2", "Roof"),
			want: &models.NavigationTarget{Kind: models.TargetProposal, ID: "p2"},
		},
		{
			name: "proposal rejected opens proposal",
			n:    ProposalRejected("pro", "p3", "Roof", ""),
			want: &models.NavigationTarget{Kind: models.TargetProposal, ID: "p3"},
		},
		{
			name: "new project opens project",
			n:    NewProject("pro", "pr1", "Garden"),
			want: &models.NavigationTarget{Kind: models.TargetProject, ID: "pr1"},
		},
		{
			name: "unknown type",
			n:    models.Notification{Type: "system", Data: types.JSONText(`{"project_id":"x"}`)},
		},
		{
			name: "malformed payload",
			n:    models.Notification{Type: models.NotificationNewProject, Data: types.JSONText(`{"project_id":`)},
		},
		{
			name: "payload missing id",
			n:    models.Notification{Type: models.NotificationNewMessage, Data: types.JSONText(`{"sender_id":"a"}`)},
		},
		{
			name: "wrong payload shape",
			n:    models.Notification{Type: models.NotificationNewMessage, Data: types.JSONText(`["c1"]`)},
		},
		{
			name: "empty payload",
			n:    models.Notification{Type: models.NotificationNewProject},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ResolveTarget(tt.n))
		})
	}
}

func TestNewMessagePreviewIsTruncated(t *testing.T) {
	n := NewMessage("b", models.Message{ConversationID: "c1", Content: strings.Repeat("é", 200)})
	require.True(t, n.Type.Valid())
	assert.Equal(t, previewLength+1, len([]rune(n.Body)))
}

func TestProposalRejectedUsesReason(t *testing.T) {
	n := ProposalRejected("pro", "p3", "Roof", "budget too low")
	assert.Equal(t, "budget too low", n.Body)
}
