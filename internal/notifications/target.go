package notifications

import (
	"encoding/json"

	"inbox-service/internal/models"
)

// ResolveTarget maps a notification onto the screen it should open. It returns nil for unknown
// types and for payloads that are malformed or lack the id the type needs.
func ResolveTarget(n models.Notification) *models.NavigationTarget {
	if len(n.Data) == 0 {
		return nil
	}
	var payload models.NotificationPayload
	if err := json.Unmarshal(n.Data, &payload); err != nil {
		return nil
	}

	switch n.Type {
	case models.NotificationNewMessage:
		return target(models.TargetConversation, payload.ConversationID)
	case models.NotificationNewProposal, models.NotificationProposalAccepted, models.NotificationProposalRejected:
		return target(models.TargetProposal, payload.ProposalID)
	case models.NotificationNewProject:
		return target(models.TargetProject, payload.ProjectID)
	}
	return nil
}

func target(kind, id string) *models.NavigationTarget {
	if id == "" {
		return nil
	}
	return &models.NavigationTarget{Kind: kind, ID: id}
}
